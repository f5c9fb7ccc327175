package types

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorCode classifies an error returned by one authority.
type ErrorCode uint16

// Error codes. CodeUnknown is the uncategorized bucket.
const (
	CodeUnknown ErrorCode = iota
	CodeTimeout
	CodeRPC
	CodeObjectNotFound
	CodePackageNotFound
	CodeObjectLockConflict
	CodeInvalidSignature
	CodeInvalidAuthenticator
	CodeWrongEpoch
	CodeEpochEnded
	CodeValidatorHaltedAtEpochEnd
	CodeMissingCommitteeAtEpoch
	CodeTooManyTransactionsPendingExecution
	CodeTooManyTransactionsPendingOnObject
	CodeTooOldTransactionPendingOnObject
	CodeTooManyTransactionsPendingConsensus
	CodeValidatorOverloadedRetryAfter
	CodeTooManyRequests
	CodeExecutionError
	CodeUserInput
	CodeByzantineAuthoritySuspicion
	CodeFailedToVerifyTxCertWithExecutedEffects
	CodeTxAlreadyFinalizedWithDifferentUserSigs
	CodeQuorumFailedToGetEffectsQuorum
	CodeStakeAggregatorConflict
	CodeNoAuthorities
)

var codeNames = map[ErrorCode]string{
	CodeUnknown:                                 "Unknown",
	CodeTimeout:                                 "Timeout",
	CodeRPC:                                     "Rpc",
	CodeObjectNotFound:                          "ObjectNotFound",
	CodePackageNotFound:                         "DependentPackageNotFound",
	CodeObjectLockConflict:                      "ObjectLockConflict",
	CodeInvalidSignature:                        "InvalidSignature",
	CodeInvalidAuthenticator:                    "InvalidAuthenticator",
	CodeWrongEpoch:                              "WrongEpoch",
	CodeEpochEnded:                              "EpochEnded",
	CodeValidatorHaltedAtEpochEnd:               "ValidatorHaltedAtEpochEnd",
	CodeMissingCommitteeAtEpoch:                 "MissingCommitteeAtEpoch",
	CodeTooManyTransactionsPendingExecution:     "TooManyTransactionsPendingExecution",
	CodeTooManyTransactionsPendingOnObject:      "TooManyTransactionsPendingOnObject",
	CodeTooOldTransactionPendingOnObject:        "TooOldTransactionPendingOnObject",
	CodeTooManyTransactionsPendingConsensus:     "TooManyTransactionsPendingConsensus",
	CodeValidatorOverloadedRetryAfter:           "ValidatorOverloadedRetryAfter",
	CodeTooManyRequests:                         "TooManyRequests",
	CodeExecutionError:                          "ExecutionError",
	CodeUserInput:                               "UserInputError",
	CodeByzantineAuthoritySuspicion:             "ByzantineAuthoritySuspicion",
	CodeFailedToVerifyTxCertWithExecutedEffects: "FailedToVerifyTxCertWithExecutedEffects",
	CodeTxAlreadyFinalizedWithDifferentUserSigs: "TxAlreadyFinalizedWithDifferentUserSigs",
	CodeQuorumFailedToGetEffectsQuorum:          "QuorumFailedToGetEffectsQuorumWhenProcessingTransaction",
	CodeStakeAggregatorConflict:                 "StakeAggregatorConflict",
	CodeNoAuthorities:                           "NoAuthorities",
}

// String returns the error kind label used for grouping and metrics.
func (c ErrorCode) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}

	return fmt.Sprintf("Code(%d)", uint16(c))
}

// AuthorityError is the error one authority returns for one request.
type AuthorityError struct {
	Code    ErrorCode // Code is the error kind
	Message string    // Message is a free-form description

	ObjectRef          ObjectRef     // ObjectRef is the locked or missing object, when relevant
	PendingTransaction Digest        // PendingTransaction holds the conflicting lock, for lock conflicts
	RetryAfter         time.Duration // RetryAfter is the advertised backoff, for retryable overload
	ExpectedEpoch      EpochID       // ExpectedEpoch is set for wrong epoch errors
	ActualEpoch        EpochID       // ActualEpoch is set for wrong epoch errors
	Status             string        // Status is the transport status code, for RPC errors
}

// NewError creates an authority error with a message.
func NewError(code ErrorCode, format string, args ...any) *AuthorityError {
	return &AuthorityError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// LockConflict creates the error returned when ref is already locked by pending.
func LockConflict(ref ObjectRef, pending Digest) *AuthorityError {
	return &AuthorityError{
		Code:               CodeObjectLockConflict,
		Message:            fmt.Sprintf("object %s locked by %s", ref.ID, pending.Short()),
		ObjectRef:          ref,
		PendingTransaction: pending,
	}
}

// OverloadedRetryAfter creates a retryable overload error.
func OverloadedRetryAfter(after time.Duration) *AuthorityError {
	return &AuthorityError{
		Code:       CodeValidatorOverloadedRetryAfter,
		Message:    fmt.Sprintf("validator overloaded, retry after %s", after),
		RetryAfter: after,
	}
}

// WrongEpoch creates an epoch mismatch error.
func WrongEpoch(expected, actual EpochID) *AuthorityError {
	return &AuthorityError{
		Code:          CodeWrongEpoch,
		Message:       fmt.Sprintf("expected epoch %d, got %d", expected, actual),
		ExpectedEpoch: expected,
		ActualEpoch:   actual,
	}
}

// Error implements error.
func (e *AuthorityError) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}

	return e.Code.String() + ": " + e.Message
}

// Is matches another *AuthorityError with the same code.
func (e *AuthorityError) Is(target error) bool {
	var t *AuthorityError
	if !errors.As(target, &t) {
		return false
	}

	return t.Code == e.Code
}

// AsAuthorityError recovers the authority error in err. Context deadlines
// become timeouts and anything unrecognised becomes CodeUnknown.
func AsAuthorityError(err error) *AuthorityError {
	if err == nil {
		return nil
	}

	var ae *AuthorityError
	if errors.As(err, &ae) {
		return ae
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &AuthorityError{Code: CodeTimeout, Message: err.Error()}
	}

	if errors.Is(err, context.Canceled) {
		return &AuthorityError{Code: CodeRPC, Message: err.Error(), Status: "cancelled"}
	}

	return &AuthorityError{Code: CodeUnknown, Message: err.Error()}
}

// IsRetryable reports whether resubmitting could succeed, and whether the
// code is categorized at all. Uncategorized codes report (false, false).
func (e *AuthorityError) IsRetryable() (retryable bool, categorized bool) {
	switch e.Code {
	// Transport
	case CodeTimeout, CodeRPC:
		return true, true

	// Reconfiguration
	case CodeValidatorHaltedAtEpochEnd, CodeMissingCommitteeAtEpoch, CodeWrongEpoch, CodeEpochEnded:
		return true, true

	// Inputs may appear once the authority catches up
	case CodeObjectNotFound, CodePackageNotFound:
		return true, true

	// Overload
	case CodeTooManyTransactionsPendingExecution, CodeTooManyTransactionsPendingOnObject,
		CodeTooOldTransactionPendingOnObject, CodeTooManyTransactionsPendingConsensus,
		CodeValidatorOverloadedRetryAfter:
		return true, true

	// A rate limit imposed on this client must not be retried automatically.
	case CodeTooManyRequests:
		return false, true

	case CodeExecutionError, CodeUserInput, CodeObjectLockConflict, CodeInvalidSignature,
		CodeInvalidAuthenticator, CodeByzantineAuthoritySuspicion,
		CodeFailedToVerifyTxCertWithExecutedEffects, CodeTxAlreadyFinalizedWithDifferentUserSigs,
		CodeQuorumFailedToGetEffectsQuorum, CodeStakeAggregatorConflict:
		return false, true
	}

	return false, false
}

// IsObjectOrPackageNotFound reports missing-input errors.
func (e *AuthorityError) IsObjectOrPackageNotFound() bool {
	return e.Code == CodeObjectNotFound || e.Code == CodePackageNotFound
}

// IsOverload reports load-shedding errors that carry no retry hint.
func (e *AuthorityError) IsOverload() bool {
	switch e.Code {
	case CodeTooManyTransactionsPendingExecution, CodeTooManyTransactionsPendingOnObject,
		CodeTooOldTransactionPendingOnObject, CodeTooManyTransactionsPendingConsensus:
		return true
	}

	return false
}

// IsRetryableOverload reports whole-authority overload with a retry hint.
func (e *AuthorityError) IsRetryableOverload() bool {
	return e.Code == CodeValidatorOverloadedRetryAfter
}

// AttributedToClient reports whether the error says something about the
// submitted transaction. Errors that only show the authority misbehaved do not.
func (e *AuthorityError) AttributedToClient() bool {
	switch e.Code {
	case CodeInvalidSignature, CodeInvalidAuthenticator, CodeByzantineAuthoritySuspicion,
		CodeStakeAggregatorConflict:
		return false
	}

	return true
}
