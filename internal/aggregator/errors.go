package aggregator

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"QuorumDriver/internal/quorum"
	"QuorumDriver/internal/types"
)

// Sentinels matched through errors.Is against the caller-facing errors.
var (
	ErrFatalTransaction                = errors.New("fatal transaction")
	ErrFatalConflictingTransaction     = errors.New("fatal conflicting transaction")
	ErrTxAlreadyFinalizedDifferentSigs = errors.New("transaction already finalized with different user signatures")
	ErrSystemOverload                  = errors.New("system overload")
	ErrSystemOverloadRetryAfter        = errors.New("system overload, retry after")
	ErrRetryableTransaction            = errors.New("retryable transaction")
	ErrFatalExecuteCertificate         = errors.New("fatal execute certificate")
	ErrRetryableExecuteCertificate     = errors.New("retryable execute certificate")
	ErrQuorumTimeout                   = errors.New("quorum once timed out")
	ErrTooManyIncorrectAuthorities     = errors.New("too many incorrect authorities")
	ErrNoAuthorities                   = errors.New("no authorities")
)

// reported is one authority error folded into a round, with its stake.
type reported struct {
	err         *types.AuthorityError // err is the error
	authorities []types.AuthorityName // authorities returned it
	stake       types.StakeUnit       // stake is their total weight
}

// ErrorGroup is every authority that returned one kind of error.
type ErrorGroup struct {
	Err         *types.AuthorityError // Err is the first error of the kind
	Stake       types.StakeUnit       // Stake is the total weight of the group
	Authorities []types.AuthorityName // Authorities returned the error, sorted by name
}

// GroupedErrors are error groups sorted by decreasing stake.
type GroupedErrors []ErrorGroup

// groupErrors folds errors by code.
func groupErrors(errs []reported) GroupedErrors {
	index := make(map[types.ErrorCode]int)
	var out GroupedErrors

	for _, r := range errs {
		i, ok := index[r.err.Code]
		if !ok {
			i = len(out)
			index[r.err.Code] = i
			out = append(out, ErrorGroup{Err: r.err})
		}

		out[i].Stake += r.stake
		out[i].Authorities = append(out[i].Authorities, r.authorities...)
	}

	for i := range out {
		types.SortNames(out[i].Authorities)
	}

	slices.SortStableFunc(out, func(a, b ErrorGroup) int {
		switch {
		case a.Stake > b.Stake:
			return -1
		case a.Stake < b.Stake:
			return 1
		}
		return int(a.Err.Code) - int(b.Err.Code)
	})

	return out
}

// String renders the groups as {code: (stake, [names])}.
func (g GroupedErrors) String() string {
	parts := make([]string, 0, len(g))
	for _, group := range g {
		names := make([]string, len(group.Authorities))
		for i, n := range group.Authorities {
			names[i] = n.Concise()
		}

		parts = append(parts, fmt.Sprintf("%s: (%d, [%s])", group.Err.Code, group.Stake, strings.Join(names, ", ")))
	}

	return "{" + strings.Join(parts, "; ") + "}"
}

// Stake returns the stake of the group with code, zero when absent.
func (g GroupedErrors) Stake(code types.ErrorCode) types.StakeUnit {
	for _, group := range g {
		if group.Err.Code == code {
			return group.Stake
		}
	}

	return 0
}

// ObjectLock is one object an authority has locked for a conflicting transaction.
type ObjectLock struct {
	Authority types.AuthorityName // Authority holds the lock
	Object    types.ObjectRef     // Object is the locked version
}

// ConflictingTransaction is the evidence collected for one conflicting transaction.
type ConflictingTransaction struct {
	Locks []ObjectLock    // Locks lists the reported locks
	Stake types.StakeUnit // Stake is the weight of the reporting authorities
}

// TransactionErrorKind classifies a failed ProcessTransaction.
type TransactionErrorKind uint8

const (
	// FatalTransaction means enough stake rejected the transaction for good.
	FatalTransaction TransactionErrorKind = iota

	// FatalConflictingTransaction means inputs are locked by other transactions.
	FatalConflictingTransaction

	// TxAlreadyFinalizedWithDifferentUserSigs means the same data was
	// finalized under other user signatures.
	TxAlreadyFinalizedWithDifferentUserSigs

	// SystemOverload means a quorum shed load without a retry hint.
	SystemOverload

	// SystemOverloadRetryAfter means a quorum asked to retry after a delay.
	SystemOverloadRetryAfter

	// RetryableTransaction means resubmitting unchanged may succeed.
	RetryableTransaction
)

// String returns the kind name.
func (k TransactionErrorKind) String() string {
	return k.sentinel().Error()
}

// sentinel returns the errors.Is target of k.
func (k TransactionErrorKind) sentinel() error {
	switch k {
	case FatalTransaction:
		return ErrFatalTransaction
	case FatalConflictingTransaction:
		return ErrFatalConflictingTransaction
	case TxAlreadyFinalizedWithDifferentUserSigs:
		return ErrTxAlreadyFinalizedDifferentSigs
	case SystemOverload:
		return ErrSystemOverload
	case SystemOverloadRetryAfter:
		return ErrSystemOverloadRetryAfter
	}

	return ErrRetryableTransaction
}

// ProcessTransactionError is returned when a transaction could not be certified.
type ProcessTransactionError struct {
	Kind                 TransactionErrorKind                    // Kind classifies the failure
	Errors               GroupedErrors                           // Errors are the authority errors by kind
	ConflictingTxDigests map[types.Digest]ConflictingTransaction // ConflictingTxDigests is set for FatalConflictingTransaction
	OverloadedStake      types.StakeUnit                         // OverloadedStake is set for both overload kinds
	RetryAfter           time.Duration                           // RetryAfter is set for SystemOverloadRetryAfter
}

// Error implements error.
func (e *ProcessTransactionError) Error() string {
	switch e.Kind {
	case FatalConflictingTransaction:
		digests := make([]string, 0, len(e.ConflictingTxDigests))
		for d, c := range e.ConflictingTxDigests {
			digests = append(digests, fmt.Sprintf("%s: %d", d.Short(), c.Stake))
		}
		slices.Sort(digests)

		return fmt.Sprintf("%s: conflicting transactions [%s]: %s", e.Kind, strings.Join(digests, ", "), e.Errors)

	case SystemOverload:
		return fmt.Sprintf("%s: overloaded stake %d: %s", e.Kind, e.OverloadedStake, e.Errors)

	case SystemOverloadRetryAfter:
		return fmt.Sprintf("%s %s: overloaded stake %d: %s", e.Kind, e.RetryAfter, e.OverloadedStake, e.Errors)
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Errors)
}

// Is matches the sentinel of the kind.
func (e *ProcessTransactionError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// IsRetryable reports whether resubmitting the same transaction may succeed.
func (e *ProcessTransactionError) IsRetryable() bool {
	switch e.Kind {
	case SystemOverload, SystemOverloadRetryAfter, RetryableTransaction:
		return true
	}

	return false
}

// CertificateErrorKind classifies a failed ProcessCertificate.
type CertificateErrorKind uint8

const (
	// FatalExecuteCertificate means enough stake refused the certificate for good.
	FatalExecuteCertificate CertificateErrorKind = iota

	// RetryableExecuteCertificate means resubmitting the certificate may succeed.
	RetryableExecuteCertificate
)

// String returns the kind name.
func (k CertificateErrorKind) String() string {
	return k.sentinel().Error()
}

// sentinel returns the errors.Is target of k.
func (k CertificateErrorKind) sentinel() error {
	if k == FatalExecuteCertificate {
		return ErrFatalExecuteCertificate
	}

	return ErrRetryableExecuteCertificate
}

// ProcessCertificateError is returned when no effects quorum was formed.
type ProcessCertificateError struct {
	Kind   CertificateErrorKind // Kind classifies the failure
	Errors GroupedErrors        // Errors are the non-retryable errors when fatal, the retryable ones otherwise
}

// Error implements error.
func (e *ProcessCertificateError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Errors)
}

// Is matches the sentinel of the kind.
func (e *ProcessCertificateError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// QuorumOnceError is returned when no authority answered a QuorumOnce call.
type QuorumOnceError struct {
	Kind   quorum.OnceErrorKind // Kind classifies the failure
	Action string               // Action describes the request
	Errors GroupedErrors        // Errors holds the last error of each authority
}

// newQuorumOnceError converts a quorum.OnceError, weighing errors with weight.
func newQuorumOnceError(oe *quorum.OnceError, weight func(types.AuthorityName) types.StakeUnit) *QuorumOnceError {
	errs := make([]reported, 0, len(oe.Errors))
	for name, err := range oe.Errors {
		errs = append(errs, reported{
			err:         types.AsAuthorityError(err),
			authorities: []types.AuthorityName{name},
			stake:       weight(name),
		})
	}

	return &QuorumOnceError{Kind: oe.Kind, Action: oe.Action, Errors: groupErrors(errs)}
}

// Error implements error.
func (e *QuorumOnceError) Error() string {
	switch e.Kind {
	case quorum.OnceTimeout:
		return fmt.Sprintf("%s: %s", e.Action, ErrQuorumTimeout)
	case quorum.OnceNoAuthorities:
		return fmt.Sprintf("%s: %s", e.Action, ErrNoAuthorities)
	}

	return fmt.Sprintf("%s: %s: %s", e.Action, ErrTooManyIncorrectAuthorities, e.Errors)
}

// Is matches ErrQuorumTimeout, ErrTooManyIncorrectAuthorities or ErrNoAuthorities.
func (e *QuorumOnceError) Is(target error) bool {
	switch e.Kind {
	case quorum.OnceTimeout:
		return target == ErrQuorumTimeout
	case quorum.OnceNoAuthorities:
		return target == ErrNoAuthorities
	}

	return target == ErrTooManyIncorrectAuthorities
}
