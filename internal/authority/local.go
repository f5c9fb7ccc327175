package authority

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"QuorumDriver/internal/committee"
	"QuorumDriver/internal/crypto"
	"QuorumDriver/internal/logger"
	"QuorumDriver/internal/types"
)

// executed is the record of one executed certificate.
type executed struct {
	cert    *types.CertifiedTransaction // cert is the executed certificate
	effects *types.SignedEffects        // effects are signed by this authority
	events  *types.TransactionEvents    // events were emitted by execution
	inputs  []types.Object              // inputs are the consumed object versions
	outputs []types.Object              // outputs are the written object versions
}

// LocalAuthority is an in-process authority over owned objects.
//
// Signing a transaction locks every input object version for it; a second
// transaction over a locked version gets ObjectLockConflict. Executing a
// certificate bumps the version of every input and releases the old locks.
type LocalAuthority struct {
	name types.AuthorityName // name is the authority's public key
	key  *crypto.KeyPair     // key signs transactions and effects

	mu        sync.Mutex                                // mu protects every field below
	committee *committee.Committee                      // committee is the current epoch's committee
	objects   map[types.ObjectID]*types.Object          // objects holds the latest version of each object
	locks     map[types.ObjectRef]types.Digest          // locks maps a locked object version to its transaction
	signed    map[types.Digest]*types.SignedTransaction // signed caches this epoch's signatures
	executed  map[types.Digest]*executed                // executed records executed certificates
}

// NewLocalAuthority creates an authority holding the genesis objects.
func NewLocalAuthority(key *crypto.KeyPair, c *committee.Committee, genesis []types.Object) (*LocalAuthority, error) {
	name := types.AuthorityName(key.PublicKey())
	if !c.Contains(name) {
		return nil, fmt.Errorf("authority %s is not a member of epoch %d", name.Concise(), c.Epoch())
	}

	a := &LocalAuthority{
		name:      name,
		key:       key,
		committee: c,
		objects:   make(map[types.ObjectID]*types.Object, len(genesis)),
		locks:     make(map[types.ObjectRef]types.Digest),
		signed:    make(map[types.Digest]*types.SignedTransaction),
		executed:  make(map[types.Digest]*executed),
	}

	for i := range genesis {
		obj := genesis[i]
		a.objects[obj.ID] = &obj
	}

	return a, nil
}

// Name returns the authority name.
func (a *LocalAuthority) Name() types.AuthorityName {
	return a.name
}

// Reconfigure moves the authority to the epoch of c. Signatures and locks
// of the previous epoch are dropped; executed certificates are kept.
func (a *LocalAuthority) Reconfigure(c *committee.Committee) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if c.Epoch() <= a.committee.Epoch() {
		return fmt.Errorf("epoch %d is not after current epoch %d", c.Epoch(), a.committee.Epoch())
	}

	if !c.Contains(a.name) {
		return fmt.Errorf("authority %s is not a member of epoch %d", a.name.Concise(), c.Epoch())
	}

	a.committee = c
	a.locks = make(map[types.ObjectRef]types.Digest)
	a.signed = make(map[types.Digest]*types.SignedTransaction)

	logger.Info("authority reconfigured", "name", a.name.Concise(), "epoch", c.Epoch())

	return nil
}

// HandleTransaction signs tx after locking its inputs, or reports that it
// was already executed.
func (a *LocalAuthority) HandleTransaction(_ context.Context, tx *types.Transaction, clientAddr string) (*TransactionResponse, error) {
	if len(tx.Data.Inputs) == 0 {
		return nil, types.NewError(types.CodeUserInput, "transaction has no inputs")
	}

	if err := tx.VerifyUserSignature(); err != nil {
		return nil, err
	}

	digest := tx.Digest()

	a.mu.Lock()
	defer a.mu.Unlock()

	if ex, ok := a.executed[digest]; ok {
		if !slices.Equal(ex.cert.Data.UserSignature, tx.UserSignature) {
			return nil, types.NewError(types.CodeTxAlreadyFinalizedWithDifferentUserSigs,
				"%s was executed with different user signatures", digest.Short())
		}

		return a.executedResponse(ex), nil
	}

	if s, ok := a.signed[digest]; ok {
		return &TransactionResponse{Status: StatusSigned, Signed: s}, nil
	}

	if err := a.checkInputs(tx); err != nil {
		return nil, err
	}

	for _, ref := range tx.Data.Inputs {
		a.locks[ref] = digest
	}

	s := &types.SignedTransaction{Data: tx, Auth: types.Sign(a.key, tx, a.committee.Epoch())}
	a.signed[digest] = s

	logger.Debug("signed transaction",
		"name", a.name.Concise(),
		"tx", digest.Short(),
		"client", clientAddr,
	)

	return &TransactionResponse{Status: StatusSigned, Signed: s}, nil
}

// checkInputs verifies that every input is the current version, owned by
// the sender and unlocked or locked by tx itself.
func (a *LocalAuthority) checkInputs(tx *types.Transaction) error {
	digest := tx.Digest()
	seen := make(map[types.ObjectID]struct{}, len(tx.Data.Inputs))

	for _, ref := range tx.Data.Inputs {
		if _, dup := seen[ref.ID]; dup {
			return types.NewError(types.CodeUserInput, "object %s is used twice", ref.ID)
		}
		seen[ref.ID] = struct{}{}

		obj, ok := a.objects[ref.ID]
		if !ok || obj.Version < ref.Version {
			return &types.AuthorityError{
				Code:      types.CodeObjectNotFound,
				Message:   fmt.Sprintf("object %s version %d not found", ref.ID, ref.Version),
				ObjectRef: ref,
			}
		}

		if obj.Version > ref.Version || obj.Digest() != ref.Digest {
			return &types.AuthorityError{
				Code:      types.CodeUserInput,
				Message:   fmt.Sprintf("object %s version %d is not available for consumption", ref.ID, ref.Version),
				ObjectRef: ref,
			}
		}

		if obj.Owner != tx.Data.Sender {
			return &types.AuthorityError{
				Code:      types.CodeUserInput,
				Message:   fmt.Sprintf("object %s is not owned by the sender", ref.ID),
				ObjectRef: ref,
			}
		}

		if holder, locked := a.locks[ref]; locked && holder != digest {
			return types.LockConflict(ref, holder)
		}
	}

	return nil
}

// executedResponse reports a past execution. A certificate is only
// returned when it belongs to the current epoch or later.
func (a *LocalAuthority) executedResponse(ex *executed) *TransactionResponse {
	if ex.cert.Epoch() >= a.committee.Epoch() {
		return &TransactionResponse{
			Status:      StatusExecutedWithCert,
			Certificate: ex.cert,
			Effects:     ex.effects,
			Events:      ex.events,
		}
	}

	return &TransactionResponse{Status: StatusExecutedWithoutCert, Effects: a.currentEffects(ex), Events: ex.events}
}

// currentEffects returns the effects of ex signed in the current epoch.
// Effects of earlier epochs are signed again so they can be aggregated
// against the current committee.
func (a *LocalAuthority) currentEffects(ex *executed) *types.SignedEffects {
	if ex.effects.Auth.Epoch == a.committee.Epoch() {
		return ex.effects
	}

	return &types.SignedEffects{Data: ex.effects.Data, Auth: types.Sign(a.key, ex.effects.Data, a.committee.Epoch())}
}

// HandleCertificate verifies and executes a certificate, returning this
// authority's signed effects.
func (a *LocalAuthority) HandleCertificate(_ context.Context, req *CertificateRequest, clientAddr string) (*CertificateResponse, error) {
	cert := req.Certificate
	digest := cert.Digest()

	a.mu.Lock()
	defer a.mu.Unlock()

	if ex, ok := a.executed[digest]; ok {
		return a.certificateResponse(req, ex), nil
	}

	if cert.Epoch() != a.committee.Epoch() {
		return nil, types.WrongEpoch(a.committee.Epoch(), cert.Epoch())
	}

	if err := committee.VerifyCertificate(a.committee, cert); err != nil {
		return nil, err
	}

	ex, err := a.execute(cert)
	if err != nil {
		return nil, err
	}
	a.executed[digest] = ex

	logger.Debug("executed certificate",
		"name", a.name.Concise(),
		"tx", digest.Short(),
		"effects", ex.effects.Digest().Short(),
		"client", clientAddr,
	)

	return a.certificateResponse(req, ex), nil
}

// execute applies cert. Every input gets a new version owned by the
// sender whose contents are the transaction payload.
func (a *LocalAuthority) execute(cert *types.CertifiedTransaction) (*executed, error) {
	tx := cert.Data
	digest := tx.Digest()

	ex := &executed{cert: cert}

	for _, ref := range tx.Data.Inputs {
		obj, ok := a.objects[ref.ID]
		if !ok || obj.Version != ref.Version || obj.Digest() != ref.Digest {
			return nil, &types.AuthorityError{
				Code:      types.CodeObjectNotFound,
				Message:   fmt.Sprintf("input %s version %d is not current", ref.ID, ref.Version),
				ObjectRef: ref,
			}
		}

		ex.inputs = append(ex.inputs, *obj)
		ex.outputs = append(ex.outputs, types.Object{
			ID:       obj.ID,
			Version:  obj.Version + 1,
			Owner:    tx.Data.Sender,
			Contents: append([]byte(nil), tx.Data.Payload...),
		})
	}

	ex.events = &types.TransactionEvents{Events: []types.Event{{Type: "executed", Payload: digest[:]}}}

	fx := &types.TransactionEffects{
		TransactionDigest: digest,
		ExecutedEpoch:     a.committee.Epoch(),
		Status:            types.StatusSuccess,
		EventsDigest:      ex.events.Digest(),
	}

	for i := range ex.outputs {
		out := ex.outputs[i]
		fx.Mutated = append(fx.Mutated, out.Ref())
		a.objects[out.ID] = &out
		delete(a.locks, tx.Data.Inputs[i])
	}

	ex.effects = &types.SignedEffects{Data: fx, Auth: types.Sign(a.key, fx, a.committee.Epoch())}

	return ex, nil
}

// certificateResponse returns the effects plus the requested extended data.
func (a *LocalAuthority) certificateResponse(req *CertificateRequest, ex *executed) *CertificateResponse {
	resp := &CertificateResponse{Effects: a.currentEffects(ex)}

	if req.IncludeEvents {
		resp.Events = ex.events
	}
	if req.IncludeInputObjects {
		resp.InputObjects = slices.Clone(ex.inputs)
	}
	if req.IncludeOutputObjects {
		resp.OutputObjects = slices.Clone(ex.outputs)
	}
	if req.IncludeAuxiliaryData {
		resp.AuxiliaryData = []byte("executed-by:" + a.name.Concise())
	}

	return resp
}

// HandleObjectInfo returns the latest version of an object and its lock.
func (a *LocalAuthority) HandleObjectInfo(_ context.Context, req *ObjectInfoRequest) (*ObjectInfoResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	obj, ok := a.objects[req.ID]
	if !ok {
		return nil, types.NewError(types.CodeObjectNotFound, "object %s not found", req.ID)
	}

	resp := &ObjectInfoResponse{Object: *obj}
	if holder, locked := a.locks[obj.Ref()]; locked {
		resp.LockedBy = &holder
	}

	return resp, nil
}

// HandleSystemState returns the current epoch and committee.
func (a *LocalAuthority) HandleSystemState(context.Context) (*SystemState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return &SystemState{Epoch: a.committee.Epoch(), Committee: a.committee}, nil
}
