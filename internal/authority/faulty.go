package authority

import (
	"context"
	"sync"
	"time"

	"QuorumDriver/internal/types"
)

// Method names one Client method for fault injection.
type Method uint8

const (
	MethodTransaction Method = iota
	MethodCertificate
	MethodObjectInfo
	MethodSystemState
)

// Fault is what a FaultyClient does instead of, or before, forwarding a call.
type Fault struct {
	Delay time.Duration // Delay is waited before answering
	Hang  bool          // Hang blocks until the context ends
	Err   error         // Err is returned instead of forwarding
}

// FaultyClient wraps a client and injects errors, delays, hangs or
// rewritten responses per method. It drives failure scenarios in tests.
type FaultyClient struct {
	inner Client // inner answers calls that are not faulted

	mu        sync.Mutex                                      // mu protects the fields below
	faults    map[Method]Fault                                // faults are applied on each call
	rewriteTx func(*TransactionResponse) *TransactionResponse // rewriteTx alters transaction responses
	rewriteFx func(*CertificateResponse) *CertificateResponse // rewriteFx alters certificate responses
	calls     map[Method]int                                  // calls counts calls per method
}

// NewFaultyClient wraps inner. With no faults it behaves exactly like inner.
func NewFaultyClient(inner Client) *FaultyClient {
	return &FaultyClient{
		inner:  inner,
		faults: make(map[Method]Fault),
		calls:  make(map[Method]int),
	}
}

// Inject sets the fault applied to every call of m.
func (f *FaultyClient) Inject(m Method, fault Fault) {
	f.mu.Lock()
	f.faults[m] = fault
	f.mu.Unlock()
}

// Clear removes the fault of m.
func (f *FaultyClient) Clear(m Method) {
	f.mu.Lock()
	delete(f.faults, m)
	f.mu.Unlock()
}

// RewriteTransaction alters every successful transaction response with fn.
func (f *FaultyClient) RewriteTransaction(fn func(*TransactionResponse) *TransactionResponse) {
	f.mu.Lock()
	f.rewriteTx = fn
	f.mu.Unlock()
}

// RewriteCertificate alters every successful certificate response with fn.
func (f *FaultyClient) RewriteCertificate(fn func(*CertificateResponse) *CertificateResponse) {
	f.mu.Lock()
	f.rewriteFx = fn
	f.mu.Unlock()
}

// Calls returns how many times m was called.
func (f *FaultyClient) Calls(m Method) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls[m]
}

// apply records the call and plays the fault of m. A non-nil error ends the call.
func (f *FaultyClient) apply(ctx context.Context, m Method) error {
	f.mu.Lock()
	f.calls[m]++
	fault, ok := f.faults[m]
	f.mu.Unlock()

	if !ok {
		return nil
	}

	if fault.Hang {
		<-ctx.Done()
		return ctx.Err()
	}

	if fault.Delay > 0 {
		t := time.NewTimer(fault.Delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}

	return fault.Err
}

// HandleTransaction implements Client.
func (f *FaultyClient) HandleTransaction(ctx context.Context, tx *types.Transaction, clientAddr string) (*TransactionResponse, error) {
	if err := f.apply(ctx, MethodTransaction); err != nil {
		return nil, err
	}

	resp, err := f.inner.HandleTransaction(ctx, tx, clientAddr)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	rewrite := f.rewriteTx
	f.mu.Unlock()

	if rewrite != nil {
		resp = rewrite(resp)
	}

	return resp, nil
}

// HandleCertificate implements Client.
func (f *FaultyClient) HandleCertificate(ctx context.Context, req *CertificateRequest, clientAddr string) (*CertificateResponse, error) {
	if err := f.apply(ctx, MethodCertificate); err != nil {
		return nil, err
	}

	resp, err := f.inner.HandleCertificate(ctx, req, clientAddr)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	rewrite := f.rewriteFx
	f.mu.Unlock()

	if rewrite != nil {
		resp = rewrite(resp)
	}

	return resp, nil
}

// HandleObjectInfo implements Client.
func (f *FaultyClient) HandleObjectInfo(ctx context.Context, req *ObjectInfoRequest) (*ObjectInfoResponse, error) {
	if err := f.apply(ctx, MethodObjectInfo); err != nil {
		return nil, err
	}

	return f.inner.HandleObjectInfo(ctx, req)
}

// HandleSystemState implements Client.
func (f *FaultyClient) HandleSystemState(ctx context.Context) (*SystemState, error) {
	if err := f.apply(ctx, MethodSystemState); err != nil {
		return nil, err
	}

	return f.inner.HandleSystemState(ctx)
}
