package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"QuorumDriver/internal/aggregator"
	"QuorumDriver/internal/authority"
	"QuorumDriver/internal/committee"
	"QuorumDriver/internal/logger"
	"QuorumDriver/internal/types"
)

const (
	// maxTxSize is the maximum transaction size in bytes.
	maxTxSize = 1 << 20 // 1 MB
)

// Executor runs transactions through the committee.
type Executor interface {
	ExecuteTransactionBlock(ctx context.Context, tx *types.Transaction, clientAddr string) (*types.CertifiedEffects, error)
	GetObjectInfo(ctx context.Context, id types.ObjectID) (*authority.ObjectInfoResponse, error)
	Committee() *committee.Committee
}

// Server is the HTTP gateway of the driver.
type Server struct {
	addr     string              // addr is the HTTP listen address
	executor Executor            // executor certifies and executes transactions
	gatherer prometheus.Gatherer // gatherer serves /metrics, disabled when nil
	server   *http.Server        // server is the underlying HTTP server
}

// New creates a new HTTP gateway.
func New(addr string, executor Executor, gatherer prometheus.Gatherer) *Server {
	return &Server{
		addr:     addr,
		executor: executor,
		gatherer: gatherer,
	}
}

// Handler returns the routes of the gateway.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /tx", s.handleExecuteTx)
	mux.HandleFunc("GET /object/{id}", s.handleObject)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)

	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	return mux
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 2 * time.Minute, // a transaction may wait for a full pre quorum timeout
	}

	go func() {
		logger.Info("http api started", "addr", s.addr)

		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// handleExecuteTx handles POST /tx requests carrying an encoded transaction.
func (s *Server) handleExecuteTx(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxTxSize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "empty transaction")
		return
	}

	tx, err := decodeTx(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid transaction: %v", err))
		return
	}

	digest := tx.Digest()

	fx, err := s.executor.ExecuteTransactionBlock(r.Context(), tx, r.RemoteAddr)
	if err != nil {
		status := errorStatus(err)

		var pe *aggregator.ProcessTransactionError
		if errors.As(err, &pe) && pe.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(pe.RetryAfter)))
		}

		logger.Debug("tx failed", "tx", digest.Short(), "status", status, "error", err)
		writeError(w, status, err.Error())

		return
	}

	logger.Debug("tx executed", "tx", digest.Short(), "effects", fx.Digest().Short())

	writeJSON(w, http.StatusOK, effectsResponse(fx))
}

// handleObject handles GET /object/{id} requests.
func (s *Server) handleObject(w http.ResponseWriter, r *http.Request) {
	id, err := types.ParseObjectID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	info, err := s.executor.GetObjectInfo(r.Context(), id)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}

	resp := map[string]any{
		"id":      info.Object.ID.String(),
		"version": info.Object.Version,
		"digest":  info.Object.Digest().String(),
	}

	if info.LockedBy != nil {
		resp["lockedBy"] = info.LockedBy.String()
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleStatus handles GET /status requests.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	c := s.executor.Committee()

	writeJSON(w, http.StatusOK, map[string]any{
		"epoch":       c.Epoch(),
		"authorities": c.Size(),
		"totalStake":  c.TotalVotes(),
		"quorum":      c.QuorumThreshold(),
		"validity":    c.ValidityThreshold(),
	})
}

// decodeTx parses an encoded transaction and checks its user signature.
func decodeTx(data []byte) (*types.Transaction, error) {
	d := types.NewDecoder(data)
	tx := d.Transaction()

	if err := d.Finish(); err != nil {
		return nil, err
	}

	if len(tx.Data.Inputs) == 0 {
		return nil, fmt.Errorf("no inputs")
	}

	if err := tx.VerifyUserSignature(); err != nil {
		return nil, err
	}

	return tx, nil
}

// effectsResponse renders certified effects.
func effectsResponse(fx *types.CertifiedEffects) map[string]any {
	mutated := make([]map[string]any, len(fx.Data.Mutated))
	for i, ref := range fx.Data.Mutated {
		mutated[i] = map[string]any{
			"id":      ref.ID.String(),
			"version": ref.Version,
			"digest":  ref.Digest.String(),
		}
	}

	return map[string]any{
		"transaction": fx.Data.TransactionDigest.String(),
		"effects":     fx.Digest().String(),
		"epoch":       fx.Auth.Epoch,
		"success":     fx.Data.Status == types.StatusSuccess,
		"mutated":     mutated,
	}
}

// retryAfterSeconds rounds d up to whole seconds, never below one.
func retryAfterSeconds(d time.Duration) int {
	return max(1, int((d+time.Second-1)/time.Second))
}

// errorStatus maps an aggregator error to an HTTP status.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, aggregator.ErrQuorumTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, aggregator.ErrFatalConflictingTransaction):
		return http.StatusConflict
	case errors.Is(err, aggregator.ErrFatalTransaction),
		errors.Is(err, aggregator.ErrTxAlreadyFinalizedDifferentSigs),
		errors.Is(err, aggregator.ErrFatalExecuteCertificate):
		return http.StatusUnprocessableEntity
	case errors.Is(err, aggregator.ErrSystemOverload), errors.Is(err, aggregator.ErrSystemOverloadRetryAfter):
		return http.StatusTooManyRequests
	case errors.Is(err, aggregator.ErrRetryableTransaction),
		errors.Is(err, aggregator.ErrRetryableExecuteCertificate),
		errors.Is(err, aggregator.ErrNoAuthorities):
		return http.StatusServiceUnavailable
	case errors.Is(err, aggregator.ErrTooManyIncorrectAuthorities):
		if notFound(err) {
			return http.StatusNotFound
		}
		return http.StatusBadGateway
	}

	return http.StatusInternalServerError
}

// notFound reports a quorum once failure where every authority missed the object.
func notFound(err error) bool {
	var qe *aggregator.QuorumOnceError
	if !errors.As(err, &qe) || len(qe.Errors) == 0 {
		return false
	}

	for _, g := range qe.Errors {
		if !g.Err.IsObjectOrPackageNotFound() {
			return false
		}
	}

	return true
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
