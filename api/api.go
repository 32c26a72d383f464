// Package api serves a read-only HTTP view of the time-lock controller
// and the operation journal.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"

	"github.com/oasisprotocol/govkeeper/journal"
	"github.com/oasisprotocol/govkeeper/log"
	"github.com/oasisprotocol/govkeeper/metrics"
	"github.com/oasisprotocol/govkeeper/timelock"
)

const moduleName = "api"

// Registry is the read side of the time-lock registry.
type Registry interface {
	Address() ethCommon.Address
	MinDelay(ctx context.Context) (time.Duration, error)
	Status(ctx context.Context, id ethCommon.Hash) (timelock.State, error)
}

// Server holds the handlers of the API.
type Server struct {
	chainID  *big.Int
	registry Registry
	journal  journal.Journal
	metrics  metrics.RequestMetrics
	logger   *log.Logger
}

// NewServer creates a new API server.
func NewServer(chainID *big.Int, registry Registry, j journal.Journal, logger *log.Logger) *Server {
	return &Server{
		chainID:  chainID,
		registry: registry,
		journal:  j,
		metrics:  metrics.NewDefaultRequestMetrics(moduleName),
		logger:   logger.WithModule(moduleName),
	}
}

// Router returns the HTTP handler serving all API routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(MetricsMiddleware(s.metrics, s.logger))
	r.Use(CorsMiddleware)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.getStatus)
		r.Get("/operations", s.getOperations)
		r.Get("/operations/{id}", s.getOperation)
	})
	return r
}

// StatusResponse is the body of GET /v1/status.
type StatusResponse struct {
	ChainID         string            `json:"chain_id"`
	Timelock        ethCommon.Address `json:"timelock"`
	MinDelaySeconds uint64            `json:"min_delay_seconds"`
}

// OperationsResponse is the body of GET /v1/operations.
type OperationsResponse struct {
	Operations []*journal.Entry `json:"operations"`
	Total      int              `json:"total"`
}

// StateResponse is the live controller state of an operation.
type StateResponse struct {
	State   string     `json:"state"`
	ReadyAt *time.Time `json:"ready_at,omitempty"`
}

// OperationResponse is the body of GET /v1/operations/{id}. Entry is nil
// for operations scheduled outside this journal.
type OperationResponse struct {
	ID    ethCommon.Hash `json:"id"`
	Entry *journal.Entry `json:"entry"`
	Live  StateResponse  `json:"live"`
}

func newStateResponse(st timelock.State) StateResponse {
	resp := StateResponse{State: st.Kind.String()}
	if st.Kind == timelock.Pending || st.Kind == timelock.Ready {
		readyAt := st.ReadyAt.UTC()
		resp.ReadyAt = &readyAt
	}
	return resp
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	minDelay, err := s.registry.MinDelay(r.Context())
	if err != nil {
		s.fail(w, r, ErrUpstreamError{Err: err})
		return
	}
	s.respond(w, r, StatusResponse{
		ChainID:         s.chainID.String(),
		Timelock:        s.registry.Address(),
		MinDelaySeconds: uint64(minDelay / time.Second),
	})
}

func (s *Server) getOperations(w http.ResponseWriter, r *http.Request) {
	status := journal.Status(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		s.fail(w, r, fmt.Errorf("%w: unknown status '%s'", ErrBadRequest, status))
		return
	}
	p, err := NewPagination(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	entries, err := s.journal.List(r.Context(), status)
	if err != nil {
		s.fail(w, r, ErrStorageError{Err: err})
		return
	}
	start, end := p.Window(len(entries))
	page := entries[start:end]
	if page == nil {
		page = []*journal.Entry{}
	}
	s.respond(w, r, OperationsResponse{
		Operations: page,
		Total:      len(entries),
	})
}

func (s *Server) getOperation(w http.ResponseWriter, r *http.Request) {
	id, err := parseOperationID(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	entry, err := s.journal.Get(r.Context(), id)
	switch {
	case err == nil:
	case errors.Is(err, journal.ErrNotFound):
		entry = nil
	default:
		s.fail(w, r, ErrStorageError{Err: err})
		return
	}

	st, err := s.registry.Status(r.Context(), id)
	if err != nil {
		s.fail(w, r, ErrUpstreamError{Err: err})
		return
	}
	if entry == nil && st.Kind == timelock.Unset {
		s.fail(w, r, fmt.Errorf("%w: operation %s", ErrNotFound, id.Hex()))
		return
	}
	s.respond(w, r, OperationResponse{
		ID:    id,
		Entry: entry,
		Live:  newStateResponse(st),
	})
}

func parseOperationID(s string) (ethCommon.Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != ethCommon.HashLength {
		return ethCommon.Hash{}, fmt.Errorf("%w: malformed operation id '%s'", ErrBadRequest, s)
	}
	return ethCommon.BytesToHash(b), nil
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, body interface{}) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("failed to encode response",
			"path", r.URL.Path,
			"err", err,
		)
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	if code := HttpCodeForError(err); code >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"path", r.URL.Path,
			"err", err,
		)
	}
	HumanReadableJsonErrorHandler(w, r, err)
}
