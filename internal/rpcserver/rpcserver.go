// Package rpcserver exposes three of the four invocation surfaces (sync
// pipeline, validate fk, search) over HTTP using gorilla/mux; `sync schema`
// has no route and is available from the CLI only. It serves
// deployments that drive this module as a service rather than a one-shot
// CLI invocation (spec §6's "External Interfaces" are command-shaped; this
// is the optional network-reachable mirror of the same operations).
package rpcserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/cascadeql/sync-engine/internal/cascade"
	"github.com/cascadeql/sync-engine/internal/cqerrors"
	"github.com/cascadeql/sync-engine/internal/metrics"
	"github.com/cascadeql/sync-engine/internal/query"
	"github.com/cascadeql/sync-engine/internal/validator"
)

// Server hosts the RPC surface.
type Server struct {
	router *mux.Router
	coord  *cascade.Coordinator
	val    *validator.Validator
	qe     *query.Engine
	log    *logrus.Entry
}

// New builds a Server with all routes registered.
func New(coord *cascade.Coordinator, val *validator.Validator, qe *query.Engine, log *logrus.Entry) *Server {
	s := &Server{router: mux.NewRouter(), coord: coord, val: val, qe: qe, log: log}
	s.routes()
	return s
}

// Handler returns the root http.Handler for this server.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/sync/{model}", s.handleSync).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/validate/{model}", s.handleValidate).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/query/{model}", s.handleQuery).Methods(http.MethodPost)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type syncRequest struct {
	Type      string  `json:"type"` // full | incremental
	RecordIDs []int64 `json:"record_ids,omitempty"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	model := mux.Vars(r)["model"]
	var body syncRequest
	_ = json.NewDecoder(r.Body).Decode(&body)
	syncType := cascade.SyncIncremental
	if body.Type == string(cascade.SyncFull) {
		syncType = cascade.SyncFull
	}

	result, err := s.coord.SyncModel(r.Context(), model, syncType, body.RecordIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type validateRequest struct {
	Fix             bool `json:"fix"`
	StoreOrphans    bool `json:"store_orphans"`
	Bidirectional   bool `json:"bidirectional"`
	ExtractPatterns bool `json:"extract_patterns"`
	TrackHistory    bool `json:"track_history"`
	AutoSync        bool `json:"auto_sync"`
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	model := mux.Vars(r)["model"]
	var body validateRequest
	_ = json.NewDecoder(r.Body).Decode(&body)

	report, err := s.val.ValidateModel(r.Context(), model, validator.Options{
		Fix:             body.Fix,
		StoreOrphans:    body.StoreOrphans,
		Bidirectional:   body.Bidirectional,
		ExtractPatterns: body.ExtractPatterns,
		TrackHistory:    body.TrackHistory,
		AutoSync:        body.AutoSync,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	model := mux.Vars(r)["model"]
	var req query.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, cqerrors.ValidationError([]string{"malformed request body"}))
		return
	}
	req.Model = model

	resp, err := s.qe.Run(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if ce, ok := cqerrors.As(err); ok {
		switch ce.ExitCode() {
		case cqerrors.ExitValidationFail:
			status = http.StatusBadRequest
		case cqerrors.ExitUpstreamOrCircuit:
			status = http.StatusBadGateway
		}
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
