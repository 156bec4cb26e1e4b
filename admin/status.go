// Package admin exposes a read-only HTTP status surface for a running
// capture pipeline: lifecycle state, current position, and a catalog
// snapshot. Everything served here is a copy; the pipeline's live state is
// never reachable through this package.
package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/binwatch/binwatch/capture"
	"github.com/binwatch/binwatch/cfg"
	"github.com/binwatch/binwatch/schema"
	"github.com/binwatch/binwatch/telemetry"
)

// Server serves the admin endpoints for one pipeline.
type Server struct {
	pipeline *capture.Pipeline
	httpSrv  *http.Server
}

// NewServer builds the admin server around a pipeline.
func NewServer(pipeline *capture.Pipeline) *Server {
	return &Server{pipeline: pipeline}
}

// Start begins serving in the background.
func (s *Server) Start() {
	r := chi.NewRouter()

	r.Get("/status", s.handleStatus)
	r.Get("/position", s.handlePosition)
	r.Get("/catalog", s.handleCatalog)
	r.Get("/catalog/{schema}/{table}", s.handleTable)

	if metricsHandler := telemetry.GetMetricsHandler(); metricsHandler != nil {
		r.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Config.Admin.Address, cfg.Config.Admin.Port)
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Admin endpoints enabled")
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Admin server failed")
		}
	}()
}

// Stop shuts the server down.
func (s *Server) Stop() {
	if s.httpSrv != nil {
		s.httpSrv.Close()
	}
}

type statusResponse struct {
	State    string `json:"state"`
	Position string `json:"position"`
	Tables   int    `json:"tables"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, statusResponse{
		State:    s.pipeline.State().String(),
		Position: s.pipeline.Position().String(),
		Tables:   s.pipeline.CatalogSnapshot().Len(),
	})
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	pos := s.pipeline.Position()
	writeJSON(w, map[string]any{
		"file": pos.File,
		"pos":  pos.Offset,
		"row":  pos.Row,
	})
}

type tableResponse struct {
	Table      string   `json:"table"`
	Columns    []string `json:"columns"`
	PrimaryKey []string `json:"primary_key"`
	Rev        uint64   `json:"rev"`
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	catalog := s.pipeline.CatalogSnapshot()
	tables := make([]tableResponse, 0, catalog.Len())
	for _, tbl := range catalog.Tables() {
		tables = append(tables, tableResponse{
			Table:      tbl.Id.String(),
			Columns:    tbl.ColumnNames(),
			PrimaryKey: tbl.PrimaryKey,
			Rev:        tbl.Fingerprint(),
		})
	}
	writeJSON(w, tables)
}

func (s *Server) handleTable(w http.ResponseWriter, r *http.Request) {
	id := schema.NewTableId(chi.URLParam(r, "schema"), chi.URLParam(r, "table"))
	tbl := s.pipeline.CatalogSnapshot().Table(id)
	if tbl == nil {
		http.Error(w, "table not found", http.StatusNotFound)
		return
	}
	writeJSON(w, tableResponse{
		Table:      tbl.Id.String(),
		Columns:    tbl.ColumnNames(),
		PrimaryKey: tbl.PrimaryKey,
		Rev:        tbl.Fingerprint(),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Failed to encode admin response")
	}
}
