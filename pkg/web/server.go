// Copyright (C) 2019 The Dbrief Authors.
// See LICENSE for copying information.

// Package web exposes the migration service over HTTP: starting and
// aborting migrations, inspecting sessions, and reading the transfer
// journal.
package web

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/TheWiseCoder/dbrief/pkg/engine"
	"github.com/TheWiseCoder/dbrief/pkg/journal"
	"github.com/TheWiseCoder/dbrief/pkg/sessions"
	"github.com/TheWiseCoder/dbrief/pkg/transfer"
)

var (
	mon = monkit.Package()

	// Error is the web server error class.
	Error = errs.Class("web error")
)

// Config holds the HTTP server settings.
type Config struct {
	Address string
}

// Server is the HTTP surface over the transfer machinery.
type Server struct {
	log         *zap.Logger
	config      Config
	coordinator *transfer.Coordinator
	sessions    *sessions.Registry
	records     *journal.Journal

	handler http.Handler
}

// NewServer wires the HTTP routes. records may be nil when no journal is
// configured.
func NewServer(log *zap.Logger, config Config, coordinator *transfer.Coordinator, registry *sessions.Registry, records *journal.Journal) *Server {
	server := &Server{
		log:         log,
		config:      config,
		coordinator: coordinator,
		sessions:    registry,
		records:     records,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", server.handleHealth)
	mux.HandleFunc("/migrate", server.handleMigrate)
	mux.HandleFunc("/migrate/", server.handleMigrateSession)
	mux.HandleFunc("/migrations", server.handleMigrations)
	mux.HandleFunc("/migrations/", server.handleMigrations)
	mux.HandleFunc("/migration/metrics", server.handleMetrics)
	mux.HandleFunc("/sessions", server.handleSessions)
	server.handler = mux

	return server
}

// Handler returns the route table, mostly for tests.
func (s *Server) Handler() http.Handler { return s.handler }

// Run serves HTTP until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return Error.Wrap(err)
	}
	s.log.Info("http server started", zap.String("address", listener.Addr().String()))

	httpServer := &http.Server{Handler: s.handler}

	var group errgroup.Group
	group.Go(func() error {
		<-ctx.Done()
		return Error.Wrap(httpServer.Shutdown(context.Background()))
	})
	group.Go(func() error {
		err := httpServer.Serve(listener)
		if err == http.ErrServerClosed {
			return nil
		}
		return Error.Wrap(err)
	})
	return group.Wait()
}

// locationSpec is the wire shape of an object location.
type locationSpec struct {
	Engine string                 `json:"engine"`
	Schema string                 `json:"schema"`
	Table  string                 `json:"table"`
	Column string                 `json:"column"`
	Key    map[string]interface{} `json:"key"`

	// object-store targets only
	ObjectName string            `json:"object-name,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (spec locationSpec) location() engine.Location {
	return engine.Location{
		Schema: spec.Schema,
		Table:  spec.Table,
		Column: spec.Column,
		Key:    engine.Key(spec.Key),
	}
}

type migrateObject struct {
	Source locationSpec `json:"source"`
	Target locationSpec `json:"target"`
}

// migrateTable names a whole large-object column to migrate: every row with
// a non-NULL value becomes one object transfer, addressed by key-columns.
// An empty target-engine diverts the objects to the configured object store.
type migrateTable struct {
	SourceEngine string   `json:"source-engine"`
	TargetEngine string   `json:"target-engine"`
	Schema       string   `json:"schema"`
	TargetSchema string   `json:"target-schema,omitempty"`
	Table        string   `json:"table"`
	Column       string   `json:"column"`
	KeyColumns   []string `json:"key-columns"`
	Limit        int      `json:"limit,omitempty"`
	Offset       int      `json:"offset,omitempty"`
}

type migrateRequest struct {
	Session string            `json:"session"`
	Metrics *sessions.Metrics `json:"metrics,omitempty"`
	Objects []migrateObject   `json:"objects,omitempty"`
	Tables  []migrateTable    `json:"tables,omitempty"`
}

type transferStatus struct {
	Source    string `json:"source"`
	Target    string `json:"target"`
	State     string `json:"state"`
	Bytes     int64  `json:"bytes"`
	Offset    int64  `json:"offset,omitempty"`
	Attempts  int    `json:"attempts"`
	ErrorKind string `json:"error-kind,omitempty"`
	Error     string `json:"error,omitempty"`
}

type migrateResponse struct {
	Session string           `json:"session"`
	State   string           `json:"state"`
	Results []transferStatus `json:"results"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleMigrate runs a batch of object transfers under one session. The
// whole batch shares the session's cancellation signal; individual
// transfer failures do not stop the rest of the batch.
func (s *Server) handleMigrate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, Error.New("use POST"))
		return
	}

	var req migrateRequest
	if err = json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, Error.Wrap(err))
		return
	}
	if req.Session == "" || (len(req.Objects) == 0 && len(req.Tables) == 0) {
		httpError(w, http.StatusBadRequest, Error.New("session and objects or tables are required"))
		return
	}

	session, err := s.sessions.Create(req.Session)
	if err != nil {
		httpError(w, http.StatusConflict, err)
		return
	}
	if req.Metrics != nil {
		if err = session.SetMetrics(*req.Metrics); err != nil {
			httpError(w, http.StatusBadRequest, err)
			return
		}
	}
	if _, err = s.sessions.Begin(req.Session); err != nil {
		httpError(w, http.StatusConflict, err)
		return
	}
	defer s.sessions.Finish(req.Session)

	metrics := session.Metrics()
	config := &transfer.Config{
		ChunkSize:       metrics.ChunkSize,
		StreamThreshold: metrics.StreamThreshold,
		MaxRetries:      metrics.MaxRetries,
	}

	// the session's max-concurrent bounds this batch on top of the
	// coordinator's global pool; zero leaves the batch unbounded
	var sem chan struct{}
	if metrics.MaxConcurrent > 0 {
		sem = make(chan struct{}, metrics.MaxConcurrent)
	}

	objects, err := s.expandTables(session.Context(), req)
	if err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}

	results := make([]transferStatus, len(objects))
	var group errgroup.Group
	var mu sync.Mutex

	for i, object := range objects {
		i, object := i, object
		group.Go(func() error {
			if sem != nil {
				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				case <-session.Context().Done():
				}
			}
			treq := transfer.Request{
				Session: req.Session,
				Source: transfer.ObjectHandle{
					Engine:   object.Source.Engine,
					Location: object.Source.location(),
					Length:   engine.LengthUnknown,
				},
				Target: transfer.TargetSpec{
					Engine:     object.Target.Engine,
					Location:   object.Target.location(),
					ObjectName: object.Target.ObjectName,
					Metadata:   object.Target.Metadata,
				},
				Config: config,
			}
			result := s.coordinator.Transfer(session.Context(), treq)

			status := transferStatus{
				Source:   treq.Source.String(),
				Target:   treq.Target.String(),
				State:    result.State.String(),
				Bytes:    result.Bytes,
				Offset:   result.Offset,
				Attempts: result.Attempts,
			}
			if result.Err != nil {
				status.ErrorKind = result.Kind.String()
				status.Error = result.Err.Error()
			}
			mu.Lock()
			results[i] = status
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()

	state := transfer.Committed.String()
	for _, status := range results {
		if status.State != transfer.Committed.String() {
			state = transfer.Failed.String()
			break
		}
	}
	writeJSON(w, http.StatusOK, migrateResponse{
		Session: req.Session,
		State:   state,
		Results: results,
	})
}

// expandTables resolves table entries into per-object transfers: one per
// row with a non-NULL large-object value, appended after the explicitly
// listed objects.
func (s *Server) expandTables(ctx context.Context, req migrateRequest) ([]migrateObject, error) {
	objects := req.Objects
	for _, table := range req.Tables {
		handles, err := s.coordinator.ListSources(ctx,
			table.SourceEngine, table.Schema, table.Table, table.Column,
			table.KeyColumns, table.Limit, table.Offset)
		if err != nil {
			return nil, err
		}

		targetSchema := table.TargetSchema
		if targetSchema == "" {
			targetSchema = table.Schema
		}
		for _, handle := range handles {
			objects = append(objects, migrateObject{
				Source: locationSpec{
					Engine: handle.Engine,
					Schema: handle.Location.Schema,
					Table:  handle.Location.Table,
					Column: handle.Location.Column,
					Key:    handle.Location.Key,
				},
				Target: locationSpec{
					Engine: table.TargetEngine,
					Schema: targetSchema,
					Table:  handle.Location.Table,
					Column: handle.Location.Column,
					Key:    handle.Location.Key,
				},
			})
		}
	}
	return objects, nil
}

// handleMetrics reads or updates the metric defaults applied to new
// sessions: GET|PATCH /migration/metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.sessions.Defaults())
	case http.MethodPatch:
		var overrides sessions.Metrics
		if err := json.NewDecoder(r.Body).Decode(&overrides); err != nil {
			httpError(w, http.StatusBadRequest, Error.Wrap(err))
			return
		}
		if err := s.sessions.SetDefaults(overrides); err != nil {
			httpError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, s.sessions.Defaults())
	default:
		httpError(w, http.StatusMethodNotAllowed, Error.New("use GET or PATCH"))
	}
}

// handleMigrateSession aborts an in-flight migration: DELETE /migrate/{id}.
func (s *Server) handleMigrateSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		httpError(w, http.StatusMethodNotAllowed, Error.New("use DELETE"))
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/migrate/")
	if id == "" {
		httpError(w, http.StatusBadRequest, Error.New("session id is required"))
		return
	}
	if err := s.sessions.Abort(id); err != nil {
		httpError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"session": id, "state": "aborting"})
}

// handleMigrations reports journal records: GET /migrations for everything,
// GET /migrations/{session} or ?session=id for one session.
func (s *Server) handleMigrations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpError(w, http.StatusMethodNotAllowed, Error.New("use GET"))
		return
	}
	if s.records == nil {
		httpError(w, http.StatusNotImplemented, Error.New("no journal configured"))
		return
	}
	session := strings.TrimPrefix(r.URL.Path, "/migrations")
	session = strings.TrimPrefix(session, "/")
	if session == "" {
		session = r.URL.Query().Get("session")
	}
	records, err := s.records.List(session)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	if records == nil {
		records = []journal.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpError(w, http.StatusMethodNotAllowed, Error.New("use GET"))
		return
	}
	writeJSON(w, http.StatusOK, s.sessions.List())
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func httpError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
