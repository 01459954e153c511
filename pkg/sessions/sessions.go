// Copyright (C) 2019 The Dbrief Authors.
// See LICENSE for copying information.

// Package sessions tracks migration sessions: their lifecycle state, their
// metrics overrides, and the cancellation signal the transfer machinery
// checks between chunks.
package sessions

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var (
	// Error is the sessions error class.
	Error = errs.Class("sessions error")
)

// State is a session lifecycle state.
type State int

// Session lifecycle. Aborting is requested externally; Aborted and
// Finished are terminal.
const (
	Active State = iota
	Migrating
	Aborting
	Aborted
	Finished
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Migrating:
		return "migrating"
	case Aborting:
		return "aborting"
	case Aborted:
		return "aborted"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}

// Metrics are the per-session tuning knobs a caller may override.
type Metrics struct {
	ChunkSize       int   `json:"chunk-size"`
	StreamThreshold int64 `json:"stream-threshold"`
	MaxRetries      int   `json:"max-retries"`
	MaxConcurrent   int   `json:"max-concurrent"`
}

// Accepted ranges for metrics overrides.
const (
	MinChunkSize = 1024
	MaxChunkSize = 16 * 1024 * 1024

	MaxRetriesBound    = 10
	MaxConcurrentBound = 128
)

// Validate checks the overrides against their accepted ranges. Zero values
// mean "keep the default" and always pass.
func (m Metrics) Validate() error {
	if m.ChunkSize != 0 && (m.ChunkSize < MinChunkSize || m.ChunkSize > MaxChunkSize) {
		return Error.New("chunk-size %d outside [%d, %d]", m.ChunkSize, MinChunkSize, MaxChunkSize)
	}
	if m.StreamThreshold < 0 {
		return Error.New("stream-threshold %d is negative", m.StreamThreshold)
	}
	if m.MaxRetries < 0 || m.MaxRetries > MaxRetriesBound {
		return Error.New("max-retries %d outside [0, %d]", m.MaxRetries, MaxRetriesBound)
	}
	if m.MaxConcurrent < 0 || m.MaxConcurrent > MaxConcurrentBound {
		return Error.New("max-concurrent %d outside [0, %d]", m.MaxConcurrent, MaxConcurrentBound)
	}
	return nil
}

// merge fills zero fields from defaults.
func (m Metrics) merge(defaults Metrics) Metrics {
	if m.ChunkSize == 0 {
		m.ChunkSize = defaults.ChunkSize
	}
	if m.StreamThreshold == 0 {
		m.StreamThreshold = defaults.StreamThreshold
	}
	if m.MaxRetries == 0 {
		m.MaxRetries = defaults.MaxRetries
	}
	if m.MaxConcurrent == 0 {
		m.MaxConcurrent = defaults.MaxConcurrent
	}
	return m
}

// Session is one migration session.
type Session struct {
	registry *Registry

	id      string
	started time.Time

	mu      sync.Mutex
	state   State
	metrics Metrics
	ctx     context.Context
	cancel  context.CancelFunc
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Metrics returns the session's effective metrics.
func (s *Session) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}

// SetMetrics applies validated overrides on top of the current metrics.
func (s *Session) SetMetrics(overrides Metrics) error {
	if err := overrides.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Active {
		return Error.New("session %q is %s, metrics are frozen", s.id, s.state)
	}
	s.metrics = overrides.merge(s.metrics)
	return nil
}

// Context is cancelled when the session is aborted. The transfer machinery
// checks it before every chunk operation.
func (s *Session) Context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// begin moves Active -> Migrating.
func (s *Session) begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Active {
		return Error.New("session %q is %s, cannot start migrating", s.id, s.state)
	}
	s.state = Migrating
	return nil
}

// finish marks the terminal state once migration work stops.
func (s *Session) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Aborting:
		s.state = Aborted
	case Migrating:
		s.state = Finished
	}
}

// abort requests cancellation.
func (s *Session) abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Aborted, Finished:
		return Error.New("session %q already %s", s.id, s.state)
	case Active:
		s.state = Aborted
	default:
		s.state = Aborting
	}
	s.cancel()
	return nil
}

// Info is a point-in-time snapshot of a session for reporting.
type Info struct {
	ID      string    `json:"id"`
	State   string    `json:"state"`
	Started time.Time `json:"started"`
	Metrics Metrics   `json:"metrics"`
}

// Registry holds all known sessions.
type Registry struct {
	log      *zap.Logger
	defaults Metrics

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates a registry with the given metric defaults.
func NewRegistry(log *zap.Logger, defaults Metrics) *Registry {
	return &Registry{
		log:      log,
		defaults: defaults,
		sessions: map[string]*Session{},
	}
}

// Defaults returns the metrics applied to new sessions.
func (r *Registry) Defaults() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.defaults
}

// SetDefaults applies validated overrides onto the defaults for future
// sessions. Existing sessions keep their metrics.
func (r *Registry) SetDefaults(overrides Metrics) error {
	if err := overrides.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults = overrides.merge(r.defaults)
	r.log.Info("metric defaults updated",
		zap.Int("chunk-size", r.defaults.ChunkSize),
		zap.Int("max-retries", r.defaults.MaxRetries),
		zap.Int("max-concurrent", r.defaults.MaxConcurrent))
	return nil
}

// Create registers a new session under id.
func (r *Registry) Create(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; exists {
		return nil, Error.New("session %q already exists", id)
	}

	ctx, cancel := context.WithCancel(context.Background())
	session := &Session{
		registry: r,
		id:       id,
		started:  time.Now().UTC(),
		state:    Active,
		metrics:  r.defaults,
		ctx:      ctx,
		cancel:   cancel,
	}
	r.sessions[id] = session
	r.log.Info("session created", zap.String("session", id))
	return session, nil
}

// Get returns the session registered under id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[id]
	if !ok {
		return nil, Error.New("no session %q", id)
	}
	return session, nil
}

// Begin moves the session into Migrating and returns it.
func (r *Registry) Begin(id string) (*Session, error) {
	session, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	if err := session.begin(); err != nil {
		return nil, err
	}
	r.log.Info("session migrating", zap.String("session", id))
	return session, nil
}

// Finish marks the session's terminal state.
func (r *Registry) Finish(id string) {
	session, err := r.Get(id)
	if err != nil {
		return
	}
	session.finish()
	r.log.Info("session finished",
		zap.String("session", id),
		zap.Stringer("state", session.State()))
}

// Abort requests cancellation of the session's in-flight work.
func (r *Registry) Abort(id string) error {
	session, err := r.Get(id)
	if err != nil {
		return err
	}
	if err := session.abort(); err != nil {
		return err
	}
	r.log.Info("session abort requested", zap.String("session", id))
	return nil
}

// List snapshots every known session, sorted by id.
func (r *Registry) List() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]Info, 0, len(r.sessions))
	for _, session := range r.sessions {
		session.mu.Lock()
		infos = append(infos, Info{
			ID:      session.id,
			State:   session.state.String(),
			Started: session.started,
			Metrics: session.metrics,
		})
		session.mu.Unlock()
	}
	sort.Slice(infos, func(i, k int) bool { return infos[i].ID < infos[k].ID })
	return infos
}
