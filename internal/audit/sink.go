package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"crewdesk.io/internal/ids"
	"crewdesk.io/internal/obs"
)

// Event is a single security-relevant occurrence: login, logout,
// lockout, token reuse, permission change.
type Event struct {
	Name        string
	PrincipalID string
	TenantID    string
	IP          string
	Fields      map[string]any
}

type envelope struct {
	event      Event
	requestID  string
	occurredAt time.Time
}

// Appender persists audit entries. Persistence is optional; the sink
// always writes the JSON log line regardless.
type Appender interface {
	Append(ctx context.Context, e Event, requestID string, occurredAt time.Time) error
}

// Sink delivers audit events asynchronously. Emit never blocks the
// request path: when the buffer is full the event is counted as
// dropped and only the log line is written.
type Sink struct {
	ch       chan envelope
	appender Appender
	now      func() time.Time

	dropped atomic.Int64
	wg      sync.WaitGroup

	// mu orders Emit sends against Close: a send may not start after
	// the channel is closed.
	mu     sync.RWMutex
	closed bool
}

// SinkOption configures a Sink.
type SinkOption func(*Sink)

// WithAppender adds a persistent appender behind the sink.
func WithAppender(a Appender) SinkOption {
	return func(s *Sink) { s.appender = a }
}

// WithClock overrides the time source (tests).
func WithClock(fn func() time.Time) SinkOption {
	return func(s *Sink) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewSink starts the background dispatcher.
func NewSink(buffer int, opts ...SinkOption) *Sink {
	if buffer <= 0 {
		buffer = 256
	}
	s := &Sink{
		ch:  make(chan envelope, buffer),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.wg.Add(1)
	go s.dispatch()
	return s
}

// Emit queues an event for delivery. Actor attribution missing from
// the event is filled from context when present.
func (s *Sink) Emit(ctx context.Context, e Event) {
	if s == nil || strings.TrimSpace(e.Name) == "" {
		return
	}
	if e.PrincipalID == "" {
		if actor, ok := actorFromContext(ctx); ok {
			e.PrincipalID = actor.principalID
			if e.TenantID == "" {
				e.TenantID = actor.tenantID
			}
		}
	}
	env := envelope{
		event:      e,
		requestID:  requestIDFromContext(ctx),
		occurredAt: s.now().UTC(),
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- env:
	default:
		s.dropped.Add(1)
		s.logLine(env)
	}
}

// Dropped reports how many events missed the persistent appender.
func (s *Sink) Dropped() int64 {
	return s.dropped.Load()
}

// Close drains pending events and stops the dispatcher.
func (s *Sink) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Sink) dispatch() {
	defer s.wg.Done()
	for env := range s.ch {
		s.logLine(env)
		if s.appender == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.appender.Append(ctx, env.event, env.requestID, env.occurredAt); err != nil {
			obs.LogRequest(map[string]any{
				"ts":    s.now().UTC().Format(time.RFC3339Nano),
				"level": "warn",
				"msg":   "audit append failed",
				"event": env.event.Name,
			})
		}
		cancel()
	}
}

func (s *Sink) logLine(env envelope) {
	entry := map[string]any{
		"ts":    env.occurredAt.Format(time.RFC3339Nano),
		"type":  "audit",
		"event": env.event.Name,
	}
	if env.requestID != "" {
		entry["request_id"] = env.requestID
	}
	if env.event.PrincipalID != "" {
		entry["principal_id"] = env.event.PrincipalID
	}
	if env.event.TenantID != "" {
		entry["tenant_id"] = env.event.TenantID
	}
	if env.event.IP != "" {
		entry["ip"] = env.event.IP
	}
	if len(env.event.Fields) > 0 {
		entry["fields"] = env.event.Fields
	} else {
		entry["fields"] = map[string]any{}
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	obs.Logger().Println(string(data))
}

// PGAppender persists audit entries in the append-only audit_log table.
type PGAppender struct {
	db *sql.DB
}

// NewPGAppender wraps the given database handle.
func NewPGAppender(db *sql.DB) *PGAppender {
	return &PGAppender{db: db}
}

// Append writes one immutable row.
func (a *PGAppender) Append(ctx context.Context, e Event, requestID string, occurredAt time.Time) error {
	meta, _ := json.Marshal(e.Fields)
	_, err := a.db.ExecContext(ctx,
		`insert into audit_log(id, occurred_at, event, principal_id, tenant_id, ip, request_id, metadata)
		 values($1,$2,$3,$4,$5,$6,$7,$8)`,
		ids.New(), occurredAt, e.Name, e.PrincipalID, e.TenantID, e.IP, requestID, meta,
	)
	return err
}
