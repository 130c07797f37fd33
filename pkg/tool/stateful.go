package tool

import (
	"context"
	"sync"
	"time"

	"github.com/harun/toolrun/pkg/bridge"
	"github.com/harun/toolrun/pkg/statestore"
)

type statefulKey struct{}

// StatefulFrom returns the stateful wrapper executing the current call.
func StatefulFrom(ctx context.Context) (*Stateful, bool) {
	s, ok := ctx.Value(statefulKey{}).(*Stateful)
	return s, ok
}

// Stateful binds a tool to one session's state context. Tool bodies reach it
// through StatefulFrom.
type Stateful struct {
	Tool
	store *statestore.Store

	mu        sync.Mutex
	contextID string
	sessionID string
}

// NewStateful wraps t. InitializeContext must be called before state is used.
func NewStateful(t Tool, store *statestore.Store) *Stateful {
	return &Stateful{Tool: t, store: store}
}

// InitializeContext creates the state context on first call and returns the
// same ID on every later call.
func (s *Stateful) InitializeContext(sessionID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.contextID != "" && s.store.Has(s.contextID) {
		return s.contextID
	}
	s.sessionID = sessionID
	s.contextID = s.store.InitializeContext(s.Name(), sessionID)
	return s.contextID
}

// ContextID returns the current context ID, if initialized.
func (s *Stateful) ContextID() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contextID, s.contextID != ""
}

// SessionID returns the session the context was created for.
func (s *Stateful) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func (s *Stateful) currentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contextID
}

// GetState returns a bucket. Uninitialized contexts report false.
func (s *Stateful) GetState(kind statestore.Kind) (statestore.Entry, bool) {
	id := s.currentID()
	if id == "" {
		return statestore.Entry{}, false
	}
	return s.store.Get(id, kind)
}

// SetState replaces a bucket, optionally expiring after ttl.
func (s *Stateful) SetState(kind statestore.Kind, data map[string]any, ttl time.Duration) bool {
	id := s.currentID()
	if id == "" {
		return false
	}
	return s.store.Set(id, kind, data, ttl)
}

// UpdateState merges patch into a bucket.
func (s *Stateful) UpdateState(kind statestore.Kind, patch map[string]any) bool {
	id := s.currentID()
	if id == "" {
		return false
	}
	return s.store.Update(id, kind, patch)
}

// AppendHistory records item in the business history.
func (s *Stateful) AppendHistory(item any) bool {
	id := s.currentID()
	if id == "" {
		return false
	}
	return s.store.AppendHistory(id, item)
}

// CleanupContext removes all state. Calling it again does nothing.
func (s *Stateful) CleanupContext() {
	s.mu.Lock()
	id := s.contextID
	s.contextID = ""
	s.mu.Unlock()

	if id != "" {
		s.store.Cleanup(id)
	}
}

// Execute runs the wrapped tool with the wrapper reachable from ctx.
func (s *Stateful) Execute(ctx context.Context, args map[string]any) (any, error) {
	s.touch()
	out, err := s.Tool.Execute(context.WithValue(ctx, statefulKey{}, s), args)
	s.record(err)
	return out, err
}

// ExecuteAsync runs the wrapped tool's suspending path with the wrapper
// reachable from ctx.
func (s *Stateful) ExecuteAsync(ctx context.Context, args map[string]any) *bridge.Future[any] {
	s.touch()
	inner := s.Tool.ExecuteAsync(context.WithValue(ctx, statefulKey{}, s), args)

	out := bridge.NewFuture[any]()
	go func() {
		select {
		case <-inner.Done():
			v, err := inner.Await(context.Background())
			s.record(err)
			out.Resolve(v, err)
		case <-ctx.Done():
			s.record(ctx.Err())
			out.Resolve(nil, ctx.Err())
		}
	}()
	return out
}

func (s *Stateful) touch() {
	id := s.currentID()
	if id == "" {
		return
	}
	now := time.Now()
	if _, ok := s.store.Incr(id, statestore.KindConnection, "call_count", 1); !ok {
		return
	}
	s.store.Update(id, statestore.KindConnection, map[string]any{
		"active":       true,
		"last_used_at": now,
	})
	s.store.Update(id, statestore.KindSession, map[string]any{"last_activity_at": now})
}

func (s *Stateful) record(err error) {
	if err == nil {
		return
	}
	id := s.currentID()
	if id == "" {
		return
	}
	if _, ok := s.store.Incr(id, statestore.KindConnection, "error_count", 1); !ok {
		return
	}
	s.store.Update(id, statestore.KindConnection, map[string]any{"last_error": err.Error()})
}
