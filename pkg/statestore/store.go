package statestore

import (
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/toolrun/internal/metrics"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Kind names a state bucket.
type Kind string

const (
	KindConnection Kind = "connection"
	KindSession    Kind = "session"
	KindBusiness   Kind = "business"
	KindCache      Kind = "cache"
)

const (
	// DefaultMaxHistory bounds the business history when unset.
	DefaultMaxHistory = 100
	// DefaultSweepInterval is how often expired entries are purged.
	DefaultSweepInterval = time.Minute
)

// Entry is one bucket of a context.
type Entry struct {
	StateID   string         `json:"state_id"`
	ContextID string         `json:"context_id"`
	Kind      Kind           `json:"state_type"`
	Data      map[string]any `json:"data"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
	Version   int            `json:"version"`
}

// Expired reports whether the entry is past its expiry at now.
func (e *Entry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}

func (e *Entry) clone() Entry {
	c := *e
	c.Data = maps.Clone(e.Data)
	if h, ok := c.Data["history"].([]any); ok {
		c.Data["history"] = append([]any(nil), h...)
	}
	return c
}

// Config controls a Store.
type Config struct {
	MaxHistory    int
	SweepInterval time.Duration
}

// Store holds per-context state buckets in memory. All operations on an
// unknown context are no-ops that report false.
type Store struct {
	mu       sync.RWMutex
	contexts map[string]map[Kind]*Entry

	maxHistory int
	interval   time.Duration
	now        func() time.Time
	metrics    *metrics.Metrics

	cron *cron.Cron
}

// New creates a store. m may be nil.
func New(cfg Config, m *metrics.Metrics) *Store {
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = DefaultMaxHistory
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	return &Store{
		contexts:   make(map[string]map[Kind]*Entry),
		maxHistory: cfg.MaxHistory,
		interval:   cfg.SweepInterval,
		now:        time.Now,
		metrics:    m,
	}
}

// InitializeContext creates a context with its connection, session and
// business buckets and returns its ID.
func (s *Store) InitializeContext(toolName, sessionID string) string {
	contextID := uuid.NewString()
	now := s.now()

	buckets := map[Kind]*Entry{
		KindConnection: s.newEntry(contextID, KindConnection, now, map[string]any{
			"tool":         toolName,
			"active":       true,
			"connected_at": now,
			"last_used_at": now,
			"call_count":   0,
			"error_count":  0,
			"last_error":   "",
		}),
		KindSession: s.newEntry(contextID, KindSession, now, map[string]any{
			"session_id":       sessionID,
			"started_at":       now,
			"last_activity_at": now,
			"authenticated":    false,
			"auth_subject":     "",
		}),
		KindBusiness: s.newEntry(contextID, KindBusiness, now, map[string]any{
			"version": 1,
			"data":    map[string]any{},
			"history": []any{},
		}),
	}

	s.mu.Lock()
	s.contexts[contextID] = buckets
	count := len(s.contexts)
	s.mu.Unlock()

	s.metrics.SetStateContexts(count)
	log.Debug().
		Str("context_id", contextID).
		Str("tool", toolName).
		Str("session_id", sessionID).
		Msg("State context initialized")

	return contextID
}

func (s *Store) newEntry(contextID string, kind Kind, now time.Time, data map[string]any) *Entry {
	return &Entry{
		StateID:   uuid.NewString(),
		ContextID: contextID,
		Kind:      kind,
		Data:      data,
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}
}

// Get returns a copy of a bucket. Missing or expired buckets report false.
func (s *Store) Get(contextID string, kind Kind) (Entry, bool) {
	now := s.now()

	s.mu.RLock()
	entry, ok := s.contexts[contextID][kind]
	if ok && !entry.Expired(now) {
		c := entry.clone()
		s.mu.RUnlock()
		return c, true
	}
	s.mu.RUnlock()

	if ok {
		s.mu.Lock()
		if current, still := s.contexts[contextID][kind]; still && current.Expired(now) {
			delete(s.contexts[contextID], kind)
			s.metrics.AddStateEntriesPurged(1)
		}
		s.mu.Unlock()
	}
	return Entry{}, false
}

// Set replaces a bucket's data. A positive ttl makes the bucket expire.
func (s *Store) Set(contextID string, kind Kind, data map[string]any, ttl time.Duration) bool {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	buckets, ok := s.contexts[contextID]
	if !ok {
		return false
	}

	entry, exists := buckets[kind]
	if !exists || entry.Expired(now) {
		entry = s.newEntry(contextID, kind, now, nil)
		buckets[kind] = entry
	} else {
		entry.Version++
	}
	entry.Data = maps.Clone(data)
	if entry.Data == nil {
		entry.Data = map[string]any{}
	}
	entry.UpdatedAt = now
	entry.ExpiresAt = nil
	if ttl > 0 {
		expires := now.Add(ttl)
		entry.ExpiresAt = &expires
	}
	return true
}

// Update merges patch into a bucket's data and bumps its version.
func (s *Store) Update(contextID string, kind Kind, patch map[string]any) bool {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.contexts[contextID][kind]
	if !ok || entry.Expired(now) {
		return false
	}
	maps.Copy(entry.Data, patch)
	entry.UpdatedAt = now
	entry.Version++
	return true
}

// Incr adds delta to the integer stored under key in a bucket and returns
// the new value. A missing or non-integer value counts as zero.
func (s *Store) Incr(contextID string, kind Kind, key string, delta int) (int, bool) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.contexts[contextID][kind]
	if !ok || entry.Expired(now) {
		return 0, false
	}
	n, _ := entry.Data[key].(int)
	n += delta
	entry.Data[key] = n
	entry.UpdatedAt = now
	entry.Version++
	return n, true
}

// AppendHistory adds item to the business history, dropping the oldest items
// beyond the configured bound.
func (s *Store) AppendHistory(contextID string, item any) bool {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.contexts[contextID][KindBusiness]
	if !ok || entry.Expired(now) {
		return false
	}
	history, _ := entry.Data["history"].([]any)
	history = append(history, item)
	if over := len(history) - s.maxHistory; over > 0 {
		history = append([]any(nil), history[over:]...)
	}
	entry.Data["history"] = history
	entry.UpdatedAt = now
	entry.Version++
	return true
}

// Cleanup removes a context and all its buckets. Unknown IDs are ignored.
func (s *Store) Cleanup(contextID string) {
	s.mu.Lock()
	_, ok := s.contexts[contextID]
	delete(s.contexts, contextID)
	count := len(s.contexts)
	s.mu.Unlock()

	if ok {
		s.metrics.SetStateContexts(count)
		log.Debug().Str("context_id", contextID).Msg("State context cleaned up")
	}
}

// Sweep purges expired buckets and drops contexts left empty. It returns the
// number of buckets removed.
func (s *Store) Sweep() int {
	now := s.now()
	purged := 0
	dropped := 0

	s.mu.Lock()
	for id, buckets := range s.contexts {
		for kind, entry := range buckets {
			if entry.Expired(now) {
				delete(buckets, kind)
				purged++
			}
		}
		if len(buckets) == 0 {
			delete(s.contexts, id)
			dropped++
		}
	}
	count := len(s.contexts)
	s.mu.Unlock()

	s.metrics.AddStateEntriesPurged(purged)
	s.metrics.SetStateContexts(count)
	if purged > 0 || dropped > 0 {
		log.Debug().Int("purged", purged).Int("dropped_contexts", dropped).Msg("State sweep completed")
	}
	return purged
}

// Contexts returns the number of live contexts.
func (s *Store) Contexts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.contexts)
}

// Has reports whether a context exists.
func (s *Store) Has(contextID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.contexts[contextID]
	return ok
}

// StartSweeper schedules Sweep at the configured interval.
func (s *Store) StartSweeper() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return fmt.Errorf("state sweeper is already running")
	}

	c := cron.New()
	spec := fmt.Sprintf("@every %s", s.interval)
	if _, err := c.AddFunc(spec, func() { s.Sweep() }); err != nil {
		return fmt.Errorf("schedule state sweep: %w", err)
	}
	c.Start()
	s.cron = c

	log.Info().Dur("interval", s.interval).Msg("State sweeper started")
	return nil
}

// StopSweeper stops the periodic sweep and waits for a running sweep.
func (s *Store) StopSweeper() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	log.Info().Msg("State sweeper stopped")
}
