package recovery

import (
	"sync"
	"time"
)

// DefaultHistorySize bounds the attempts kept per tool.
const DefaultHistorySize = 50

// Outcome labels for attempts and metrics.
const (
	OutcomeRecovered = "recovered"
	OutcomeFailed    = "failed"
	OutcomeFallback  = "fallback"
	OutcomeSkipped   = "skipped"
	OutcomeAborted   = "aborted"
)

// Attempt is one recovery decision or re-invocation.
type Attempt struct {
	ExecutionID string        `json:"execution_id"`
	CallID      string        `json:"call_id,omitempty"`
	Tool        string        `json:"tool"`
	Number      int           `json:"number"`
	Category    Category      `json:"category"`
	Error       string        `json:"error,omitempty"`
	Outcome     string        `json:"outcome"`
	Delay       time.Duration `json:"delay,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
	At          time.Time     `json:"at"`
}

// History keeps the most recent attempts per tool name. It is read for
// observability only and never drives decisions.
type History struct {
	mu     sync.RWMutex
	limit  int
	byTool map[string][]Attempt
}

// NewHistory creates a history keeping up to limit attempts per tool.
func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = DefaultHistorySize
	}
	return &History{limit: limit, byTool: make(map[string][]Attempt)}
}

// Add appends a, evicting the oldest attempt of the same tool when full.
func (h *History) Add(a Attempt) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ring := append(h.byTool[a.Tool], a)
	if over := len(ring) - h.limit; over > 0 {
		ring = append([]Attempt(nil), ring[over:]...)
	}
	h.byTool[a.Tool] = ring
}

// Recent returns a copy of the attempts recorded for toolName, oldest first.
func (h *History) Recent(toolName string) []Attempt {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Attempt(nil), h.byTool[toolName]...)
}

// Tools returns the tool names with recorded attempts.
func (h *History) Tools() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.byTool))
	for name := range h.byTool {
		names = append(names, name)
	}
	return names
}
