package recovery

import (
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Transition is one recorded state change of a call.
type Transition struct {
	From string    `json:"from"`
	To   string    `json:"to"`
	At   time.Time `json:"at"`
}

// ExecutionContext correlates one call through dispatch and recovery. It is
// discarded once the call has a terminal result.
type ExecutionContext struct {
	ID        string
	Tool      string
	CallID    string
	SessionID string
	StartedAt time.Time

	mu          sync.Mutex
	state       string
	category    Category
	transitions []Transition
	attempts    []Attempt
}

// NewExecutionContext starts tracking a call in the given initial state.
func NewExecutionContext(toolName, callID, sessionID, initial string) *ExecutionContext {
	id, err := gonanoid.New()
	if err != nil {
		id = callID
	}
	return &ExecutionContext{
		ID:        id,
		Tool:      toolName,
		CallID:    callID,
		SessionID: sessionID,
		StartedAt: time.Now(),
		state:     initial,
	}
}

// State returns the current state.
func (ec *ExecutionContext) State() string {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.state
}

// Move records a transition from the current state to next.
func (ec *ExecutionContext) Move(next string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.transitions = append(ec.transitions, Transition{From: ec.state, To: next, At: time.Now()})
	ec.state = next
}

// Transitions returns the recorded transitions in order.
func (ec *ExecutionContext) Transitions() []Transition {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return append([]Transition(nil), ec.transitions...)
}

// Category returns the category of the failure being recovered, if any.
func (ec *ExecutionContext) Category() Category {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.category
}

func (ec *ExecutionContext) setCategory(c Category) {
	ec.mu.Lock()
	ec.category = c
	ec.mu.Unlock()
}

func (ec *ExecutionContext) addAttempt(a Attempt) {
	ec.mu.Lock()
	ec.attempts = append(ec.attempts, a)
	ec.mu.Unlock()
}

// Attempts returns the recovery attempts made for this call.
func (ec *ExecutionContext) Attempts() []Attempt {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return append([]Attempt(nil), ec.attempts...)
}
