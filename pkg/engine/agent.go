// Package engine advances agent instances through bounded think/act cycles
// and streams the resulting events.
package engine

import (
	"sync"

	"github.com/delverhq/delver/pkg/think"
	"github.com/delverhq/delver/pkg/tools"
)

// State is the lifecycle position of an agent instance.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Instance is the per-session agent advanced by the engine. Its run-scoped
// fields (state, step count, message log) are reset at the start of every run;
// its tool bindings persist across runs.
type Instance struct {
	bindings   *tools.Registry
	stepBudget int

	mu        sync.Mutex
	state     State
	stepCount int
	messages  []think.Message
}

func newInstance(bindings *tools.Registry, stepBudget int) *Instance {
	if stepBudget <= 0 {
		stepBudget = 8
	}
	return &Instance{
		bindings:   bindings,
		stepBudget: stepBudget,
	}
}

// Bindings returns the instance's tool registry.
func (a *Instance) Bindings() *tools.Registry {
	return a.bindings
}

// BeginRun resets the run-scoped fields, leaving bindings untouched.
func (a *Instance) BeginRun() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = StateIdle
	a.stepCount = 0
	a.messages = nil
}

// NextStep claims the next step cycle. It returns false when the step
// budget is spent, leaving the instance FINISHED.
func (a *Instance) NextStep() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == StateFinished {
		return false
	}
	if a.stepCount >= a.stepBudget {
		a.state = StateFinished
		return false
	}
	a.state = StateRunning
	a.stepCount++
	return true
}

// Finish moves the instance to FINISHED.
func (a *Instance) Finish() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = StateFinished
}

// State returns the current lifecycle state.
func (a *Instance) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// StepCount returns the steps consumed by the current run.
func (a *Instance) StepCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stepCount
}

// StepBudget returns the fixed per-run step ceiling.
func (a *Instance) StepBudget() int {
	return a.stepBudget
}

// Messages returns a copy of the current run's message log.
func (a *Instance) Messages() []think.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]think.Message, len(a.messages))
	copy(out, a.messages)
	return out
}

func (a *Instance) appendMessages(msgs ...think.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = append(a.messages, msgs...)
}
