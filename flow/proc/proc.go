// Package proc provides the in-process messaging transport the orchestrator
// runs on: a named-process registry, typed inboxes, and link/monitor exit
// events.
//
// The transport deliberately mirrors an actor runtime. Every participant is a
// process: the orchestrator registers itself under a well-known name and
// consumes its inbox; workers are spawned as linked goroutines whose
// termination, normal or panic, is delivered to the spawner's monitor
// channel as an ExitEvent. All cross-process communication is message
// passing; no participant shares mutable state.
package proc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// PID identifies one spawned process.
type PID string

// ErrNameTaken is returned when registering an already-registered name.
var ErrNameTaken = errors.New("process name already registered")

// ErrNoSuchProcess is returned when sending to an unknown name.
var ErrNoSuchProcess = errors.New("no such process")

// DefaultInboxDepth bounds a mailbox when the caller does not specify one.
const DefaultInboxDepth = 256

// Message is one typed inbox entry. Topic selects the handler; Payload is
// topic-specific.
type Message struct {
	Topic   string
	From    PID
	Payload any
}

// ExitEvent reports the termination of a spawned process to its monitor.
//
// Err is nil for a normal exit; a recovered panic or an error return from the
// process body arrives as a non-nil Err (the link-down case). Result carries
// the body's return value on normal exit.
type ExitEvent struct {
	PID    PID
	Name   string
	Result any
	Err    error
}

// Abnormal reports whether the exit is a link-down (error or panic).
func (e ExitEvent) Abnormal() bool { return e.Err != nil }

// Mailbox is a named, bounded inbox.
type Mailbox struct {
	name string
	ch   chan Message
}

// Name returns the registered name.
func (m *Mailbox) Name() string { return m.name }

// Inbox returns the receive side of the mailbox.
func (m *Mailbox) Inbox() <-chan Message { return m.ch }

type process struct {
	pid    PID
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

// Registry is the name -> process service. It owns mailbox registration,
// process spawning, and termination.
//
// Thread-safety: all methods are safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	mailboxes map[string]*Mailbox
	processes map[PID]*process
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		mailboxes: make(map[string]*Mailbox),
		processes: make(map[PID]*process),
	}
}

// Register creates and registers a mailbox under the given name. depth <= 0
// uses DefaultInboxDepth. Returns ErrNameTaken if the name is in use.
func (r *Registry) Register(name string, depth int) (*Mailbox, error) {
	if depth <= 0 {
		depth = DefaultInboxDepth
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.mailboxes[name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrNameTaken, name)
	}
	mb := &Mailbox{name: name, ch: make(chan Message, depth)}
	r.mailboxes[name] = mb
	return mb, nil
}

// Unregister removes a named mailbox. Unknown names are ignored.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.mailboxes, name)
}

// Lookup reports whether a mailbox is registered under the name.
func (r *Registry) Lookup(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.mailboxes[name]
	return ok
}

// Send delivers a message to the named mailbox. Blocks while the mailbox is
// full (backpressure) until delivery or context cancellation. Returns
// ErrNoSuchProcess for unregistered names.
func (r *Registry) Send(ctx context.Context, name string, msg Message) error {
	r.mu.RLock()
	mb, ok := r.mailboxes[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchProcess, name)
	}
	select {
	case mb.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Spawn starts fn as a linked and monitored process.
//
// The process body runs on its own goroutine under a cancellable context and
// receives its own pid, which it uses as the From field of messages it
// sends. Exactly one ExitEvent is delivered to the monitor channel when the
// body returns or panics; the monitor channel should be buffered and
// consumed by the spawner's event loop.
func (r *Registry) Spawn(name string, monitor chan<- ExitEvent, fn func(ctx context.Context, self PID) (any, error)) (PID, error) {
	if fn == nil {
		return "", errors.New("process body is required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &process{
		pid:    PID(uuid.NewString()),
		name:   name,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	r.mu.Lock()
	r.processes[p.pid] = p
	r.mu.Unlock()

	go func() {
		var result any
		var err error
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					err = fmt.Errorf("process panic: %v", rec)
				}
			}()
			result, err = fn(ctx, p.pid)
		}()
		cancel()
		close(p.done)

		r.mu.Lock()
		delete(r.processes, p.pid)
		r.mu.Unlock()

		if monitor != nil {
			monitor <- ExitEvent{PID: p.pid, Name: name, Result: result, Err: err}
		}
	}()

	return p.pid, nil
}

// Terminate cancels a spawned process's context. The process's ExitEvent is
// still delivered when its body observes cancellation and returns. Unknown
// pids are ignored.
func (r *Registry) Terminate(pid PID) {
	r.mu.RLock()
	p, ok := r.processes[pid]
	r.mu.RUnlock()
	if ok {
		p.cancel()
	}
}

// Alive reports whether the pid belongs to a live spawned process.
func (r *Registry) Alive(pid PID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.processes[pid]
	return ok
}
