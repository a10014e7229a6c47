package certs

import (
	"sync"
	"sync/atomic"
)

// Phase names one stage of the issuance workflow.
type Phase string

const (
	PhaseInstallClient   Phase = "install_client"
	PhaseFixDependencies Phase = "fix_dependencies"
	PhaseVerifyDomain    Phase = "verify_domain"
	PhaseIssue           Phase = "issue"
	PhaseComplete        Phase = "complete"
)

// Status of a progress event.
type Status string

const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusWarning Status = "warning"
	StatusError   Status = "error"
)

// Event is one progress report pushed to an observer.
type Event struct {
	Phase   Phase  `json:"phase"`
	Status  Status `json:"status"`
	Message string `json:"message"`
}

// Observer receives progress events in order. Notify must not block.
type Observer interface {
	Notify(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Notify(e Event) { f(e) }

// ChannelObserver buffers events on a channel. When the buffer is full or
// the observer has been closed, events are dropped so the issuance itself
// never waits on a slow or vanished reader.
type ChannelObserver struct {
	ch      chan Event
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

// NewChannelObserver returns an observer with the given buffer size.
func NewChannelObserver(buffer int) *ChannelObserver {
	return &ChannelObserver{ch: make(chan Event, buffer)}
}

// Events returns the channel events are delivered on. It is closed by Close.
func (o *ChannelObserver) Events() <-chan Event { return o.ch }

func (o *ChannelObserver) Notify(e Event) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		o.dropped.Add(1)
		return
	}
	select {
	case o.ch <- e:
	default:
		o.dropped.Add(1)
	}
}

// Close stops delivery and closes the events channel.
func (o *ChannelObserver) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.closed {
		o.closed = true
		close(o.ch)
	}
}

// Dropped reports how many events were not delivered.
func (o *ChannelObserver) Dropped() int64 { return o.dropped.Load() }
