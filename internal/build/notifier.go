package build

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/conneroisu/pagecache/internal/logging"
)

// RebuildEvent is delivered to listeners once per watched entry rebuild.
// Key and HTML belong to the first rebuilt configuration in key order; Keys
// lists every configuration that rebuilt.
type RebuildEvent struct {
	EntryPath string
	Key       string
	HTML      string
	Keys      []string
	// Reload asks clients for an unconditional full page reload.
	Reload bool
	At     time.Time
}

// RebuildListener receives rebuild events.
type RebuildListener func(RebuildEvent)

// Notifier fans rebuild events out to registered listeners, in registration
// order. A panicking listener is logged and does not stop the others.
type Notifier struct {
	listeners []RebuildListener
	mutex     sync.RWMutex
	logger    logging.Logger
}

// NewNotifier creates a notifier with no listeners.
func NewNotifier(logger logging.Logger) *Notifier {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Notifier{logger: logger}
}

// OnRebuild appends a listener.
func (n *Notifier) OnRebuild(listener RebuildListener) {
	if listener == nil {
		return
	}
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.listeners = append(n.listeners, listener)
}

// notify calls every listener synchronously.
func (n *Notifier) notify(event RebuildEvent) {
	if event.At.IsZero() {
		event.At = time.Now()
	}

	n.mutex.RLock()
	listeners := make([]RebuildListener, len(n.listeners))
	copy(listeners, n.listeners)
	n.mutex.RUnlock()

	for i, listener := range listeners {
		n.call(i, listener, event)
	}
}

func (n *Notifier) call(index int, listener RebuildListener, event RebuildEvent) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error(context.Background(), fmt.Errorf("panic: %v", r),
				"Rebuild listener panicked", "listener", index, "entry", event.EntryPath)
		}
	}()
	listener(event)
}
