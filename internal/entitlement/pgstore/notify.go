package pgstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/tidwall/gjson"

	"github.com/mboutik/storekit/internal/entitlement"
	"github.com/mboutik/storekit/pkg/logger"
)

// notifyChannel is raised by the module_activations trigger with a JSON
// payload carrying the affected store_id.
const notifyChannel = "module_activations_changed"

const (
	minReconnectInterval = time.Second
	maxReconnectInterval = time.Minute
)

// Notifier delivers activation change notifications over LISTEN/NOTIFY. It
// implements entitlement.Subscriber.
type Notifier struct {
	listener *pq.Listener
	log      *logger.Logger

	mu       sync.Mutex
	next     int
	handlers map[string]map[int]func()
}

// NewNotifier opens a listening connection to the database.
func NewNotifier(dsn string, log *logger.Logger) (*Notifier, error) {
	if log == nil {
		log = logger.NewDefault("pgnotify")
	}
	n := &Notifier{
		log:      log,
		handlers: make(map[string]map[int]func()),
	}

	listener := pq.NewListener(dsn, minReconnectInterval, maxReconnectInterval,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.WithError(err).Warn("listener connection event")
			}
		})
	if err := listener.Listen(notifyChannel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("listen %s: %w", notifyChannel, err)
	}
	n.listener = listener

	go n.loop()
	return n, nil
}

// Subscribe registers onChange for one store's activation changes.
func (n *Notifier) Subscribe(ctx context.Context, storeID string, onChange func()) (func(), error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.handlers[storeID] == nil {
		n.handlers[storeID] = make(map[int]func())
	}
	n.next++
	id := n.next
	n.handlers[storeID][id] = onChange

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.handlers[storeID], id)
	}, nil
}

// Close shuts the listening connection down.
func (n *Notifier) Close() error {
	return n.listener.Close()
}

func (n *Notifier) loop() {
	for notice := range n.listener.Notify {
		if notice == nil {
			// The listener reconnected; notifications may have been lost,
			// so every subscriber re-syncs.
			n.log.Info("listener reconnected, broadcasting re-sync")
			n.broadcastAll()
			continue
		}
		storeID := gjson.Get(notice.Extra, "store_id").String()
		if storeID == "" {
			continue
		}
		n.broadcast(storeID)
	}
}

func (n *Notifier) broadcast(storeID string) {
	n.mu.Lock()
	fns := make([]func(), 0, len(n.handlers[storeID]))
	for _, fn := range n.handlers[storeID] {
		fns = append(fns, fn)
	}
	n.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (n *Notifier) broadcastAll() {
	n.mu.Lock()
	var fns []func()
	for _, byID := range n.handlers {
		for _, fn := range byID {
			fns = append(fns, fn)
		}
	}
	n.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

var _ entitlement.Subscriber = (*Notifier)(nil)
