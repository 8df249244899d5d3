// Package hub fans task snapshots out to progress stream consumers.
package hub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/versecraft/internal/log"
	"github.com/ent0n29/versecraft/internal/observability"
	"github.com/ent0n29/versecraft/internal/tasks"
)

const (
	DefaultQueueSize         = 10
	DefaultHeartbeatInterval = 2 * time.Second
)

// ErrTaskGone is returned by Stream when the task leaves the store while a
// consumer is attached.
var ErrTaskGone = errors.New("task no longer available")

// TaskReader is the read side of the task store.
type TaskReader interface {
	Get(taskID string) (tasks.Task, error)
}

type Config struct {
	QueueSize         int
	HeartbeatInterval time.Duration
	Metrics           *observability.Metrics
	Logger            log.Logger
	Now               func() time.Time
}

func (c *Config) defaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Subscription is one consumer's bounded snapshot queue.
type Subscription struct {
	id     uint64
	taskID string
	queue  chan tasks.Task
}

func (s *Subscription) TaskID() string { return s.taskID }

// C yields snapshots in commit order. It is closed on Unsubscribe or Drop.
func (s *Subscription) C() <-chan tasks.Task { return s.queue }

type Hub struct {
	cfg   Config
	store TaskReader

	mu     sync.RWMutex
	subs   map[string]map[uint64]*Subscription
	nextID uint64
}

// New returns a hub reading fallback state from store. The store may be set
// later with SetStore when the store itself needs the hub as its notifier.
func New(cfg Config, store TaskReader) *Hub {
	cfg.defaults()
	cfg.Logger = cfg.Logger.WithValues(log.Kv{"svc": "hub.Hub"})
	return &Hub{
		cfg:   cfg,
		store: store,
		subs:  make(map[string]map[uint64]*Subscription),
	}
}

func (h *Hub) SetStore(store TaskReader) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.store = store
}

func (h *Hub) reader() TaskReader {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.store
}

func (h *Hub) Subscribe(taskID string) *Subscription {
	taskID = strings.TrimSpace(taskID)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	sub := &Subscription{
		id:     h.nextID,
		taskID: taskID,
		queue:  make(chan tasks.Task, h.cfg.QueueSize),
	}
	if h.subs[taskID] == nil {
		h.subs[taskID] = make(map[uint64]*Subscription)
	}
	h.subs[taskID][sub.id] = sub
	return sub
}

// Unsubscribe removes sub and closes its queue. Safe to call twice.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.subs[sub.taskID]
	if !ok {
		return
	}
	if _, ok := subs[sub.id]; !ok {
		return
	}
	delete(subs, sub.id)
	close(sub.queue)
	if len(subs) == 0 {
		delete(h.subs, sub.taskID)
	}
}

// Publish enqueues a snapshot for every subscriber of the task. A full
// queue loses its oldest entry. Publish never blocks.
func (h *Hub) Publish(task tasks.Task) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs[task.ID] {
		h.enqueue(sub, task)
	}
}

func (h *Hub) enqueue(sub *Subscription, task tasks.Task) {
	for {
		select {
		case sub.queue <- task.Clone():
			return
		default:
		}
		select {
		case <-sub.queue:
			h.cfg.Metrics.ObserveDroppedSnapshot()
		default:
		}
	}
}

// Drop closes every queue attached to taskID.
func (h *Hub) Drop(taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs[taskID] {
		close(sub.queue)
	}
	delete(h.subs, taskID)
}

func (h *Hub) SubscriberCount(taskID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[strings.TrimSpace(taskID)])
}

// Stream subscribes to taskID and calls emit for every event until the task
// finishes, the task disappears, ctx is done or emit fails.
func (h *Hub) Stream(ctx context.Context, taskID string, emit func(Event) error) error {
	taskID = strings.TrimSpace(taskID)
	store := h.reader()
	if store == nil {
		return fmt.Errorf("hub has no task store")
	}

	// Subscribe before the first read so no commit falls between the two.
	sub := h.Subscribe(taskID)
	defer h.Unsubscribe(sub)

	h.cfg.Metrics.StreamOpened()
	defer h.cfg.Metrics.StreamClosed()

	send := func(ev Event) error {
		h.cfg.Metrics.ObserveStreamEvent(string(ev.Type))
		return emit(ev)
	}

	current, err := store.Get(taskID)
	if err != nil {
		if sendErr := send(errorEvent(taskID, "task not found", h.cfg.Now())); sendErr != nil {
			return sendErr
		}
		return err
	}
	if err := send(newEvent(EventConnected, current, h.cfg.Now())); err != nil {
		return err
	}
	if err := send(newEvent(EventStatus, current, h.cfg.Now())); err != nil {
		return err
	}
	if current.Terminal() {
		return send(terminalEvent(current, h.cfg.Now()))
	}

	last := current
	timer := time.NewTimer(h.cfg.HeartbeatInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case snap, ok := <-sub.C():
			if !ok {
				return h.gone(taskID, send)
			}
			if snap.Revision <= last.Revision {
				continue
			}
			events := Derive(last, snap, h.cfg.Now())
			last = snap
			for _, ev := range events {
				if err := send(ev); err != nil {
					return err
				}
			}
			if snap.Terminal() {
				return nil
			}
			resetTimer(timer, h.cfg.HeartbeatInterval)

		case <-timer.C:
			latest, err := store.Get(taskID)
			if err != nil {
				return h.gone(taskID, send)
			}
			if err := send(newEvent(EventHeartbeat, latest, h.cfg.Now())); err != nil {
				return err
			}
			timer.Reset(h.cfg.HeartbeatInterval)
		}
	}
}

func (h *Hub) gone(taskID string, send func(Event) error) error {
	h.cfg.Logger.Debugf("task %s disappeared while streaming", taskID)
	if err := send(errorEvent(taskID, ErrTaskGone.Error(), h.cfg.Now())); err != nil {
		return err
	}
	return ErrTaskGone
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
