package api

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kingrea/trellis/internal/workflow"
	"github.com/kingrea/trellis/internal/workflow/engine"
)

const (
	defaultSubscriberCapacity = 100
	defaultBacklogLimit       = 200
)

// Event is one task transition as streamed to clients.
type Event struct {
	Seq    int64               `json:"seq"`
	TaskID string              `json:"task_id"`
	From   workflow.Status     `json:"from"`
	To     workflow.Status     `json:"to"`
	At     time.Time           `json:"at"`
	Error  *workflow.TaskError `json:"error,omitempty"`
}

// FeedOption customizes Feed construction.
type FeedOption func(*Feed)

// Feed fans transitions out to subscribers with bounded channels. Recent
// events are kept so late subscribers can replay them.
type Feed struct {
	mu           sync.RWMutex
	subscribers  map[*subscriber]struct{}
	backlog      []Event
	seq          int64
	channelSize  int
	backlogLimit int
	logger       *zap.Logger
}

// Subscription represents an active feed subscription.
type Subscription struct {
	Events <-chan Event
	cancel func()
}

// Close terminates the subscription.
func (s Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// NewFeed constructs a feed with sane defaults.
func NewFeed(opts ...FeedOption) *Feed {
	f := &Feed{
		subscribers:  map[*subscriber]struct{}{},
		channelSize:  defaultSubscriberCapacity,
		backlogLimit: defaultBacklogLimit,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// FeedWithLogger injects a logger for drop diagnostics.
func FeedWithLogger(logger *zap.Logger) FeedOption {
	return func(f *Feed) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// FeedWithSubscriberCapacity overrides the buffered channel size per subscriber.
func FeedWithSubscriberCapacity(n int) FeedOption {
	return func(f *Feed) {
		if n > 0 {
			f.channelSize = n
		}
	}
}

// FeedWithBacklogLimit overrides how many recent events are replayed.
func FeedWithBacklogLimit(n int) FeedOption {
	return func(f *Feed) {
		if n > 0 {
			f.backlogLimit = n
		}
	}
}

// Hook adapts the feed to an engine transition hook. It never blocks.
func (f *Feed) Hook() engine.TransitionHook {
	return func(tr engine.Transition) {
		f.Publish(Event{TaskID: tr.TaskID, From: tr.From, To: tr.To, At: tr.At, Error: tr.Error})
	}
}

// Subscribe registers for events about taskID, or every task when taskID is
// empty. Backlogged events that match are delivered first when replay is set.
func (f *Feed) Subscribe(taskID string, replay bool) Subscription {
	sub := newSubscriber(f.channelSize, strings.TrimSpace(taskID), f.logger)
	f.mu.Lock()
	f.subscribers[sub] = struct{}{}
	var backlog []Event
	if replay {
		backlog = append(backlog, f.backlog...)
	}
	// Deliver under the lock so replayed events never interleave with new ones.
	for _, event := range backlog {
		sub.deliver(event)
	}
	f.mu.Unlock()
	return Subscription{
		Events: sub.channel(),
		cancel: func() { f.remove(sub) },
	}
}

// Publish stamps the event with the next sequence number and delivers it.
func (f *Feed) Publish(event Event) Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	event.Seq = f.seq
	f.backlog = append(f.backlog, event)
	if len(f.backlog) > f.backlogLimit {
		f.backlog = f.backlog[len(f.backlog)-f.backlogLimit:]
	}
	for sub := range f.subscribers {
		sub.deliver(event)
	}
	return event
}

// Recent returns up to limit of the most recent events, oldest first.
func (f *Feed) Recent(limit int) []Event {
	f.mu.RLock()
	defer f.mu.RUnlock()
	events := f.backlog
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return append([]Event(nil), events...)
}

// Subscribers reports the number of live subscriptions.
func (f *Feed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subscribers)
}

func (f *Feed) remove(sub *subscriber) {
	f.mu.Lock()
	delete(f.subscribers, sub)
	f.mu.Unlock()
	sub.close()
}

type subscriber struct {
	ch      chan Event
	taskID  string
	logger  *zap.Logger
	closed  bool
	closeMu sync.Mutex
}

func newSubscriber(capacity int, taskID string, logger *zap.Logger) *subscriber {
	if capacity <= 0 {
		capacity = defaultSubscriberCapacity
	}
	return &subscriber{
		ch:     make(chan Event, capacity),
		taskID: taskID,
		logger: logger,
	}
}

func (s *subscriber) channel() <-chan Event {
	return s.ch
}

// deliver never blocks. On overflow a non-terminal event is dropped in
// favour of a terminal one; otherwise the oldest goes.
func (s *subscriber) deliver(event Event) {
	if s.taskID != "" && s.taskID != event.TaskID {
		return
	}
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- event:
		return
	default:
	}
	select {
	case oldest := <-s.ch:
		if shouldDropOldest(oldest, event) {
			s.logDrop(oldest)
			s.ch <- event
		} else {
			s.ch <- oldest
			s.logDrop(event)
		}
	default:
		s.ch <- event
	}
}

func (s *subscriber) logDrop(event Event) {
	s.logger.Debug("feed: dropped event", zap.String("task", event.TaskID), zap.Int64("seq", event.Seq))
}

func (s *subscriber) close() {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

func shouldDropOldest(oldest, incoming Event) bool {
	oldestCritical := oldest.To.Terminal()
	incomingCritical := incoming.To.Terminal()
	if oldestCritical && !incomingCritical {
		return false
	}
	return true
}
