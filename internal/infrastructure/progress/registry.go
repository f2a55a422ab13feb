package progress

import (
	"log/slog"
	"sync"
	"time"

	"github.com/procurelens/tendersearch/internal/core/domain"
)

const (
	// subscriberBuffer bounds each subscriber channel; a consumer that
	// falls this far behind loses intermediate events but always gets
	// the latest one on the next send.
	subscriberBuffer = 16

	defaultRetention = 10 * time.Minute
)

type subscriber struct {
	ch     chan domain.ProgressEvent
	closed bool
}

type stream struct {
	latest      domain.ProgressEvent
	hasLatest   bool
	terminal    bool
	subscribers map[int]*subscriber
	nextSubID   int
	lastActive  time.Time
	expire      *time.Timer
}

// Registry is the in-process progress hub. Publishers and subscribers
// for the same request id meet here; completed streams are retained
// for a while so late pollers still see the terminal state. Streams
// that go idle without ever reaching a terminal stage expire on the
// same retention clock, so subscribing to unknown ids cannot grow the
// registry without bound.
type Registry struct {
	mu        sync.Mutex
	streams   map[string]*stream
	retention time.Duration
	logger    *slog.Logger
}

func NewRegistry(retention time.Duration, logger *slog.Logger) *Registry {
	if retention <= 0 {
		retention = defaultRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		streams:   make(map[string]*stream),
		retention: retention,
		logger:    logger,
	}
}

// Publish records event as the stream's latest state and fans it out.
// Progress never decreases within a request; a regression is clamped to
// the last published value. Events after a terminal event are dropped.
func (r *Registry) Publish(event domain.ProgressEvent) {
	if event.RequestID == "" {
		return
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.stream(event.RequestID)
	if st.terminal {
		return
	}
	st.lastActive = time.Now()
	if st.hasLatest && event.Progress < st.latest.Progress {
		event.Progress = st.latest.Progress
	}
	st.latest = event
	st.hasLatest = true

	for _, sub := range st.subscribers {
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Slow consumer; drop the oldest queued event to make
			// room so the stream converges on the latest state.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- event:
			default:
			}
		}
	}

	if event.Stage.Terminal() {
		st.terminal = true
		for _, sub := range st.subscribers {
			if !sub.closed {
				close(sub.ch)
				sub.closed = true
			}
		}
		st.subscribers = make(map[int]*subscriber)
		st.expire.Reset(r.retention)
	}
}

// stream returns the entry for requestID, creating it with its
// retention timer armed. Callers hold r.mu.
func (r *Registry) stream(requestID string) *stream {
	st := r.streams[requestID]
	if st == nil {
		st = &stream{
			subscribers: make(map[int]*subscriber),
			lastActive:  time.Now(),
		}
		st.expire = time.AfterFunc(r.retention, func() { r.drop(requestID) })
		r.streams[requestID] = st
	}
	return st
}

// Subscribe attaches to the stream for requestID. The current latest
// event, if any, is delivered first. When the stream is already
// terminal the channel carries the terminal event and is then closed.
func (r *Registry) Subscribe(requestID string) (<-chan domain.ProgressEvent, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.stream(requestID)
	st.lastActive = time.Now()

	ch := make(chan domain.ProgressEvent, subscriberBuffer)
	if st.hasLatest {
		ch <- st.latest
	}
	if st.terminal {
		close(ch)
		return ch, func() {}
	}

	id := st.nextSubID
	st.nextSubID++
	sub := &subscriber{ch: ch}
	st.subscribers[id] = sub

	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if cur, ok := st.subscribers[id]; ok {
			delete(st.subscribers, id)
			if !cur.closed {
				close(cur.ch)
				cur.closed = true
			}
		}
	}
	return ch, cancel
}

// Latest returns the most recent event for requestID, serving the
// polling fallback for clients without SSE support.
func (r *Registry) Latest(requestID string) (domain.ProgressEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.streams[requestID]
	if st == nil || !st.hasLatest {
		return domain.ProgressEvent{}, false
	}
	return st.latest, true
}

func (r *Registry) drop(requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.streams[requestID]
	if st == nil {
		return
	}
	// Activity since the timer was armed re-arms it for the remainder;
	// only a fully idle stream is dropped. Terminal streams carry no
	// subscribers, so the close loop is a no-op for them.
	if idle := time.Since(st.lastActive); idle < r.retention {
		st.expire.Reset(r.retention - idle)
		return
	}
	for _, sub := range st.subscribers {
		if !sub.closed {
			close(sub.ch)
			sub.closed = true
		}
	}
	delete(r.streams, requestID)
	r.logger.Debug("progress stream expired", "request_id", requestID)
}
