package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"k8s.io/utils/clock"

	tlerrors "github.com/mirkobrombin/go-todolock/v1/errors"
	"github.com/mirkobrombin/go-todolock/v1/metrics"
)

// ErrClosed is returned by Next once the subscription is closed.
var ErrClosed = errors.New("broadcast: subscription closed")

const (
	defaultQueueSize = 256
	sinkBuffer       = 1024
	// sinkDrainTimeout bounds forwarding of the events still queued for a
	// sink when the Broadcaster closes.
	sinkDrainTimeout = 5 * time.Second
	seqShards        = 64
)

// Sink receives every locally produced event, typically to relay it to other
// nodes or to a journal. Forward is called from a dedicated goroutine.
type Sink interface {
	Name() string
	Forward(ctx context.Context, ev ChangeEvent) error
}

// Filter selects the items a Subscription receives. An empty filter
// subscribes to every item.
type Filter struct {
	Items []string
}

type seqShard struct {
	mu   sync.Mutex
	seqs map[string]uint64
}

type sinkWorker struct {
	sink Sink
	ch   chan ChangeEvent
}

// Broadcaster delivers ChangeEvents to subscriptions, preserving per-item
// order.
type Broadcaster struct {
	queueSize int
	policy    OverflowPolicy
	nodeID    string
	clock     clock.PassiveClock
	logger    *slog.Logger

	seqs [seqShards]seqShard

	mu   sync.RWMutex
	subs map[*Subscription]struct{}

	sinks  []*sinkWorker
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithQueueSize sets the per-subscriber queue bound.
func WithQueueSize(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithOverflowPolicy sets the shedding policy of subscriber queues.
func WithOverflowPolicy(p OverflowPolicy) Option {
	return func(b *Broadcaster) { b.policy = p }
}

// WithNodeID sets the origin stamped on locally produced events.
func WithNodeID(id string) Option {
	return func(b *Broadcaster) { b.nodeID = id }
}

// WithClock sets the clock used to timestamp events.
func WithClock(c clock.PassiveClock) Option {
	return func(b *Broadcaster) { b.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broadcaster) { b.logger = l }
}

// WithSink forwards every local event to s.
func WithSink(s Sink) Option {
	return func(b *Broadcaster) {
		b.sinks = append(b.sinks, &sinkWorker{sink: s, ch: make(chan ChangeEvent, sinkBuffer)})
	}
}

// New returns a Broadcaster.
func New(opts ...Option) *Broadcaster {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Broadcaster{
		queueSize: defaultQueueSize,
		policy:    DropOldestContent,
		clock:     clock.RealClock{},
		logger:    slog.Default(),
		subs:      make(map[*Subscription]struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	for i := range b.seqs {
		b.seqs[i].seqs = make(map[string]uint64)
	}
	for _, opt := range opts {
		opt(b)
	}
	for _, w := range b.sinks {
		b.wg.Add(1)
		go b.forward(w)
	}
	return b
}

// NodeID returns the origin stamped on local events.
func (b *Broadcaster) NodeID() string { return b.nodeID }

// Publish stamps ev with the next sequence number of its item and enqueues it
// for every matching subscriber. It never blocks on a subscriber.
func (b *Broadcaster) Publish(ev ChangeEvent) ChangeEvent {
	if ev.At.IsZero() {
		ev.At = b.clock.Now()
	}
	local := ev.Origin == "" || ev.Origin == b.nodeID
	if ev.Origin == "" {
		ev.Origin = b.nodeID
	}

	sh := &b.seqs[xxhash.Sum64String(ev.ItemID)%seqShards]
	sh.mu.Lock()
	sh.seqs[ev.ItemID]++
	ev.Sequence = sh.seqs[ev.ItemID]

	b.mu.RLock()
	for sub := range b.subs {
		if sub.matches(ev.ItemID) {
			sub.push(ev)
		}
	}
	b.mu.RUnlock()
	sh.mu.Unlock()

	metrics.EventPublishedCounter.WithLabelValues(ev.Kind.String()).Inc()
	if local {
		for _, w := range b.sinks {
			select {
			case w.ch <- ev:
			default:
				metrics.RelayErrorCounter.WithLabelValues(w.sink.Name()).Inc()
				b.logger.Warn("todolock: relay buffer full, event not forwarded",
					"sink", w.sink.Name(), "item", ev.ItemID, "sequence", ev.Sequence)
			}
		}
	}
	return ev
}

// Sequence returns the last sequence number assigned to itemID.
func (b *Broadcaster) Sequence(itemID string) uint64 {
	sh := &b.seqs[xxhash.Sum64String(itemID)%seqShards]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.seqs[itemID]
}

// Subscribe registers a subscription for the items selected by f. It is
// removed when ctx is done or Unsubscribe is called.
func (b *Broadcaster) Subscribe(ctx context.Context, f Filter) *Subscription {
	sub := &Subscription{
		b:      b,
		queue:  newQueue(b.queueSize, b.policy),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		shed:   make(map[string]struct{}),
	}
	if len(f.Items) > 0 {
		sub.items = make(map[string]struct{}, len(f.Items))
		for _, id := range f.Items {
			sub.items[id] = struct{}{}
		}
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	metrics.SubscriberGauge.Inc()
	go func() {
		select {
		case <-ctx.Done():
			b.Unsubscribe(sub)
		case <-sub.done:
		}
	}()
	return sub
}

// Unsubscribe removes sub and closes it. It is safe to call more than once.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	_, ok := b.subs[sub]
	delete(b.subs, sub)
	b.mu.Unlock()
	if ok {
		metrics.SubscriberGauge.Dec()
		sub.close()
	}
}

// Subscribers returns the number of active subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close unsubscribes everyone and stops the sink workers once they have
// forwarded what was already published.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()
	for _, sub := range subs {
		b.Unsubscribe(sub)
	}
	b.cancel()
	b.wg.Wait()
}

func (b *Broadcaster) forward(w *sinkWorker) {
	defer b.wg.Done()
	for {
		select {
		case ev := <-w.ch:
			if err := w.sink.Forward(b.ctx, ev); err != nil {
				metrics.RelayErrorCounter.WithLabelValues(w.sink.Name()).Inc()
				b.logger.Warn("todolock: relay forward failed",
					"sink", w.sink.Name(), "item", ev.ItemID, "error", err)
			}
		case <-b.ctx.Done():
			b.drain(w)
			return
		}
	}
}

// drain forwards what is still queued for w when the Broadcaster closes.
func (b *Broadcaster) drain(w *sinkWorker) {
	ctx, cancel := context.WithTimeout(context.Background(), sinkDrainTimeout)
	defer cancel()
	for {
		select {
		case ev := <-w.ch:
			if err := w.sink.Forward(ctx, ev); err != nil {
				metrics.RelayErrorCounter.WithLabelValues(w.sink.Name()).Inc()
				b.logger.Warn("todolock: relay forward failed while closing",
					"sink", w.sink.Name(), "item", ev.ItemID, "error", err)
			}
		default:
			return
		}
	}
}

// Subscription is one subscriber's view of the event stream.
type Subscription struct {
	b     *Broadcaster
	items map[string]struct{}

	mu      sync.Mutex
	queue   *queue
	shed    map[string]struct{}
	pending uint64 // shed since the last overload report
	dropped uint64
	closed  bool

	notify chan struct{}
	done   chan struct{}
}

func (s *Subscription) matches(itemID string) bool {
	if s.items == nil {
		return true
	}
	_, ok := s.items[itemID]
	return ok
}

func (s *Subscription) push(ev ChangeEvent) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if shed, ok := s.queue.push(ev); ok {
		s.shed[shed.ItemID] = struct{}{}
		s.pending++
		s.dropped++
		metrics.EventDroppedCounter.WithLabelValues(shed.Kind.String()).Inc()
	}
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next returns the next queued event, waiting until one is available. When
// events were shed since the previous call it first returns an
// *errors.OverloadError listing the affected items; their state must be
// re-fetched rather than rebuilt from incremental events.
func (s *Subscription) Next(ctx context.Context) (ChangeEvent, error) {
	for {
		s.mu.Lock()
		if len(s.shed) > 0 {
			items := make([]string, 0, len(s.shed))
			for id := range s.shed {
				items = append(items, id)
			}
			sort.Strings(items)
			n := s.pending
			s.shed = make(map[string]struct{})
			s.pending = 0
			s.mu.Unlock()
			return ChangeEvent{}, &tlerrors.OverloadError{Items: items, Dropped: n}
		}
		if ev, ok := s.queue.pop(); ok {
			s.mu.Unlock()
			return ev, nil
		}
		if s.closed {
			s.mu.Unlock()
			return ChangeEvent{}, ErrClosed
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-s.done:
		case <-ctx.Done():
			return ChangeEvent{}, ctx.Err()
		}
	}
}

// Pending returns the number of queued events.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.len()
}

// Dropped returns the total number of events shed for this subscriber.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Done is closed once the subscription is removed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close removes the subscription from its Broadcaster.
func (s *Subscription) Close() { s.b.Unsubscribe(s) }

func (s *Subscription) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
}
