package eventstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/hutch/pkg/events"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
)

// errStopScan stops a storage scan early once a query limit is reached.
var errStopScan = errors.New("stop scan")

// appendReq is one unit of work for the writer goroutine. A nil event
// marks a flush barrier; reset marks a test-only log wipe.
type appendReq struct {
	ev    *types.Event
	done  chan error
	reset bool
}

// Store is the kernel's append-only event log. Every append, durable or
// best-effort, funnels through a single writer goroutine that assigns
// dense ids at commit time and publishes committed events to the broker.
//
// Durable appends block until their batch is fsynced. Best-effort appends
// (capability_verified, resource_violation) go through the same bounded
// queue but return immediately; under overload they are dropped and
// counted rather than slowing callers down.
type Store struct {
	store  storage.Store
	broker *events.Broker
	logger zerolog.Logger

	queueSize int
	clock     func() time.Time
	base      time.Time

	writeCh chan *appendReq
	stopCh  chan struct{}
	closed  chan struct{}
	once    sync.Once
}

// Option customises a Store.
type Option func(*Store)

// WithQueueSize bounds the append queue (default 256).
func WithQueueSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// WithClock replaces the wall clock, for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		s.clock = clock
	}
}

// New creates an event store over the given storage and broker.
// Call Start before appending and Stop on shutdown.
func New(store storage.Store, broker *events.Broker, opts ...Option) *Store {
	s := &Store{
		store:     store,
		broker:    broker,
		logger:    log.WithComponent("eventstore"),
		queueSize: 256,
		clock:     time.Now,
		base:      time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.writeCh = make(chan *appendReq, s.queueSize)
	s.stopCh = make(chan struct{})
	s.closed = make(chan struct{})
	return s
}

// Start launches the writer goroutine.
func (s *Store) Start() {
	go s.writer()
}

// Stop drains pending appends, commits them, and shuts the writer down.
// Appends after Stop fail with ErrStoreClosed.
func (s *Store) Stop() {
	s.once.Do(func() {
		close(s.stopCh)
	})
	<-s.closed
}

// Append records an event. The store stamps wall clock and monotonic
// timestamps; the id is assigned at commit.
//
// For durable types the call returns the assigned id once the event is
// synced to disk. For best-effort types it returns id 0 immediately; the
// event is written in the background and may be lost on a hard crash.
func (s *Store) Append(ctx context.Context, ev *types.Event) (uint64, error) {
	if ev == nil {
		return 0, &types.ValidationError{Field: "event", Reason: "must not be nil"}
	}
	if !ev.Type.Known() {
		return 0, &types.ValidationError{Field: "event_type", Reason: "unknown type " + string(ev.Type)}
	}

	ev.WallClock = s.clock().UTC()
	ev.Monotonic = int64(time.Since(s.base))

	if !ev.Type.Durable() {
		// Best-effort: enqueue without waiting, drop on a full queue.
		select {
		case <-s.stopCh:
			return 0, types.ErrStoreClosed
		default:
		}
		select {
		case s.writeCh <- &appendReq{ev: ev}:
			metrics.EventQueueDepth.Set(float64(len(s.writeCh)))
		default:
			metrics.EventsDroppedTotal.Inc()
			s.logger.Warn().
				Str("event_type", string(ev.Type)).
				Msg("Append queue full, dropping best-effort event")
		}
		return 0, nil
	}

	req := &appendReq{ev: ev, done: make(chan error, 1)}
	select {
	case s.writeCh <- req:
	case <-s.stopCh:
		return 0, types.ErrStoreClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	select {
	case err := <-req.done:
		if err != nil {
			return 0, err
		}
		return ev.ID, nil
	case <-s.closed:
		return 0, types.ErrStoreClosed
	}
}

// Flush blocks until every append accepted before the call is committed,
// then fsyncs the database.
func (s *Store) Flush(ctx context.Context) error {
	req := &appendReq{done: make(chan error, 1)}
	select {
	case s.writeCh <- req:
	case <-s.stopCh:
		// Writer is draining; its final commit covers earlier appends.
		<-s.closed
		return s.store.Sync()
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.done:
		if err != nil {
			return err
		}
		return s.store.Sync()
	case <-s.closed:
		return s.store.Sync()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset wipes the log and restarts numbering at 1. Test hook.
func (s *Store) Reset() error {
	req := &appendReq{reset: true, done: make(chan error, 1)}
	select {
	case s.writeCh <- req:
	case <-s.stopCh:
		return types.ErrStoreClosed
	}
	select {
	case err := <-req.done:
		return err
	case <-s.closed:
		return types.ErrStoreClosed
	}
}

// LastID returns the id of the most recently committed event, 0 when the
// log is empty.
func (s *Store) LastID() (uint64, error) {
	return s.store.LastEventID()
}

// Get returns a single event by id.
func (s *Store) Get(id uint64) (*types.Event, error) {
	return s.store.GetEvent(id)
}

// Filter returns the persisted events matching the query, in id order.
func (s *Store) Filter(q *types.EventQuery) ([]*types.Event, error) {
	if q == nil {
		q = &types.EventQuery{}
	}
	var out []*types.Event
	err := s.store.ScanEvents(q.SinceID, func(ev *types.Event) error {
		if !q.Match(ev) {
			return nil
		}
		out = append(out, ev)
		if q.Limit > 0 && len(out) >= q.Limit {
			return errStopScan
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopScan) {
		return nil, err
	}
	return out, nil
}

// Subscribe returns a channel that replays persisted events matching the
// query and then follows the live tail until ctx is cancelled. Duplicate
// suppression between replay and tail uses the event id watermark, so the
// channel yields strictly increasing ids. A slow consumer misses tail
// events rather than blocking the kernel; restart the subscription from
// the last seen id to catch up.
func (s *Store) Subscribe(ctx context.Context, q *types.EventQuery) (<-chan *types.Event, error) {
	if q == nil {
		q = &types.EventQuery{}
	}
	query := *q // detach from the caller; the tail goroutine reads it concurrently

	// Attach to the live feed before replaying so nothing committed
	// between replay and tail is missed.
	live := s.broker.Subscribe()
	out := make(chan *types.Event, 256)

	go func() {
		defer close(out)
		defer s.broker.Unsubscribe(live)

		cursor := query.SinceID
		replay, err := s.Filter(&query)
		if err != nil {
			s.logger.Error().Err(err).Msg("Event replay failed")
			return
		}
		for _, ev := range replay {
			select {
			case out <- ev:
				cursor = ev.ID
			case <-ctx.Done():
				return
			}
		}

		for {
			select {
			case ev, ok := <-live:
				if !ok {
					return
				}
				if ev.ID <= cursor || !query.Match(ev) {
					continue
				}
				select {
				case out <- ev:
					cursor = ev.ID
				default:
					// Consumer is not keeping up; it will restart
					// from its own watermark.
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// writer is the single goroutine that talks to storage. It batches
// whatever is queued, commits one transaction, acks durable waiters and
// publishes committed events.
func (s *Store) writer() {
	defer close(s.closed)

	pending := make([]*appendReq, 0, 64)
	for {
		select {
		case req := <-s.writeCh:
			pending = append(pending, req)
			// Gather whatever else is already queued.
		gather:
			for len(pending) < cap(pending) {
				select {
				case r := <-s.writeCh:
					pending = append(pending, r)
				default:
					break gather
				}
			}
			s.commit(pending)
			pending = pending[:0]
			metrics.EventQueueDepth.Set(float64(len(s.writeCh)))

		case <-s.stopCh:
			for {
				select {
				case r := <-s.writeCh:
					pending = append(pending, r)
				default:
					s.commit(pending)
					return
				}
			}
		}
	}
}

// commit splits the gathered requests into segments at reset boundaries
// so a test-time Reset cannot reorder around appends queued before it.
func (s *Store) commit(reqs []*appendReq) {
	if len(reqs) == 0 {
		return
	}
	segment := make([]*appendReq, 0, len(reqs))
	for _, r := range reqs {
		if !r.reset {
			segment = append(segment, r)
			continue
		}
		s.commitSegment(segment)
		segment = segment[:0]
		r.done <- s.store.ResetEvents()
	}
	s.commitSegment(segment)
}

// commitSegment writes one batch in a single transaction, settles its
// waiters, and publishes the committed events. Flush barriers (nil
// events) are acked with the same error as the batch they waited on.
func (s *Store) commitSegment(reqs []*appendReq) {
	if len(reqs) == 0 {
		return
	}

	evs := make([]*types.Event, 0, len(reqs))
	for _, r := range reqs {
		if r.ev != nil {
			evs = append(evs, r.ev)
		}
	}

	var err error
	if len(evs) > 0 {
		err = s.store.AppendEvents(evs)
		if err != nil {
			s.logger.Error().Err(err).Int("batch", len(evs)).Msg("Event batch commit failed")
		}
	}

	for _, r := range reqs {
		if r.done != nil {
			r.done <- err
		}
	}

	if err == nil {
		for _, ev := range evs {
			metrics.EventsAppendedTotal.WithLabelValues(string(ev.Type), durabilityClass(ev.Type)).Inc()
			s.broker.Publish(ev)
		}
	}
}

func durabilityClass(t types.EventType) string {
	if t.Durable() {
		return "durable"
	}
	return "best_effort"
}
