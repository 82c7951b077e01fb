// Package debounce collapses bursts of messages per conversation key into a single
// consolidated delivery once the conversation has been quiet for a fixed interval.
//
// Each key cycles between Idle (nothing buffered, no timer) and Accumulating
// (messages buffered, one armed timer). Notify arms or resets the key's timer; when
// the timer fires, the scheduler drains the key's buffer and hands the messages to
// the Dispatcher. The state entry is removed before the drain, so a Notify that
// arrives mid-flush starts a fresh burst with its own timer and nothing is lost.
package debounce

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/burstgate/internal/bus"
	"github.com/nextlevelbuilder/burstgate/internal/store"
	"github.com/nextlevelbuilder/burstgate/pkg/protocol"
)

const (
	DefaultQuiet        = 10 * time.Second
	DefaultFlushTimeout = 30 * time.Second
)

// ErrStopped is returned by Notify, Push and FlushNow after Stop.
var ErrStopped = errors.New("debounce scheduler stopped")

// Dispatcher delivers a consolidated payload downstream.
type Dispatcher interface {
	Deliver(ctx context.Context, payload bus.FlushPayload) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, payload bus.FlushPayload) error

func (f DispatcherFunc) Deliver(ctx context.Context, payload bus.FlushPayload) error {
	return f(ctx, payload)
}

// Config tunes the scheduler.
type Config struct {
	Quiet        time.Duration // quiet interval D after the last message
	FlushTimeout time.Duration // bound on drain + deliver for one flush
	FlushOnStop  bool          // flush every pending key during Stop
}

// Option configures optional collaborators.
type Option func(*Scheduler)

// WithClock replaces the wall clock (tests).
func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithOnFlush registers a hook invoked after every flush transition completes.
func WithOnFlush(fn func(bus.FlushResult)) Option {
	return func(s *Scheduler) { s.onFlush = fn }
}

// WithEventPublisher broadcasts each flush result as a protocol.EventFlush event.
func WithEventPublisher(p bus.EventPublisher) Option {
	return func(s *Scheduler) { s.events = p }
}

type entry struct {
	timer  Timer
	gen    uint64
	fromID string
}

// Scheduler owns one debounce timer per active conversation key.
// Safe for concurrent use.
type Scheduler struct {
	cfg        Config
	store      store.BufferStore
	dispatcher Dispatcher
	clock      Clock
	onFlush    func(bus.FlushResult)
	events     bus.EventPublisher
	tracer     trace.Tracer

	mu      sync.Mutex
	entries map[string]*entry
	gen     uint64
	stopped bool

	flushLocks *keyLocks
	inflight   sync.WaitGroup

	baseCtx context.Context
	cancel  context.CancelFunc
}

// New creates a scheduler draining from s and delivering through d.
func New(cfg Config, s store.BufferStore, d Dispatcher, opts ...Option) *Scheduler {
	if cfg.Quiet <= 0 {
		cfg.Quiet = DefaultQuiet
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = DefaultFlushTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	sch := &Scheduler{
		cfg:        cfg,
		store:      s,
		dispatcher: d,
		clock:      RealClock(),
		tracer:     otel.Tracer("github.com/nextlevelbuilder/burstgate/internal/debounce"),
		entries:    make(map[string]*entry),
		flushLocks: newKeyLocks(),
		baseCtx:    ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(sch)
	}
	return sch
}

// Quiet returns the configured quiet interval.
func (s *Scheduler) Quiet() time.Duration { return s.cfg.Quiet }

// Push appends msg to its conversation buffer and then (re)arms the key's timer.
// A store failure is returned as-is and no timer is armed for the message.
// An error always means the message was not appended.
func (s *Scheduler) Push(ctx context.Context, msg bus.InboundMessage) error {
	if s.isStopped() {
		return ErrStopped
	}
	if err := s.store.Append(ctx, msg.Key, msg.Content); err != nil {
		return err
	}
	if err := s.Notify(msg.Key, msg.FromID); err != nil {
		// Stop won the race after the append. The message is buffered and is picked
		// up by the stop flush or by Recover on the next start.
		slog.Warn("debounce.appended_after_stop", "key", msg.Key)
	}
	return nil
}

// Notify cancels the armed timer for key, if any, and arms a new one with delay D.
// It never blocks on an in-flight flush.
func (s *Scheduler) Notify(key, fromID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if e, ok := s.entries[key]; ok {
		e.timer.Stop()
		slog.Debug("debounce.reset", "key", key)
	} else {
		slog.Debug("debounce.armed", "key", key, "quiet", s.cfg.Quiet)
	}
	s.armLocked(key, fromID)
	return nil
}

// armLocked replaces the entry for key with a freshly armed one. Caller holds s.mu.
func (s *Scheduler) armLocked(key, fromID string) {
	s.gen++
	gen := s.gen
	s.entries[key] = &entry{
		gen:    gen,
		fromID: fromID,
		timer:  s.clock.AfterFunc(s.cfg.Quiet, func() { s.fire(key, gen) }),
	}
}

// fire runs on timer expiry. A timer whose Stop lost the race against expiry
// carries a stale generation and is ignored.
func (s *Scheduler) fire(key string, gen uint64) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok || e.gen != gen || s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.entries, key)
	s.inflight.Add(1)
	s.mu.Unlock()

	defer s.inflight.Done()
	s.flush(key, e.fromID)
}

// FlushNow cancels the timer for key and flushes immediately, returning the result.
// Keys without an armed timer are drained too, which picks up orphaned buffers.
func (s *Scheduler) FlushNow(key string) (bus.FlushResult, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return bus.FlushResult{}, ErrStopped
	}
	var fromID string
	if e, ok := s.entries[key]; ok {
		e.timer.Stop()
		fromID = e.fromID
		delete(s.entries, key)
	}
	s.inflight.Add(1)
	s.mu.Unlock()

	defer s.inflight.Done()
	return s.flush(key, fromID), nil
}

// flush drains key and dispatches the messages. Flushes for one key are serialized.
func (s *Scheduler) flush(key, fromID string) bus.FlushResult {
	unlock := s.flushLocks.lock(key)
	defer unlock()

	ctx, cancel := context.WithTimeout(s.baseCtx, s.cfg.FlushTimeout)
	defer cancel()

	res := bus.FlushResult{
		FlushID:   uuid.NewString(),
		Key:       key,
		FromID:    fromID,
		StartedAt: s.clock.Now(),
	}
	ctx, span := s.tracer.Start(ctx, "debounce.flush", trace.WithAttributes(
		attribute.String("burstgate.key", key),
		attribute.String("burstgate.flush_id", res.FlushID),
	))
	defer span.End()

	msgs, err := s.store.Drain(ctx, key)
	switch {
	case err != nil:
		// Messages are still in the store: keep a timer armed so they get another chance.
		res.Status = protocol.FlushDrainFailed
		res.Err = err
		slog.Error("debounce.drain_failed", "key", key, "error", err)
		s.rearm(key, fromID)

	case len(msgs) == 0:
		res.Status = protocol.FlushEmpty
		slog.Debug("debounce.flush_empty", "key", key)

	default:
		res.Messages = msgs
		slog.Info("debounce.flushing", "key", key, "from", fromID, "count", len(msgs), "flush_id", res.FlushID)
		payload := bus.NewFlushPayload(fromID, key, msgs)
		payload.FlushID = res.FlushID
		if err := s.dispatcher.Deliver(ctx, payload); err != nil {
			res.Status = protocol.FlushDeliveryFailed
			res.Err = err
			slog.Error("debounce.delivery_failed", "key", key, "count", len(msgs), "flush_id", res.FlushID, "error", err)
		} else {
			res.Status = protocol.FlushDelivered
			slog.Info("debounce.delivered", "key", key, "count", len(msgs), "flush_id", res.FlushID)
		}
	}

	span.SetAttributes(
		attribute.Int("burstgate.message_count", len(msgs)),
		attribute.String("burstgate.status", res.Status),
	)
	if res.Err != nil {
		res.Error = res.Err.Error()
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Status)
	}
	res.Duration = s.clock.Now().Sub(res.StartedAt)
	s.publish(res)
	return res
}

// rearm arms a timer for key unless a newer Notify already did or the scheduler stopped.
func (s *Scheduler) rearm(key, fromID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if _, ok := s.entries[key]; ok {
		return
	}
	s.armLocked(key, fromID)
}

func (s *Scheduler) publish(res bus.FlushResult) {
	if s.onFlush != nil {
		s.onFlush(res)
	}
	if s.events != nil {
		s.events.Broadcast(bus.Event{Name: protocol.EventFlush, Payload: res})
	}
}

// Recover arms a timer for every key the store still holds messages for, so a
// buffer left behind by a previous process is flushed one quiet interval after
// startup. Keys that already have a timer are left alone. The sender is unknown
// for recovered keys, so their payload carries an empty fromId unless a new
// message arrives first.
func (s *Scheduler) Recover(ctx context.Context, lister store.KeyLister) (int, error) {
	keys, err := lister.PendingKeys(ctx)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return 0, ErrStopped
	}
	n := 0
	for _, key := range keys {
		if _, ok := s.entries[key]; ok {
			continue
		}
		s.armLocked(key, "")
		n++
	}
	if n > 0 {
		slog.Info("debounce.recovered", "keys", n)
	}
	return n, nil
}

// Pending returns the keys that currently have an armed timer, sorted.
func (s *Scheduler) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *Scheduler) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Stop rejects further notifies, cancels every armed timer and, with FlushOnStop,
// flushes each pending key. It waits for in-flight flushes until ctx is done, then
// cancels them.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	pending := s.entries
	s.entries = make(map[string]*entry)
	for _, e := range pending {
		e.timer.Stop()
	}
	if s.cfg.FlushOnStop {
		s.inflight.Add(len(pending))
	}
	s.mu.Unlock()

	if s.cfg.FlushOnStop && len(pending) > 0 {
		slog.Info("debounce.flush_on_stop", "keys", len(pending))
		for key, e := range pending {
			go func(key, fromID string) {
				defer s.inflight.Done()
				s.flush(key, fromID)
			}(key, e.fromID)
		}
	}

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}
