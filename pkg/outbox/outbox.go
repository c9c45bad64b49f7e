// Package outbox buffers REST calls made while the network is
// unavailable and replays them, per destination and in order, once
// connectivity returns.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fluxline/wirelink/pkg/netmon"
)

var (
	// ErrQueueExpired resolves entries that waited past their TTL.
	ErrQueueExpired = errors.New("outbox: entry expired before replay")
	// ErrClosed resolves entries still queued when the buffer shuts down.
	ErrClosed = errors.New("outbox: buffer closed")
)

// Kind is the request verb a buffered entry will replay with.
type Kind string

const (
	KindGet    Kind = "GET"
	KindPost   Kind = "POST"
	KindPut    Kind = "PUT"
	KindDelete Kind = "DELETE"
)

// Executor performs a single buffered request attempt. The REST layer
// implements this; the buffer never imports it directly.
type Executor interface {
	Do(ctx context.Context, dest string, kind Kind, payload json.RawMessage) (json.RawMessage, error)
}

// transientErr is satisfied by executor errors that indicate a network
// class failure rather than an application rejection.
type transientErr interface {
	Transient() bool
}

func isTransient(err error) bool {
	var te transientErr
	return errors.As(err, &te) && te.Transient()
}

// Pending is the completion handle for one buffered request. Resolution
// happens exactly once, whether by replay, expiry, cancellation, or
// buffer shutdown.
type Pending struct {
	Dest       string
	Kind       Kind
	Payload    json.RawMessage
	EnqueuedAt time.Time

	buf  *Buffer
	done chan struct{}
	once sync.Once

	result json.RawMessage
	err    error
}

func (p *Pending) resolve(result json.RawMessage, err error) {
	p.once.Do(func() {
		p.result = result
		p.err = err
		close(p.done)
	})
}

// Wait blocks until the entry resolves or ctx is done. Cancelling the
// context removes the entry from its lane.
func (p *Pending) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		p.Cancel(ctx.Err())
		<-p.done
		return p.result, p.err
	}
}

// Cancel removes the entry from its lane and resolves it with err. It
// is a no-op if the entry already resolved.
func (p *Pending) Cancel(err error) {
	if err == nil {
		err = context.Canceled
	}
	p.buf.remove(p)
	p.resolve(nil, err)
}

// Done exposes the resolution signal for callers that select rather
// than block.
func (p *Pending) Done() <-chan struct{} { return p.done }

type bufferConfig struct {
	logger *slog.Logger
	ttl    time.Duration
	sweep  time.Duration
	clock  func() time.Time
}

// Option configures a Buffer.
type Option func(*bufferConfig)

// WithLogger sets the buffer's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *bufferConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTTL overrides how long an entry may wait before it expires
// instead of replaying.
func WithTTL(d time.Duration) Option {
	return func(c *bufferConfig) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithSweepInterval overrides how often the background sweeper expires
// stale entries without waiting for a drain.
func WithSweepInterval(d time.Duration) Option {
	return func(c *bufferConfig) {
		if d > 0 {
			c.sweep = d
		}
	}
}

// WithClock replaces the time source. Tests use this to age entries.
func WithClock(now func() time.Time) Option {
	return func(c *bufferConfig) {
		if now != nil {
			c.clock = now
		}
	}
}

// Buffer holds per-destination FIFO lanes of requests awaiting replay.
type Buffer struct {
	config  bufferConfig
	exec    Executor
	monitor netmon.Monitor

	mu       sync.Mutex
	lanes    map[string][]*Pending
	draining bool
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Buffer replaying through exec. If monitor is non-nil
// the buffer drains automatically whenever it reports a transition to
// online.
func New(exec Executor, monitor netmon.Monitor, opts ...Option) *Buffer {
	cfg := bufferConfig{
		logger: slog.Default(),
		ttl:    time.Hour,
		sweep:  time.Minute,
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Buffer{
		config:  cfg,
		exec:    exec,
		monitor: monitor,
		lanes:   make(map[string][]*Pending),
		ctx:     ctx,
		cancel:  cancel,
	}
	b.wg.Add(1)
	go b.sweepLoop()
	if monitor != nil {
		b.wg.Add(1)
		go b.watchLoop(monitor)
	}
	return b
}

// Enqueue appends a request to its destination's lane and returns its
// completion handle. Callers typically block on Pending.Wait.
func (b *Buffer) Enqueue(dest string, kind Kind, payload json.RawMessage) (*Pending, error) {
	p := &Pending{
		Dest:       dest,
		Kind:       kind,
		Payload:    payload,
		EnqueuedAt: b.config.clock(),
		done:       make(chan struct{}),
	}
	p.buf = b

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.lanes[dest] = append(b.lanes[dest], p)
	depth := len(b.lanes[dest])
	b.mu.Unlock()

	b.config.logger.Debug("outbox: buffered request",
		"dest", dest, "kind", kind, "lane_depth", depth)
	return p, nil
}

// Len reports the total number of queued entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, lane := range b.lanes {
		n += len(lane)
	}
	return n
}

// LaneLen reports how many entries are queued for one destination.
func (b *Buffer) LaneLen(dest string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.lanes[dest])
}

// DrainAll replays every lane front to back. Expired entries resolve
// with ErrQueueExpired and replay continues. A network class failure
// halts only the lane it occurred on; the remaining lanes still drain.
// Any other error resolves the entry with that error and replay
// continues. Concurrent calls collapse into one drain.
func (b *Buffer) DrainAll(ctx context.Context) {
	b.mu.Lock()
	if b.draining || b.closed {
		b.mu.Unlock()
		return
	}
	b.draining = true
	dests := make([]string, 0, len(b.lanes))
	for dest := range b.lanes {
		dests = append(dests, dest)
	}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.draining = false
		b.mu.Unlock()
	}()

	// Stable order keeps replay deterministic across lanes even though
	// only intra-lane order is guaranteed.
	sort.Strings(dests)

	for _, dest := range dests {
		if ctx.Err() != nil {
			return
		}
		b.drainLane(ctx, dest)
	}
}

func (b *Buffer) drainLane(ctx context.Context, dest string) {
	for {
		if ctx.Err() != nil {
			return
		}

		b.mu.Lock()
		lane := b.lanes[dest]
		if len(lane) == 0 {
			delete(b.lanes, dest)
			b.mu.Unlock()
			return
		}
		p := lane[0]
		b.mu.Unlock()

		if age := b.config.clock().Sub(p.EnqueuedAt); age > b.config.ttl {
			b.config.logger.Info("outbox: entry expired",
				"dest", dest, "kind", p.Kind, "age", age)
			b.remove(p)
			p.resolve(nil, ErrQueueExpired)
			continue
		}

		result, err := b.exec.Do(ctx, p.Dest, p.Kind, p.Payload)
		if err != nil && isTransient(err) {
			// Leave the entry at the lane front for the next drain.
			b.config.logger.Debug("outbox: replay hit network failure, halting lane",
				"dest", dest, "err", err)
			return
		}

		b.remove(p)
		p.resolve(result, err)
	}
}

// remove detaches p from its lane if it is still queued.
func (b *Buffer) remove(p *Pending) {
	b.mu.Lock()
	defer b.mu.Unlock()
	lane := b.lanes[p.Dest]
	for i, q := range lane {
		if q == p {
			b.lanes[p.Dest] = append(lane[:i], lane[i+1:]...)
			if len(b.lanes[p.Dest]) == 0 {
				delete(b.lanes, p.Dest)
			}
			return
		}
	}
}

// sweepLoop expires stale entries and, while the network is up, retries
// lanes that halted on a transient failure without waiting for the next
// connectivity transition.
func (b *Buffer) sweepLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.config.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.expireStale()
			if b.monitor != nil && b.monitor.Online() && b.Len() > 0 {
				b.DrainAll(b.ctx)
			}
		}
	}
}

func (b *Buffer) expireStale() {
	now := b.config.clock()
	var stale []*Pending
	b.mu.Lock()
	for dest, lane := range b.lanes {
		kept := lane[:0]
		for _, p := range lane {
			if now.Sub(p.EnqueuedAt) > b.config.ttl {
				stale = append(stale, p)
			} else {
				kept = append(kept, p)
			}
		}
		if len(kept) == 0 {
			delete(b.lanes, dest)
		} else {
			b.lanes[dest] = kept
		}
	}
	b.mu.Unlock()

	for _, p := range stale {
		b.config.logger.Info("outbox: entry expired",
			"dest", p.Dest, "kind", p.Kind)
		p.resolve(nil, ErrQueueExpired)
	}
}

func (b *Buffer) watchLoop(monitor netmon.Monitor) {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case online, ok := <-monitor.Changes():
			if !ok {
				return
			}
			if online {
				b.config.logger.Info("outbox: connectivity restored, draining",
					"queued", b.Len())
				b.DrainAll(b.ctx)
			}
		}
	}
}

// Close stops the background loops and resolves every queued entry
// with ErrClosed. It is safe to call more than once.
func (b *Buffer) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	lanes := b.lanes
	b.lanes = make(map[string][]*Pending)
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()

	for _, lane := range lanes {
		for _, p := range lane {
			p.resolve(nil, ErrClosed)
		}
	}
}
