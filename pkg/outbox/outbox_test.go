package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxline/wirelink/pkg/netmon"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedExec records replay order and fails on demand.
type scriptedExec struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error // dest -> error returned for every call
}

func newScriptedExec() *scriptedExec {
	return &scriptedExec{fail: make(map[string]error)}
}

func (s *scriptedExec) Do(ctx context.Context, dest string, kind Kind, payload json.RawMessage) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, fmt.Sprintf("%s %s %s", kind, dest, payload))
	if err, ok := s.fail[dest]; ok && err != nil {
		return nil, err
	}
	return json.RawMessage(`{"ok":true}`), nil
}

func (s *scriptedExec) callLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *scriptedExec) setFailure(dest string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fail, dest)
	} else {
		s.fail[dest] = err
	}
}

// netErr is the transient failure shape the REST layer produces.
type netErr struct{ msg string }

func (e *netErr) Error() string   { return e.msg }
func (e *netErr) Transient() bool { return true }

func newBuffer(t *testing.T, exec Executor, opts ...Option) *Buffer {
	t.Helper()
	opts = append([]Option{WithLogger(testLogger())}, opts...)
	b := New(exec, nil, opts...)
	t.Cleanup(b.Close)
	return b
}

func TestDrainReplaysLaneInOrder(t *testing.T) {
	exec := newScriptedExec()
	b := newBuffer(t, exec)

	for i := 0; i < 3; i++ {
		_, err := b.Enqueue("/msgs", KindPost, json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)))
		require.NoError(t, err)
	}
	require.Equal(t, 3, b.LaneLen("/msgs"))

	b.DrainAll(context.Background())

	assert.Equal(t, []string{
		`POST /msgs {"n":0}`,
		`POST /msgs {"n":1}`,
		`POST /msgs {"n":2}`,
	}, exec.callLog())
	assert.Zero(t, b.Len())
}

func TestDrainResolvesWaiters(t *testing.T) {
	exec := newScriptedExec()
	b := newBuffer(t, exec)

	p, err := b.Enqueue("/msgs", KindPost, json.RawMessage(`{}`))
	require.NoError(t, err)

	go b.DrainAll(context.Background())

	result, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(result))
}

func TestNetworkFailureHaltsOnlyItsLane(t *testing.T) {
	exec := newScriptedExec()
	b := newBuffer(t, exec)

	_, err := b.Enqueue("/a", KindPost, json.RawMessage(`{"lane":"a1"}`))
	require.NoError(t, err)
	_, err = b.Enqueue("/a", KindPost, json.RawMessage(`{"lane":"a2"}`))
	require.NoError(t, err)
	_, err = b.Enqueue("/b", KindPost, json.RawMessage(`{"lane":"b1"}`))
	require.NoError(t, err)

	exec.setFailure("/a", &netErr{msg: "connection refused"})
	b.DrainAll(context.Background())

	// Lane /a stalled on its first entry; lane /b drained fully.
	assert.Equal(t, 2, b.LaneLen("/a"))
	assert.Zero(t, b.LaneLen("/b"))

	// Next drain, with the network back, finishes lane /a in order.
	exec.setFailure("/a", nil)
	b.DrainAll(context.Background())
	assert.Zero(t, b.Len())

	log := exec.callLog()
	assert.Equal(t, `POST /a {"lane":"a1"}`, log[0])
	assert.Contains(t, log, `POST /b {"lane":"b1"}`)
	assert.Equal(t, `POST /a {"lane":"a1"}`, log[len(log)-2])
	assert.Equal(t, `POST /a {"lane":"a2"}`, log[len(log)-1])
}

func TestApplicationErrorResolvesAndContinues(t *testing.T) {
	exec := newScriptedExec()
	b := newBuffer(t, exec)

	appErr := errors.New("validation failed")
	exec.setFailure("/a", appErr)

	p1, err := b.Enqueue("/a", KindPost, json.RawMessage(`{"n":1}`))
	require.NoError(t, err)
	p2, err := b.Enqueue("/a", KindPost, json.RawMessage(`{"n":2}`))
	require.NoError(t, err)

	b.DrainAll(context.Background())

	// Both entries were attempted; neither halted the lane.
	_, err = p1.Wait(context.Background())
	assert.ErrorIs(t, err, appErr)
	_, err = p2.Wait(context.Background())
	assert.ErrorIs(t, err, appErr)
	assert.Zero(t, b.Len())
}

func TestExpiredEntriesResolveWithErrQueueExpired(t *testing.T) {
	exec := newScriptedExec()
	now := time.Now()
	var clockMu sync.Mutex
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}
	b := newBuffer(t, exec, WithTTL(time.Hour), WithClock(clock))

	p, err := b.Enqueue("/a", KindPost, json.RawMessage(`{}`))
	require.NoError(t, err)

	clockMu.Lock()
	now = now.Add(time.Hour + time.Minute)
	clockMu.Unlock()

	b.DrainAll(context.Background())

	_, err = p.Wait(context.Background())
	assert.ErrorIs(t, err, ErrQueueExpired)
	assert.Empty(t, exec.callLog(), "expired entries are never replayed")
}

func TestSweeperExpiresWithoutDrain(t *testing.T) {
	exec := newScriptedExec()
	now := time.Now()
	var clockMu sync.Mutex
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}
	b := newBuffer(t, exec,
		WithTTL(50*time.Millisecond),
		WithSweepInterval(10*time.Millisecond),
		WithClock(clock))

	p, err := b.Enqueue("/a", KindPost, json.RawMessage(`{}`))
	require.NoError(t, err)

	clockMu.Lock()
	now = now.Add(time.Minute)
	clockMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = p.Wait(ctx)
	assert.ErrorIs(t, err, ErrQueueExpired)
}

func TestWaitContextCancelRemovesEntry(t *testing.T) {
	exec := newScriptedExec()
	b := newBuffer(t, exec)

	p, err := b.Enqueue("/a", KindPost, json.RawMessage(`{}`))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, b.Len())
}

func TestDrainOnConnectivityRestored(t *testing.T) {
	exec := newScriptedExec()
	tracker := netmon.NewTracker(false)
	b := New(exec, tracker, WithLogger(testLogger()))
	defer b.Close()

	p, err := b.Enqueue("/a", KindPost, json.RawMessage(`{}`))
	require.NoError(t, err)

	tracker.SetOnline(true)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := p.Wait(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(result))
}

func TestSweepRetriesHaltedLaneWhileOnline(t *testing.T) {
	exec := newScriptedExec()
	tracker := netmon.NewTracker(true)
	b := New(exec, tracker,
		WithLogger(testLogger()),
		WithSweepInterval(20*time.Millisecond))
	defer b.Close()

	exec.setFailure("/a", &netErr{msg: "service unavailable"})
	p, err := b.Enqueue("/a", KindPost, json.RawMessage(`{}`))
	require.NoError(t, err)

	b.DrainAll(context.Background())
	require.Equal(t, 1, b.LaneLen("/a"), "transient failure leaves the entry parked")

	// No connectivity transition happens; the sweep ticker alone must
	// retry the lane once the outage clears.
	exec.setFailure("/a", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := p.Wait(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(result))
}

func TestConcurrentDrainsCollapse(t *testing.T) {
	exec := newScriptedExec()
	b := newBuffer(t, exec)

	for i := 0; i < 10; i++ {
		_, err := b.Enqueue("/a", KindPost, json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)))
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.DrainAll(context.Background())
		}()
	}
	wg.Wait()

	// Replays happened exactly once each and in order. A racing drain is a
	// no-op, not a duplicate replay.
	want := make([]string, 10)
	for i := range want {
		want[i] = fmt.Sprintf(`POST /a {"n":%d}`, i)
	}
	assert.Equal(t, want, exec.callLog())
	assert.Zero(t, b.Len())
}

func TestCloseResolvesOutstandingEntries(t *testing.T) {
	exec := newScriptedExec()
	b := New(exec, nil, WithLogger(testLogger()))

	p, err := b.Enqueue("/a", KindPost, json.RawMessage(`{}`))
	require.NoError(t, err)

	b.Close()

	_, err = p.Wait(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	_, err = b.Enqueue("/a", KindPost, nil)
	assert.ErrorIs(t, err, ErrClosed)

	b.Close() // idempotent
}
