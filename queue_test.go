package raven

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newTestQueue(t *testing.T, size int, opts ...AsyncOption) (*AsyncSender, *fakeTransport, *manualHost) {
	t.Helper()
	transport := newFakeTransport()
	host := &manualHost{phase: PhaseInit}
	q := NewAsyncSender(transport, host, &QueueConfig{Enabled: true, Size: size}, zap.NewNop(), opts...)
	return q, transport, host
}

func TestAsyncSender_QueueFull(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	transport := newFakeTransport()
	host := &manualHost{phase: PhaseInit}
	q := NewAsyncSender(transport, host, &QueueConfig{Size: 2}, zap.New(core))

	ctx := context.Background()
	require.NoError(t, q.Send(ctx, []byte("1")))
	require.NoError(t, q.Send(ctx, []byte("2")))

	err := q.Send(ctx, []byte("3"))
	require.ErrorIs(t, err, ErrQueueFull)
	assert.True(t, IsKind(err, KindQueueFull))
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, 1, logs.FilterMessage("Queue is full, dropping event").Len())

	host.runAll()
	assert.Equal(t, []string{"1", "2"}, transport.deliveredBodies())
}

func TestAsyncSender_SingleDrainTask(t *testing.T) {
	var schedules atomic.Int32
	q, transport, host := newTestQueue(t, 1000, WithOnSchedule(func() { schedules.Add(1) }))

	const senders = 50
	var wg sync.WaitGroup
	wg.Add(senders)
	for i := 0; i < senders; i++ {
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, q.Send(context.Background(), []byte(fmt.Sprint(i))))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, host.scheduledCount())
	assert.Equal(t, int32(1), schedules.Load())
	assert.Equal(t, senders, q.Len())
	assert.True(t, q.Running())

	host.runAll()
	assert.Len(t, transport.deliveredBodies(), senders)
	assert.Equal(t, 0, q.Len())
	assert.False(t, q.Running())

	// idle again: the next send schedules exactly one new task
	require.NoError(t, q.Send(context.Background(), []byte("again")))
	require.NoError(t, q.Send(context.Background(), []byte("and again")))
	assert.Equal(t, 2, host.scheduledCount())
}

func TestAsyncSender_FIFO(t *testing.T) {
	q, transport, host := newTestQueue(t, 10)

	want := []string{"a", "b", "c", "d"}
	for _, body := range want {
		require.NoError(t, q.Send(context.Background(), []byte(body)))
	}
	host.runAll()

	assert.Equal(t, want, transport.deliveredBodies())
}

func TestAsyncSender_FailedDeliveryIsDropped(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	transport := newFakeTransport()
	transport.deliverErr = func(body []byte) error {
		if string(body) == "bad" {
			return errDeliver
		}
		return nil
	}
	host := &manualHost{phase: PhaseInit}
	q := NewAsyncSender(transport, host, &QueueConfig{Size: 10}, zap.New(core))

	for _, body := range []string{"ok1", "bad", "ok2"} {
		require.NoError(t, q.Send(context.Background(), []byte(body)))
	}
	host.runAll()

	assert.Equal(t, []string{"ok1", "ok2"}, transport.deliveredBodies())
	assert.Equal(t, 1, transport.attemptsFor("bad"))
	assert.Equal(t, 0, q.Len())
	assert.False(t, q.Running())
	assert.Equal(t, 1, logs.FilterMessage("Failed to deliver queued event, dropping it").Len())
}

func TestAsyncSender_PanickingTransport(t *testing.T) {
	q, transport, host := newTestQueue(t, 10)
	transport.deliverErr = func(body []byte) error {
		if string(body) == "boom" {
			panic("wire on fire")
		}
		return nil
	}

	require.NoError(t, q.Send(context.Background(), []byte("boom")))
	require.NoError(t, q.Send(context.Background(), []byte("fine")))
	host.runAll()

	assert.Equal(t, []string{"fine"}, transport.deliveredBodies())
	assert.False(t, q.Running())
}

func TestAsyncSender_SyncWhenHostAllowsIO(t *testing.T) {
	q, transport, host := newTestQueue(t, 10)
	host.phase = PhaseRequest

	require.NoError(t, q.Send(context.Background(), []byte("direct")))

	assert.Equal(t, 0, host.scheduledCount())
	assert.Equal(t, 0, q.Len())
	require.Len(t, transport.sent, 1)
	assert.Equal(t, "direct", string(transport.sent[0]))
}

func TestAsyncSender_ForceAsync(t *testing.T) {
	transport := newFakeTransport()
	host := &manualHost{phase: PhaseBackground}
	q := NewAsyncSender(transport, host, &QueueConfig{Size: 10, ForceAsync: true}, zap.NewNop())

	require.NoError(t, q.Send(context.Background(), []byte("queued")))
	assert.Empty(t, transport.sent)
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, 1, host.scheduledCount())
}

func TestAsyncSender_Closed(t *testing.T) {
	q, transport, host := newTestQueue(t, 10)

	require.NoError(t, q.Send(context.Background(), []byte("before")))
	q.Close()

	assert.ErrorIs(t, q.Send(context.Background(), []byte("after")), ErrQueueClosed)
	host.phase = PhaseRequest
	assert.ErrorIs(t, q.Send(context.Background(), []byte("sync after")), ErrQueueClosed)

	host.runAll()
	assert.Equal(t, []string{"before"}, transport.deliveredBodies())
}

func TestAsyncSender_ScheduleFailure(t *testing.T) {
	mc := newMetricsCollector()
	q, transport, host := newTestQueue(t, 10, withQueueMetrics(mc))
	host.scheduleErr = ErrHostClosed

	err := q.Send(context.Background(), []byte("evt"))
	require.Error(t, err)
	assert.True(t, IsKind(err, KindTransport))
	assert.ErrorIs(t, err, ErrHostClosed)
	assert.False(t, q.Running())
	assert.Equal(t, 0, q.Len(), "a rejected event must not stay queued")
	assert.Equal(t, uint64(0), mc.queuedEvents.Load())

	// the caller retries once the host accepts tasks again
	host.mu.Lock()
	host.scheduleErr = nil
	host.mu.Unlock()
	require.NoError(t, q.Send(context.Background(), []byte("evt")))
	host.runAll()

	assert.Equal(t, []string{"evt"}, transport.deliveredBodies())
	assert.Equal(t, 1, transport.attemptsFor("evt"))
}

// gatedHost holds the first Schedule call until release is closed, then fails it.
type gatedHost struct {
	manualHost
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (h *gatedHost) Schedule(fn func(), delay time.Duration) error {
	first := false
	h.once.Do(func() { first = true })
	if first {
		close(h.entered)
		<-h.release
		return ErrHostClosed
	}
	return h.manualHost.Schedule(fn, delay)
}

func TestAsyncSender_ScheduleFailureConcurrentSend(t *testing.T) {
	transport := newFakeTransport()
	host := &gatedHost{
		manualHost: manualHost{phase: PhaseInit},
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	q := NewAsyncSender(transport, host, &QueueConfig{Size: 10}, zap.NewNop())

	errA := make(chan error, 1)
	go func() { errA <- q.Send(context.Background(), []byte("a")) }()
	<-host.entered

	errB := make(chan error, 1)
	go func() { errB <- q.Send(context.Background(), []byte("b")) }()

	// give "b" time to reach the queue lock while "a" is still scheduling
	time.Sleep(20 * time.Millisecond)
	close(host.release)

	assert.ErrorIs(t, <-errA, ErrHostClosed)
	require.NoError(t, <-errB)

	assert.Equal(t, 1, q.Len())
	assert.True(t, q.Running())
	assert.Equal(t, 1, host.scheduledCount())

	host.runAll()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, q.Flush(ctx))
	assert.Equal(t, []string{"b"}, transport.deliveredBodies())
}

func TestAsyncSender_RemoveKeepsOrder(t *testing.T) {
	q, _, _ := newTestQueue(t, 10)
	a, b, c := &Request{Body: []byte("a")}, &Request{Body: []byte("b")}, &Request{Body: []byte("c")}
	q.queue = []*Request{a, b, c}

	q.remove(b)
	assert.Equal(t, []*Request{a, c}, q.queue)

	q.remove(&Request{Body: []byte("a")})
	assert.Len(t, q.queue, 2, "only the same request is removed")
}

func TestAsyncSender_PrepareFailure(t *testing.T) {
	q, transport, host := newTestQueue(t, 10)
	transport.prepareErr = &Error{Kind: KindCapture, Message: "cannot frame"}

	err := q.Send(context.Background(), []byte("x"))
	assert.True(t, IsKind(err, KindCapture))
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 0, host.scheduledCount())
}

func TestAsyncSender_FlushWithGoroutineHost(t *testing.T) {
	transport := newFakeTransport()
	host := NewGoroutineHost(func() Phase { return PhaseInit })
	defer host.Close()

	mc := newMetricsCollector()
	q := NewAsyncSender(transport, host, &QueueConfig{Size: 100, DrainDelay: 5 * time.Millisecond}, zap.NewNop(), withQueueMetrics(mc))

	for i := 0; i < 20; i++ {
		require.NoError(t, q.Send(context.Background(), []byte(fmt.Sprint(i))))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Flush(ctx))

	assert.Len(t, transport.deliveredBodies(), 20)
	assert.Equal(t, uint64(20), mc.queuedEvents.Load())
	assert.Equal(t, uint64(20), mc.deliveredEvents.Load())
	assert.GreaterOrEqual(t, mc.drainTasks.Load(), uint64(1))
}

func TestAsyncSender_FlushTimeout(t *testing.T) {
	q, _, _ := newTestQueue(t, 10)
	require.NoError(t, q.Send(context.Background(), []byte("never drained")))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Flush(ctx), context.DeadlineExceeded)
}
