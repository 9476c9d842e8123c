package subscribe

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/sluice/internal/metrics"
	"github.com/adred-codev/sluice/internal/model"
	"github.com/adred-codev/sluice/internal/notify"
	"github.com/adred-codev/sluice/internal/readerpool"
	"github.com/adred-codev/sluice/internal/registry"
	"github.com/adred-codev/sluice/internal/store"
	"github.com/adred-codev/sluice/internal/writer"
)

type testRig struct {
	handler *Handler
	writer  *writer.Writer
	bus     *notify.Bus
	reg     *registry.Registry
	metrics *metrics.Registry
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "sluice.db")

	wdb, err := store.OpenWriter(path, 1000)
	require.NoError(t, err)

	bus := notify.New(32)
	w := writer.New(wdb, bus, zerolog.Nop(), writer.Config{BatchSize: 10, BatchDelay: 5 * time.Millisecond})
	t.Cleanup(func() { w.Close() })

	pool, err := readerpool.Open(path, 2)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	reg := registry.New()
	met := metrics.NewRegistry(prometheus.NewRegistry())
	h := New(pool, w, bus, reg, met, zerolog.Nop())
	h.refillPoll = 30 * time.Millisecond
	return &testRig{handler: h, writer: w, bus: bus, reg: reg, metrics: met}
}

func TestInitAckReportsStartSeqForEarliest(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	_, err := rig.writer.Submit(ctx, writer.PublishRequest{Topic: "orders", Now: 1})
	require.NoError(t, err)

	in := make(chan ClientFrame, 4)
	out := make(chan ServerFrame, 8)
	in <- InitFrame{Topic: "orders", Group: "g1", InitialPosition: model.Earliest}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- rig.handler.Run(runCtx, in, out) }()

	frame := requireFrame[InitAckFrame](t, out)
	assert.Equal(t, uint64(0), frame.StartSeq)

	select {
	case f := <-out:
		t.Fatalf("message delivered before any credit was granted: %#v", f)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestInitAckReportsStartSeqForLatest(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	_, err := rig.writer.Submit(ctx, writer.PublishRequest{Topic: "orders", Now: 1})
	require.NoError(t, err)

	in := make(chan ClientFrame, 4)
	out := make(chan ServerFrame, 8)
	in <- InitFrame{Topic: "orders", Group: "g2", InitialPosition: model.Latest}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = rig.handler.Run(runCtx, in, out) }()

	frame := requireFrameTimeout[InitAckFrame](t, out, time.Second)
	assert.Equal(t, uint64(1), frame.StartSeq)
}

func TestCreditGatesDelivery(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	_, err := rig.writer.Submit(ctx, writer.PublishRequest{Topic: "orders", Payload: []byte("m1"), Now: 1})
	require.NoError(t, err)
	_, err = rig.writer.Submit(ctx, writer.PublishRequest{Topic: "orders", Payload: []byte("m2"), Now: 2})
	require.NoError(t, err)

	in := make(chan ClientFrame, 4)
	out := make(chan ServerFrame, 8)
	in <- InitFrame{Topic: "orders", Group: "g3", InitialPosition: model.Earliest}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = rig.handler.Run(runCtx, in, out) }()

	requireFrameTimeout[InitAckFrame](t, out, time.Second)

	in <- CreditFrame{N: 1}
	m1 := requireFrameTimeout[MessageFrame](t, out, time.Second)
	assert.Equal(t, uint64(1), m1.Sequence)

	select {
	case f := <-out:
		t.Fatalf("unexpected frame delivered without credit: %#v", f)
	case <-time.After(100 * time.Millisecond):
	}

	in <- CreditFrame{N: 1}
	m2 := requireFrameTimeout[MessageFrame](t, out, time.Second)
	assert.Equal(t, uint64(2), m2.Sequence)
}

func TestTakeoverTerminatesPriorSubscription(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	_, err := rig.writer.Submit(ctx, writer.PublishRequest{Topic: "orders", Now: 1})
	require.NoError(t, err)

	in1 := make(chan ClientFrame, 4)
	out1 := make(chan ServerFrame, 8)
	in1 <- InitFrame{Topic: "orders", Group: "shared", InitialPosition: model.Earliest}

	done1 := make(chan error, 1)
	go func() { done1 <- rig.handler.Run(ctx, in1, out1) }()
	requireFrameTimeout[InitAckFrame](t, out1, time.Second)

	in2 := make(chan ClientFrame, 4)
	out2 := make(chan ServerFrame, 8)
	in2 <- InitFrame{Topic: "orders", Group: "shared", InitialPosition: model.Earliest}
	go func() { _ = rig.handler.Run(ctx, in2, out2) }()
	requireFrameTimeout[InitAckFrame](t, out2, time.Second)

	select {
	case err := <-done1:
		var termErr *TerminatedError
		require.ErrorAs(t, err, &termErr)
		assert.Equal(t, ReasonTakeover, termErr.Reason)
	case <-time.After(time.Second):
		t.Fatal("prior subscription was never terminated by takeover")
	}
}

func TestAckAdvancesDurableCursor(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	res, err := rig.writer.Submit(ctx, writer.PublishRequest{Topic: "orders", Payload: []byte("m1"), Now: 1})
	require.NoError(t, err)

	in := make(chan ClientFrame, 4)
	out := make(chan ServerFrame, 8)
	in <- InitFrame{Topic: "orders", Group: "ackers", InitialPosition: model.Earliest}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = rig.handler.Run(runCtx, in, out) }()

	requireFrameTimeout[InitAckFrame](t, out, time.Second)
	in <- CreditFrame{N: 1}
	msg := requireFrameTimeout[MessageFrame](t, out, time.Second)
	require.Equal(t, res.MessageID, msg.MessageID)

	in <- AckFrame{MessageID: msg.MessageID}

	require.Eventually(t, func() bool {
		seq, found, err := store.LoadCursor(ctx, mustCheckout(t, rig), res.TopicID, "ackers")
		return err == nil && found && seq == res.Sequence
	}, time.Second, 10*time.Millisecond, "ack never advanced the durable cursor")
}

func TestCreditOverflowTerminatesWithCreditViolation(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	_, err := rig.writer.Submit(ctx, writer.PublishRequest{Topic: "orders", Now: 1})
	require.NoError(t, err)

	// Latest starts past the only message, so no delivery consumes credit
	// between the two grants.
	in := make(chan ClientFrame, 4)
	out := make(chan ServerFrame, 8)
	in <- InitFrame{Topic: "orders", Group: "overflow", InitialPosition: model.Latest}

	done := make(chan error, 1)
	go func() { done <- rig.handler.Run(ctx, in, out) }()
	requireFrameTimeout[InitAckFrame](t, out, time.Second)

	in <- CreditFrame{N: ^uint32(0)}
	in <- CreditFrame{N: 1}

	select {
	case err := <-done:
		var termErr *TerminatedError
		require.ErrorAs(t, err, &termErr)
		assert.Equal(t, ReasonCreditViolation, termErr.Reason)
		assert.ErrorIs(t, err, ErrCreditOverflow)
	case <-time.After(time.Second):
		t.Fatal("overflowing credit grant never terminated the subscription")
	}
}

func TestCloseFrameDrainsCleanly(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	_, err := rig.writer.Submit(ctx, writer.PublishRequest{Topic: "orders", Now: 1})
	require.NoError(t, err)

	in := make(chan ClientFrame, 4)
	out := make(chan ServerFrame, 8)
	in <- InitFrame{Topic: "orders", Group: "closer", InitialPosition: model.Earliest}

	done := make(chan error, 1)
	go func() { done <- rig.handler.Run(ctx, in, out) }()
	requireFrameTimeout[InitAckFrame](t, out, time.Second)

	in <- CloseFrame{}

	select {
	case err := <-done:
		require.NoError(t, err, "CloseFrame should end the subscription cleanly, not as a TerminatedError")
	case <-time.After(time.Second):
		t.Fatal("CloseFrame never drained the subscription")
	}
}

func TestUnknownTopicTerminatesWithNotFound(t *testing.T) {
	rig := newTestRig(t)

	in := make(chan ClientFrame, 4)
	out := make(chan ServerFrame, 8)
	in <- InitFrame{Topic: "ghost", Group: "g", InitialPosition: model.Earliest}

	err := rig.handler.Run(context.Background(), in, out)
	var termErr *TerminatedError
	require.ErrorAs(t, err, &termErr)
	assert.Equal(t, ReasonNotFound, termErr.Reason)
	assert.ErrorIs(t, err, ErrUnknownTopic)
}

func mustCheckout(t *testing.T, rig *testRig) *sql.DB {
	t.Helper()
	co, err := rig.handler.pool.Get(context.Background())
	require.NoError(t, err)
	t.Cleanup(co.Release)
	return co.DB()
}

func requireFrame[T ServerFrame](t *testing.T, out <-chan ServerFrame) T {
	t.Helper()
	return requireFrameTimeout[T](t, out, time.Second)
}

func requireFrameTimeout[T ServerFrame](t *testing.T, out <-chan ServerFrame, d time.Duration) T {
	t.Helper()
	select {
	case f := <-out:
		tf, ok := f.(T)
		require.Truef(t, ok, "expected frame type %T, got %#v", *new(T), f)
		return tf
	case <-time.After(d):
		t.Fatalf("timed out waiting for frame of type %T", *new(T))
	}
	var zero T
	return zero
}
