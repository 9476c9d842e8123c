package engine

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/sluice/internal/config"
	"github.com/adred-codev/sluice/internal/logging"
	"github.com/adred-codev/sluice/internal/model"
	"github.com/adred-codev/sluice/internal/publish"
	"github.com/adred-codev/sluice/internal/subscribe"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := config.Config{
		DataDir:           t.TempDir(),
		WriteChannelSize:  100,
		ReaderPoolSize:    2,
		NotifyChannelSize: 32,
		BatchSize:         10,
		BatchDelay:        5 * time.Millisecond,
		WALCheckpoint:     1000,
	}
	logger := logging.New(logging.Config{Level: "error", Format: logging.FormatJSON})
	eng, err := New(cfg, logger, prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })
	return eng
}

func TestEngineHealthyAfterStartup(t *testing.T) {
	eng := newTestEngine(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, eng.Healthy(ctx))
}

func TestEngineEndToEndPublishAndSubscribe(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	pubRes, err := eng.Publish.Handle(ctx, publish.Request{Topic: "orders", Payload: []byte("hello"), Now: 1})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), pubRes.Sequence)

	in := make(chan subscribe.ClientFrame, 4)
	out := make(chan subscribe.ServerFrame, 8)
	in <- subscribe.InitFrame{Topic: "orders", Group: "g1", InitialPosition: model.Earliest}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = eng.Subscribe.Run(runCtx, in, out) }()

	select {
	case f := <-out:
		ack, ok := f.(subscribe.InitAckFrame)
		require.True(t, ok)
		assert.Equal(t, uint64(0), ack.StartSeq)
	case <-time.After(time.Second):
		t.Fatal("never received InitAck")
	}

	in <- subscribe.CreditFrame{N: 10}
	select {
	case f := <-out:
		msg, ok := f.(subscribe.MessageFrame)
		require.True(t, ok)
		assert.Equal(t, "hello", string(msg.Payload))
	case <-time.After(time.Second):
		t.Fatal("never received delivered message")
	}

	snap, err := eng.Admission.Sample(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.ActiveSubs)
}
