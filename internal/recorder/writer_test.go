package recorder

import (
	"context"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/pkg/exception"
)

type auditSubject struct {
	Symbol string `json:"symbol"`
	Qty    string `json:"qty"`
}

func TestRecorderFlushesBatches(t *testing.T) {
	sink := NewMemorySink()
	rec, err := NewRecorder(Config{BatchSize: 2, FlushInterval: time.Hour}, sink)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, rec.Start(ctx))

	rec.Record(ctx, "order_terminal", auditSubject{Symbol: "BTCUSDT", Qty: "0.5"})
	rec.Record(ctx, "order_terminal", auditSubject{Symbol: "ETHUSDT", Qty: "2"})
	rec.Close()

	records := sink.Records()
	require.Len(t, records, 2)
	assert.Equal(t, "order_terminal", records[0].Kind)

	var subject auditSubject
	require.NoError(t, sonic.Unmarshal(records[0].Payload, &subject))
	assert.Equal(t, "BTCUSDT", subject.Symbol)
}

func TestRecorderCloseDrainsQueue(t *testing.T) {
	sink := NewMemorySink()
	rec, err := NewRecorder(Config{QueueSize: 64, BatchSize: 100, FlushInterval: time.Hour}, sink)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, rec.Start(ctx))

	for i := 0; i < 10; i++ {
		rec.Record(ctx, "risk_rejected", auditSubject{Symbol: "BTCUSDT"})
	}
	rec.Close()

	assert.Len(t, sink.Records(), 10)
	assert.Zero(t, rec.Drops())
}

func TestRecorderDropsWhenQueueFull(t *testing.T) {
	sink := NewMemorySink()
	rec, err := NewRecorder(Config{QueueSize: 1, FlushInterval: time.Hour}, sink)
	require.NoError(t, err)

	// not started, so the queue never drains
	ctx := context.Background()
	rec.Record(ctx, "order_terminal", auditSubject{})
	rec.Record(ctx, "order_terminal", auditSubject{})
	rec.Record(ctx, "order_terminal", auditSubject{})

	assert.Equal(t, int64(2), rec.Drops())
}

func TestRecorderIgnoresRecordsAfterClose(t *testing.T) {
	sink := NewMemorySink()
	rec, err := NewRecorder(Config{}, sink)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, rec.Start(ctx))
	rec.Close()

	rec.Record(ctx, "order_terminal", auditSubject{Symbol: "BTCUSDT"})
	assert.Empty(t, sink.Records())
}

func TestRecorderRequiresSink(t *testing.T) {
	_, err := NewRecorder(Config{}, nil)
	assert.ErrorIs(t, err, exception.ErrNilInstance)
}

func TestRecorderStartTwice(t *testing.T) {
	rec, err := NewRecorder(Config{}, NewMemorySink())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, rec.Start(ctx))
	assert.ErrorIs(t, rec.Start(ctx), exception.ErrAlreadyStarted)
	rec.Close()
}

func TestRecorderStartAfterClose(t *testing.T) {
	rec, err := NewRecorder(Config{}, NewMemorySink())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, rec.Start(ctx))
	rec.Close()
	assert.ErrorIs(t, rec.Start(ctx), exception.ErrClosed)
}
