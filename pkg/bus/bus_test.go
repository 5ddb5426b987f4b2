package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishConsumeInbound(t *testing.T) {
	mb := NewMessageBus()
	ctx := context.Background()

	msg := InboundMessage{
		Channel:  "onebot",
		SenderID: "42",
		ChatID:   "group:1",
		Content:  "hello",
		Peer:     Peer{Kind: "group", ID: "1"},
	}
	require.NoError(t, mb.PublishInbound(ctx, msg))

	got, ok := mb.ConsumeInbound(ctx)
	require.True(t, ok)
	assert.Equal(t, msg, got)
}

func TestPublishSubscribeOutbound(t *testing.T) {
	mb := NewMessageBus()
	ctx := context.Background()

	msg := OutboundMessage{Channel: "onebot", ChatID: "7", Content: "reply"}
	require.NoError(t, mb.PublishOutbound(ctx, msg))

	got, ok := mb.SubscribeOutbound(ctx)
	require.True(t, ok)
	assert.Equal(t, msg, got)
}

func TestCloseRejectsPublishAndUnblocksConsumers(t *testing.T) {
	mb := NewMessageBus()
	ctx := context.Background()

	done := make(chan bool, 1)
	go func() {
		_, ok := mb.ConsumeInbound(ctx)
		done <- ok
	}()

	mb.Close()
	mb.Close() // idempotent

	select {
	case ok := <-done:
		assert.False(t, ok, "consumer must observe closure")
	case <-time.After(time.Second):
		t.Fatal("consumer not unblocked by Close")
	}

	assert.ErrorIs(t, mb.PublishInbound(ctx, InboundMessage{}), ErrBusClosed)
	assert.ErrorIs(t, mb.PublishOutbound(ctx, OutboundMessage{}), ErrBusClosed)
}

func TestConsumeRespectsContext(t *testing.T) {
	mb := NewMessageBus()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, ok := mb.ConsumeInbound(ctx)
	assert.False(t, ok)
}

func TestBufferedPublishDoesNotBlock(t *testing.T) {
	mb := NewMessageBus()
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		require.NoError(t, mb.PublishInbound(ctx, InboundMessage{MessageID: "x"}))
	}
}
