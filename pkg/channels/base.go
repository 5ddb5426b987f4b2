// Package channels hosts the chat platform adapters and the manager that
// owns their lifecycle. Each adapter turns platform traffic into bus
// messages and bus replies back into platform sends.
package channels

import (
	"context"
	"sync/atomic"

	"github.com/openclaw/onebridge/pkg/bus"
	"github.com/openclaw/onebridge/pkg/logger"
)

// Channel is one chat platform adapter.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	IsRunning() bool
}

// BaseChannel carries the pieces every adapter needs: a name, the bus,
// the sender allow-list, and the running flag.
type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	allowFrom []string
	running   atomic.Bool
}

func NewBaseChannel(name string, b *bus.MessageBus, allowFrom []string) *BaseChannel {
	return &BaseChannel{name: name, bus: b, allowFrom: allowFrom}
}

func (b *BaseChannel) Name() string      { return b.name }
func (b *BaseChannel) IsRunning() bool   { return b.running.Load() }
func (b *BaseChannel) setRunning(v bool) { b.running.Store(v) }

// IsAllowedSender applies the allow-list. An empty list or a "*" entry
// admits everyone.
func (b *BaseChannel) IsAllowedSender(senderID string) bool {
	if len(b.allowFrom) == 0 {
		return true
	}
	for _, allowed := range b.allowFrom {
		if allowed == "*" || allowed == senderID {
			return true
		}
	}
	return false
}

func (b *BaseChannel) publishInbound(ctx context.Context, msg bus.InboundMessage) {
	if err := b.bus.PublishInbound(ctx, msg); err != nil {
		logger.WarnCF(b.name, "Failed to publish inbound message", map[string]interface{}{
			"error": err.Error(),
		})
	}
}
