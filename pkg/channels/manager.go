package channels

import (
	"context"
	"sync"
	"time"

	"github.com/openclaw/onebridge/pkg/bus"
	"github.com/openclaw/onebridge/pkg/config"
	"github.com/openclaw/onebridge/pkg/logger"
)

const sendTimeout = 60 * time.Second

// Manager owns the configured channels: it starts them, pumps outbound
// bus messages to the right one, and tears everything down on stop.
type Manager struct {
	bus      *bus.MessageBus
	channels map[string]Channel

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(cfg *config.Config, b *bus.MessageBus) *Manager {
	m := &Manager{
		bus:      b,
		channels: make(map[string]Channel),
	}
	if cfg.Channels.OneBot.Enabled {
		m.channels["onebot"] = NewOneBotChannel(cfg.Channels.OneBot, cfg.Media, b)
	}
	return m
}

func (m *Manager) Channel(name string) (Channel, bool) {
	ch, ok := m.channels[name]
	return ch, ok
}

func (m *Manager) Names() []string {
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	return names
}

func (m *Manager) StartAll(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	for name, ch := range m.channels {
		if err := ch.Start(runCtx); err != nil {
			logger.ErrorCF("manager", "Channel failed to start", map[string]interface{}{
				"channel": name,
				"error":   err.Error(),
			})
			continue
		}
		logger.InfoCF("manager", "Channel started", map[string]interface{}{
			"channel": name,
		})
	}

	m.wg.Add(1)
	go m.dispatchOutbound(runCtx)
	return nil
}

func (m *Manager) StopAll() error {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()

	for name, ch := range m.channels {
		if err := ch.Stop(); err != nil {
			logger.WarnCF("manager", "Channel stop failed", map[string]interface{}{
				"channel": name,
				"error":   err.Error(),
			})
		}
	}
	m.wg.Wait()
	return nil
}

// dispatchOutbound routes replies from the bus to their channel. One
// goroutine is enough; per-channel rate limiting happens inside Send.
func (m *Manager) dispatchOutbound(ctx context.Context) {
	defer m.wg.Done()
	for {
		msg, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			return
		}
		ch, found := m.channels[msg.Channel]
		if !found {
			logger.WarnCF("manager", "Outbound message for unknown channel", map[string]interface{}{
				"channel": msg.Channel,
			})
			continue
		}

		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		if err := ch.Send(sendCtx, msg); err != nil {
			logger.ErrorCF("manager", "Outbound send failed", map[string]interface{}{
				"channel": msg.Channel,
				"chat_id": msg.ChatID,
				"error":   err.Error(),
			})
		}
		cancel()
	}
}
