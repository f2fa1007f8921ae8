package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

// Subscriber delivers raw event payloads for a topic. Implemented by
// NATSSubscriber.
type Subscriber interface {
	Subscribe(topic string) (<-chan []byte, func(), error)
}

// Monitor consumes tick failure events and surfaces them in the process log.
// Because failures travel over the bus, one monitor sees failing groups from
// every engine instance, not just its own.
type Monitor struct {
	sub    Subscriber
	logger *slog.Logger

	cancel func()
	done   chan struct{}
}

// NewMonitor creates a monitor. Call Start to begin consuming.
func NewMonitor(sub Subscriber, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{sub: sub, logger: logger}
}

// Start subscribes to the tick failure topic and consumes until Stop.
func (m *Monitor) Start() error {
	msgs, cancel, err := m.sub.Subscribe(TopicTickFailed)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", TopicTickFailed, err)
	}
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		for data := range msgs {
			var ev TickFailed
			if err := json.Unmarshal(data, &ev); err != nil {
				m.logger.Warn("malformed tick failure event", "error", err)
				continue
			}
			m.logger.Warn("tick failure reported",
				"group", ev.GroupID,
				"tick", ev.TickNumber,
				"error", ev.Error)
		}
	}()
	return nil
}

// Stop unsubscribes and waits for the consumer goroutine to drain.
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}
