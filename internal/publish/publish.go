// Package publish forwards session events to an MQTT broker so external
// dashboards can follow a session live.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"classwatch/internal/config"
	"classwatch/internal/model"
)

var ErrNotConnected = errors.New("not connected to mqtt broker")

// Publisher delivers one event. Implementations may block up to their own
// timeout.
type Publisher interface {
	Publish(ctx context.Context, ev model.SessionEvent) error
	Close()
}

// client is the part of mqtt.Client used here.
type client interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

type MQTTPublisher struct {
	cfg    config.MQTTConfig
	logger *slog.Logger

	mu     sync.Mutex
	client client
}

// NewMQTT connects to the configured broker. Paho keeps reconnecting in the
// background after the first successful connect.
func NewMQTT(cfg config.MQTTConfig, logger *slog.Logger) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(cfg.Timeout)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		if logger != nil {
			logger.Info("mqtt connected", "broker", cfg.Broker)
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		if logger != nil {
			logger.Warn("mqtt connection lost", "broker", cfg.Broker, "err", err)
		}
	})

	c := mqtt.NewClient(opts)
	token := c.Connect()
	if !token.WaitTimeout(cfg.Timeout) {
		return nil, fmt.Errorf("mqtt connect to %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", cfg.Broker, err)
	}
	return newWithClient(cfg, c, logger), nil
}

func newWithClient(cfg config.MQTTConfig, c client, logger *slog.Logger) *MQTTPublisher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &MQTTPublisher{cfg: cfg, client: c, logger: logger}
}

// Topic is <prefix>/<session_id>/<event_type>.
func Topic(prefix string, ev model.SessionEvent) string {
	return strings.TrimSuffix(prefix, "/") + "/" + ev.SessionID + "/" + string(ev.Type)
}

func (p *MQTTPublisher) Publish(ctx context.Context, ev model.SessionEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.ID, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.client.IsConnected() {
		return ErrNotConnected
	}
	token := p.client.Publish(Topic(p.cfg.TopicPrefix, ev), p.cfg.QoS, p.cfg.Retain, payload)
	select {
	case <-token.Done():
	case <-time.After(p.cfg.Timeout):
		return fmt.Errorf("publish %s: timeout", ev.ID)
	case <-ctx.Done():
		return ctx.Err()
	}
	return token.Error()
}

func (p *MQTTPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}

// Forwarder decouples the frame loop from the broker: events are queued
// without blocking and delivered by one worker goroutine.
type Forwarder struct {
	pub    Publisher
	queue  chan model.SessionEvent
	logger *slog.Logger

	sent    atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

func NewForwarder(pub Publisher, buffer int, logger *slog.Logger) *Forwarder {
	if buffer <= 0 {
		buffer = 256
	}
	return &Forwarder{pub: pub, queue: make(chan model.SessionEvent, buffer), logger: logger}
}

// Enqueue is shaped as an eventlog listener.
func (f *Forwarder) Enqueue(ev model.SessionEvent) {
	select {
	case f.queue <- ev:
	default:
		f.dropped.Add(1)
		if f.logger != nil {
			f.logger.Warn("publish queue full, dropping event", "event_id", ev.ID, "type", ev.Type)
		}
	}
}

// Run delivers queued events until ctx is done, then closes the publisher.
func (f *Forwarder) Run(ctx context.Context) {
	defer f.pub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-f.queue:
			if err := f.pub.Publish(ctx, ev); err != nil {
				f.failed.Add(1)
				if f.logger != nil {
					f.logger.Warn("publish failed", "event_id", ev.ID, "err", err)
				}
				continue
			}
			f.sent.Add(1)
		}
	}
}

type ForwarderStats struct {
	Sent    uint64 `json:"sent"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
}

func (f *Forwarder) Stats() ForwarderStats {
	return ForwarderStats{Sent: f.sent.Load(), Failed: f.failed.Load(), Dropped: f.dropped.Load()}
}
