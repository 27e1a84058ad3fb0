package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/tether/internal/config"
	"github.com/nugget/tether/internal/events"
)

// Outbound event publishes allowed per second before dropping.
const (
	eventRateLimit    = 50
	eventRateInterval = time.Second
)

// brokerClient is the subset of [autopaho.ConnectionManager] the
// publisher uses after connecting.
type brokerClient interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Publisher manages the MQTT connection and forwards bus events to the
// broker.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	bus        *events.Bus
	runs       *DailyRuns
	limiter    *rateLimiter
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager
	client     brokerClient
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and forwarding loop.
func New(cfg config.MQTTConfig, instanceID string, bus *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		bus:        bus,
		runs:       NewDailyRuns(nil),
		limiter:    newRateLimiter(eventRateLimit, eventRateInterval, logger),
		logger:     logger,
	}
}

// Start connects to the MQTT broker and forwards bus events until ctx
// is cancelled. On every (re-)connect it publishes the device
// description, the daily counters and a birth message.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	keepAlive := p.cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 30
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       uint16(keepAlive),
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishDevice(ctx, cm)
			p.publishStats(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "tether-" + p.cfg.DeviceName,
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm
	p.client = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	go p.limiter.start(ctx)

	if p.bus == nil {
		<-ctx.Done()
		return nil
	}
	sub := p.bus.Subscribe(64)
	defer p.bus.Unsubscribe(sub)
	p.forward(ctx, sub)
	return nil
}

// Stop publishes "offline" availability and closes the connection.
// The provided context bounds the publish and disconnect.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	if p.cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return p.cm.AwaitConnection(ctx)
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "tether/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) deviceTopic() string {
	return p.baseTopic() + "/device"
}

func (p *Publisher) statsTopic() string {
	return p.baseTopic() + "/stats/today"
}

func (p *Publisher) eventTopic(source, kind string) string {
	return p.baseTopic() + "/events/" + source + "/" + kind
}

// --- Forwarding ---

func (p *Publisher) forward(ctx context.Context, sub <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub:
			if !ok {
				return
			}
			p.handle(ctx, e)
		}
	}
}

func (p *Publisher) handle(ctx context.Context, e events.Event) {
	if p.client == nil {
		return
	}
	if p.runs.Observe(e) {
		p.publishStats(ctx, p.client)
	}
	if !p.limiter.allow() {
		return
	}

	payload, err := json.Marshal(e)
	if err != nil {
		p.logger.Error("mqtt marshal event", "source", e.Source, "kind", e.Kind, "error", err)
		return
	}
	topic := p.eventTopic(e.Source, e.Kind)
	if _, err := p.client.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     0,
	}); err != nil {
		p.logger.Debug("mqtt event publish failed", "topic", topic, "error", err)
	}
}

func (p *Publisher) publishDevice(ctx context.Context, c brokerClient) {
	payload, err := json.Marshal(p.device)
	if err != nil {
		p.logger.Error("mqtt marshal device info", "error", err)
		return
	}
	if _, err := c.Publish(ctx, &paho.Publish{
		Topic:   p.deviceTopic(),
		Payload: payload,
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt device publish failed", "error", err)
	}
}

func (p *Publisher) publishStats(ctx context.Context, c brokerClient) {
	payload, err := json.Marshal(p.runs.Snapshot())
	if err != nil {
		p.logger.Error("mqtt marshal run counts", "error", err)
		return
	}
	if _, err := c.Publish(ctx, &paho.Publish{
		Topic:   p.statsTopic(),
		Payload: payload,
		QoS:     0,
		Retain:  true,
	}); err != nil {
		p.logger.Debug("mqtt stats publish failed", "error", err)
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, c brokerClient, status string) {
	if _, err := c.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}
