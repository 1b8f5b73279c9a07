package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/packets"
	"github.com/eclipse/paho.golang/paho"

	"github.com/drew-griffin/android-weather-station/internal/config"
)

// ErrNotConnected is returned when an operation needs a started client.
var ErrNotConnected = errors.New("mqtt client not started")

// Availability payloads published to the availability topic.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// subscribeQoS is used for every subscription. Control messages must
// not be silently lost.
const subscribeQoS = 1

// MessageHandler is called for each message received on a subscribed
// topic. It runs on the MQTT library's goroutine and must be safe for
// concurrent use. Returned errors are logged and otherwise ignored.
type MessageHandler func(ctx context.Context, topic string, payload []byte) error

// Options tunes a [Client] for its role.
type Options struct {
	// ClientID overrides the generated client ID.
	ClientID string

	// Announce enables the retained availability birth/will messages and,
	// when a discovery prefix is configured, Home Assistant discovery.
	// Only the station daemon announces; CLI tools connect quietly.
	Announce bool

	// TemperatureUnit is reported in discovery ("fahrenheit" or "celsius").
	TemperatureUnit string
}

// Client manages the broker connection. On every (re-)connect it
// publishes discovery configs and the birth message when announcing,
// and re-subscribes to all registered topic filters.
//
// The connection outlives the context passed to [Client.Start]; only
// [Client.Stop] ends it, so the offline status can still be published
// after a shutdown signal.
type Client struct {
	cfg        config.MQTTConfig
	opts       Options
	instanceID string
	device     DeviceInfo
	logger     *slog.Logger
	limiter    *messageRateLimiter
	router     *paho.StandardRouter

	mu      sync.Mutex
	filters []string
	cm      *autopaho.ConnectionManager
	runCtx  context.Context
	cancel  context.CancelFunc
}

// New creates a Client but does not connect. Register subscriptions
// with [Client.Subscribe], then call [Client.Start].
func New(cfg config.MQTTConfig, instanceID string, opts Options, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	limit := int64(cfg.InboundRateLimit)
	if limit <= 0 {
		limit = 20
	}
	c := &Client{
		cfg:        cfg,
		opts:       opts,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		logger:     logger,
		limiter:    newMessageRateLimiter(limit, time.Second, logger),
		router:     paho.NewStandardRouter(),
		runCtx:     context.Background(),
	}
	c.router.DefaultHandler(func(p *paho.Publish) {
		c.logger.Debug("mqtt message without handler", "topic", p.Topic, "payload_size", len(p.Payload))
	})
	return c
}

// Subscribe registers handler for filter. Filters may use the + and #
// wildcards. Subscriptions must be registered before Start.
func (c *Client) Subscribe(filter string, handler MessageHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cm != nil {
		return fmt.Errorf("subscribe %s: client already started", filter)
	}
	c.filters = append(c.filters, filter)
	c.router.RegisterHandler(filter, func(p *paho.Publish) {
		if err := handler(c.handlerContext(), p.Topic, p.Payload); err != nil {
			c.logger.Debug("mqtt handler returned error", "topic", p.Topic, "error", err)
		}
	})
	return nil
}

// handlerContext returns the connection's lifecycle context, which handlers
// receive. It is cancelled by Stop.
func (c *Client) handlerContext() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runCtx
}

// clientID returns the configured ID or one derived from the device
// name. Non-announcing clients get a random suffix so a CLI tool never
// kicks the daemon off the broker.
func (c *Client) clientID() string {
	if c.opts.ClientID != "" {
		return c.opts.ClientID
	}
	if c.cfg.ClientID != "" && c.opts.Announce {
		return c.cfg.ClientID
	}
	id := "weatherstation-" + c.cfg.DeviceName
	if !c.opts.Announce {
		id += "-" + shortID()
	}
	return id
}

// Start begins connecting in the background and returns. autopaho
// keeps reconnecting until Stop is called; cancelling ctx does not
// close the connection. Use [Client.AwaitConnection] to wait for the
// link.
func (c *Client) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(c.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       c.cfg.KeepAlive(),
		ConnectUsername: c.cfg.Username,
		ConnectPassword: []byte(c.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.logger.Info("mqtt connected to broker", "broker", c.cfg.Broker)
			if c.opts.Announce {
				c.publishDiscovery(connCtx, cm)
				c.publishAvailability(connCtx, cm, StatusOnline)
			}
			c.subscribeAll(connCtx, cm)
		},
		OnConnectError: func(err error) {
			c.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: c.clientID(),
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					c.dispatch(pr.Packet.Packet())
					return true, nil
				},
			},
		},
	}

	if c.opts.Announce {
		pahoCfg.WillMessage = &paho.WillMessage{
			Topic:   c.cfg.AvailabilityTopic(),
			Payload: []byte(StatusOffline),
			QoS:     1,
			Retain:  true,
		}
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(connCtx, pahoCfg)
	if err != nil {
		cancel()
		return fmt.Errorf("mqtt connect: %w", err)
	}

	c.mu.Lock()
	c.cm = cm
	c.runCtx = connCtx
	c.cancel = cancel
	c.mu.Unlock()

	go c.limiter.start(connCtx)
	return nil
}

func (c *Client) conn() *autopaho.ConnectionManager {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cm
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires. Used as the connwatch probe.
func (c *Client) AwaitConnection(ctx context.Context) error {
	cm := c.conn()
	if cm == nil {
		return ErrNotConnected
	}
	return cm.AwaitConnection(ctx)
}

// Publish sends payload to topic at QoS 0 without retain.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	return c.PublishQoS(ctx, topic, payload, 0)
}

// PublishQoS sends payload to topic at the given QoS without retain.
func (c *Client) PublishQoS(ctx context.Context, topic string, payload []byte, qos byte) error {
	cm := c.conn()
	if cm == nil {
		return ErrNotConnected
	}
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
	}); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Stop publishes "offline" when announcing, disconnects and ends the
// connection's lifecycle. The provided context bounds the publish and
// the disconnect.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	cm, cancel := c.cm, c.cancel
	c.mu.Unlock()
	if cm == nil {
		return nil
	}
	defer cancel()

	if c.opts.Announce {
		c.publishAvailability(ctx, cm, StatusOffline)
	}
	return cm.Disconnect(ctx)
}

func (c *Client) subscribeAll(ctx context.Context, cm *autopaho.ConnectionManager) {
	c.mu.Lock()
	filters := append([]string(nil), c.filters...)
	c.mu.Unlock()

	if len(filters) == 0 {
		return
	}

	opts := make([]paho.SubscribeOptions, 0, len(filters))
	for _, f := range filters {
		opts = append(opts, paho.SubscribeOptions{Topic: f, QoS: subscribeQoS})
	}

	if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: opts}); err != nil {
		c.logger.Error("mqtt subscribe failed", "topics", len(opts), "error", err)
		return
	}
	for _, f := range filters {
		c.logger.Info("mqtt subscribed", "topic", f)
	}
}

// dispatch rate-limits an inbound message and routes it to every
// handler whose filter matches.
func (c *Client) dispatch(pb *packets.Publish) {
	if !c.limiter.allow() {
		return
	}
	c.logger.Log(context.Background(), config.LevelTrace, "mqtt message received",
		"topic", pb.Topic, "payload", string(pb.Payload))

	if pb.Properties == nil {
		pb.Properties = &packets.Properties{}
	}
	c.router.Route(pb)
}

func (c *Client) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   c.cfg.AvailabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		c.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		c.logger.Info("mqtt availability published", "status", status)
	}
}
