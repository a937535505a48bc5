// Package broker manages the MQTT connection that backs the durable
// event topic. Accepted events are published keyed by event_type under
// the configured topic root; a shared subscription ties the loopback
// consumer to the configured group so exactly one bus instance in a
// group receives each published event.
package broker

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// appendTimeout bounds each publish; a slow broker must not stall the
// ingress loop indefinitely.
const appendTimeout = time.Second

// Config holds the broker connection settings.
type Config struct {
	// Broker is the MQTT URL (mqtt://, mqtts://, ssl://).
	Broker string
	// Topic is the root under which events are published, one subtopic
	// per event_type.
	Topic string
	// Group names the shared-subscription group for the loopback
	// consumer.
	Group string
}

// Client manages the MQTT connection, publishes accepted events, and
// feeds inbound topic messages to the registered handler.
type Client struct {
	cfg        Config
	instanceID string
	logger     *slog.Logger
	handler    MessageHandler

	mu sync.Mutex
	cm *autopaho.ConnectionManager

	rateLimiter *messageRateLimiter
}

// New creates a Client but does not connect. Call [Client.Start] to
// begin the connection. A nil logger is replaced with [slog.Default].
func New(cfg Config, instanceID string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:        cfg,
		instanceID: instanceID,
		logger:     logger,
	}
}

// SetMessageHandler registers the callback for inbound topic messages.
// Must be called before [Client.Start].
func (c *Client) SetMessageHandler(h MessageHandler) {
	c.handler = h
}

// Start connects to the broker and returns once the connection manager
// is running. On every (re-)connect it re-subscribes the shared
// subscription, because the broker forgets subscriptions across
// reconnects with a clean session.
func (c *Client) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(c.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls: []*url.URL{brokerURL},
		KeepAlive:  30,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.logger.Info("connected to broker", "broker", c.cfg.Broker)
			subCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			c.subscribe(subCtx, cm)
		},
		OnConnectError: func(err error) {
			c.logger.Warn("broker connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "stickybus-" + c.instanceID[:8],
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("broker connect: %w", err)
	}

	c.mu.Lock()
	c.cm = cm
	c.mu.Unlock()

	if c.handler != nil {
		c.rateLimiter = newMessageRateLimiter(1000, time.Second, c.logger)
		go c.rateLimiter.start(ctx)

		cm.AddOnPublishReceived(func(pr autopaho.PublishReceived) (bool, error) {
			if !c.rateLimiter.allow() {
				return true, nil
			}
			func() {
				defer func() {
					if r := recover(); r != nil {
						c.logger.Error("broker message handler panicked",
							"topic", pr.Packet.Topic,
							"panic", r,
						)
					}
				}()
				c.handler(pr.Packet.Topic, pr.Packet.Payload)
			}()
			return true, nil
		})
	}

	return nil
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires. Used by the startup dependency probe.
func (c *Client) AwaitConnection(ctx context.Context) error {
	c.mu.Lock()
	cm := c.cm
	c.mu.Unlock()
	if cm == nil {
		return fmt.Errorf("broker client not started")
	}
	return cm.AwaitConnection(ctx)
}

// Append publishes one serialized event to the durable topic keyed by
// its event_type. Failures are returned to the caller; the ingress
// loop decides how to proceed.
func (c *Client) Append(ctx context.Context, eventType string, payload []byte) error {
	c.mu.Lock()
	cm := c.cm
	c.mu.Unlock()
	if cm == nil {
		return fmt.Errorf("broker client not started")
	}

	pubCtx, cancel := context.WithTimeout(ctx, appendTimeout)
	defer cancel()

	if _, err := cm.Publish(pubCtx, &paho.Publish{
		Topic:   c.eventTopic(eventType),
		Payload: payload,
		QoS:     1,
	}); err != nil {
		return fmt.Errorf("publish event to %s: %w", c.eventTopic(eventType), err)
	}
	return nil
}

// Stop gracefully disconnects from the broker.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	cm := c.cm
	c.mu.Unlock()
	if cm == nil {
		return nil
	}
	return cm.Disconnect(ctx)
}

// --- Topic helpers ---

func (c *Client) eventTopic(eventType string) string {
	return c.cfg.Topic + "/" + eventType
}

func (c *Client) subscriptionFilter() string {
	return "$share/" + c.cfg.Group + "/" + c.cfg.Topic + "/#"
}

// subscribe sends the SUBSCRIBE packet for the shared group filter.
// Called on every (re-)connect.
func (c *Client) subscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	if c.handler == nil {
		return
	}

	filter := c.subscriptionFilter()
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{
			{Topic: filter, QoS: 1},
		},
	}); err != nil {
		c.logger.Error("broker subscribe failed", "filter", filter, "error", err)
	} else {
		c.logger.Info("subscribed to event topic", "filter", filter)
	}
}
