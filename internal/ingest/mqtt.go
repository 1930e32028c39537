package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/breeze-home/sync-server/internal/config"
	"github.com/breeze-home/sync-server/internal/logger"
	"github.com/breeze-home/sync-server/internal/metrics"
	"github.com/breeze-home/sync-server/pkg/types"
)

const publishTimeout = 2 * time.Second

// Client wraps the paho MQTT connection: it subscribes the router to the
// device topic tree and publishes control events upstream. Reconnection is
// handled by paho with a fixed retry interval; subscriptions are restored
// by the OnConnect handler.
type Client struct {
	cfg    config.MQTTConfig
	router *Router
	m      *metrics.Metrics

	client mqtt.Client

	readyOnce sync.Once
	ready     chan struct{}
}

// NewClient builds a client around the router. Connect must be called
// before publishing.
func NewClient(cfg config.MQTTConfig, router *Router, m *metrics.Metrics) *Client {
	c := &Client{
		cfg:    cfg,
		router: router,
		m:      m,
		ready:  make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", cfg.Broker))
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(time.Duration(cfg.RetryInterval) * time.Second)
	opts.SetOrderMatters(false)

	opts.OnConnect = func(cl mqtt.Client) {
		logger.Info("MQTT", "Connected to broker %s", cfg.Broker)
		c.subscribe(cl)
		// Readiness is signalled by the connect event itself, not by
		// polling a connection flag.
		c.readyOnce.Do(func() { close(c.ready) })
	}
	opts.OnConnectionLost = func(cl mqtt.Client, err error) {
		logger.Warn("MQTT", "Connection lost, reconnecting: %v", err)
	}

	c.client = mqtt.NewClient(opts)
	return c
}

// Connect starts the connection attempt. The broker may not be reachable
// yet; use WaitReady to block until the first successful connect.
func (c *Client) Connect() error {
	token := c.client.Connect()
	if !token.WaitTimeout(time.Duration(c.cfg.ConnectTimeout) * time.Second) {
		// Retry keeps running in the background; the caller decides how
		// long to wait via WaitReady.
		return nil
	}
	return token.Error()
}

// WaitReady blocks until the transport has connected once, the context is
// cancelled, or the deadline passes.
func (c *Client) WaitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for mqtt connection: %w", ctx.Err())
	}
}

func (c *Client) subscribe(cl mqtt.Client) {
	filters := map[string]byte{
		c.cfg.TopicPrefix + "/+/streams/+":    0,
		c.cfg.TopicPrefix + "/+/interphone/+": 0,
		c.cfg.TopicPrefix + "/+/discovery":    0,
		c.cfg.TopicPrefix + "/+/status":       0,
		c.cfg.TopicPrefix + "/+/state":        0,
	}

	token := cl.SubscribeMultiple(filters, func(_ mqtt.Client, msg mqtt.Message) {
		c.router.HandleMessage(msg.Topic(), msg.Payload())
	})
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			logger.Error("MQTT", "Subscribe timeout")
			return
		}
		if err := token.Error(); err != nil {
			logger.Error("MQTT", "Subscribe failed: %v", err)
			return
		}
		logger.Info("MQTT", "Subscribed to %d topic filters under %s", len(filters), c.cfg.TopicPrefix)
	}()
}

// PublishCallEvent publishes a control event to the device's interphone
// control topic. Fire-and-forget: a disconnected transport is reported as
// an error, delivery failures are logged off the hot path, and the caller
// is never blocked.
func (c *Client) PublishCallEvent(ev types.CallEvent) error {
	if !c.client.IsConnected() {
		return fmt.Errorf("mqtt not connected")
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal call event: %w", err)
	}

	topic := fmt.Sprintf("%s/%s/interphone/control", c.cfg.TopicPrefix, ev.DeviceID)
	token := c.client.Publish(topic, 0, false, payload)
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			if c.m != nil {
				c.m.PublishErrors.Add(1)
			}
			logger.Warn("MQTT", "Publish timeout on %s", topic)
			return
		}
		if err := token.Error(); err != nil {
			if c.m != nil {
				c.m.PublishErrors.Add(1)
			}
			logger.Warn("MQTT", "Publish failed on %s: %v", topic, err)
		}
	}()
	return nil
}

// Disconnect closes the connection with a short grace period.
func (c *Client) Disconnect() {
	if c.client.IsConnected() {
		c.client.Disconnect(250)
		logger.Info("MQTT", "Disconnected")
	}
}
