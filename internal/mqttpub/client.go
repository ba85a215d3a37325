package mqttpub

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/micro-ha/audiconnect/addon/internal/model"
)

const (
	keepAlive      = 30
	connectTimeout = 10 * time.Second
)

// Client is a reconnecting MQTT connection used only for publishing.
type Client struct {
	cfg    model.MQTTConfig
	logger *slog.Logger
	cm     *autopaho.ConnectionManager
}

func NewClient(cfg model.MQTTConfig, logger *slog.Logger) (*Client, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("mqtt broker url is required")
	}
	if _, err := url.Parse(cfg.BrokerURL); err != nil {
		return nil, fmt.Errorf("invalid mqtt broker url: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, logger: logger}, nil
}

// Start connects in the background; autopaho keeps reconnecting until ctx
// is done.
func (c *Client) Start(ctx context.Context) error {
	brokerURL, _ := url.Parse(c.cfg.BrokerURL)

	cfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL},
		KeepAlive:                     keepAlive,
		CleanStartOnInitialConnection: true,
		ReconnectBackoff:              autopaho.NewConstantBackoff(3 * time.Second),
		ConnectTimeout:                connectTimeout,
		ConnectUsername:               c.cfg.Username,
		ConnectPassword:               []byte(c.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   BridgeTopic(c.cfg.TopicPrefix),
			Payload: []byte(AvailabilityOffline),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.logger.Info("mqtt connection established", "broker", c.cfg.BrokerURL)
			ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
			defer cancel()
			if _, err := cm.Publish(ctx, &paho.Publish{
				Topic:   BridgeTopic(c.cfg.TopicPrefix),
				QoS:     1,
				Retain:  true,
				Payload: []byte(AvailabilityOnline),
			}); err != nil {
				c.logger.Warn("mqtt bridge availability publish failed", "err", err)
			}
		},
		OnConnectError: func(err error) {
			c.logger.Warn("mqtt connection failed, retrying", "err", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: c.cfg.ClientID,
			OnClientError: func(err error) {
				c.logger.Error("mqtt client error", "err", err)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				reason := ""
				if d.Properties != nil {
					reason = d.Properties.ReasonString
				}
				c.logger.Warn("mqtt server requested disconnect", "reason", reason)
			},
		},
	}

	cm, err := autopaho.NewConnection(ctx, cfg)
	if err != nil {
		return err
	}
	c.cm = cm
	return nil
}

func (c *Client) Publish(ctx context.Context, topic string, retain bool, payload []byte) error {
	if c.cm == nil {
		return fmt.Errorf("mqtt client not started")
	}
	if err := c.cm.AwaitConnection(ctx); err != nil {
		return err
	}
	_, err := c.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     1,
		Retain:  retain,
		Payload: payload,
	})
	return err
}

func (c *Client) Disconnect(ctx context.Context) {
	if c.cm == nil {
		return
	}
	_ = c.Publish(ctx, BridgeTopic(c.cfg.TopicPrefix), true, []byte(AvailabilityOffline))
	_ = c.cm.Disconnect(ctx)
	c.logger.Info("mqtt client disconnected")
}
