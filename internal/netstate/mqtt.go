package netstate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTClient is the subset of the paho client used here, so tests can fake it.
type MQTTClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
}

// MQTTConfig configures the broker-session observer.
type MQTTConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	ClientID string
	// Topic receives a retained "online" on connect and "offline" as the
	// last will. Empty disables presence publishing.
	Topic string
}

// MQTT treats the broker session as the connectivity signal: connected means
// online, a lost or reconnecting session means offline.
type MQTT struct {
	hub
	cfg     MQTTConfig
	logger  *slog.Logger
	factory func(opts *mqtt.ClientOptions) MQTTClient

	mu     sync.RWMutex
	client MQTTClient
	online bool
}

// NewMQTT creates an observer using the real paho client.
func NewMQTT(cfg MQTTConfig, logger *slog.Logger) *MQTT {
	return NewMQTTWithClient(cfg, logger, func(opts *mqtt.ClientOptions) MQTTClient {
		return mqtt.NewClient(opts)
	})
}

// NewMQTTWithClient creates an observer with a custom client factory (for testing).
func NewMQTTWithClient(cfg MQTTConfig, logger *slog.Logger, factory func(*mqtt.ClientOptions) MQTTClient) *MQTT {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("storesync-%d", time.Now().UnixNano())
	}
	return &MQTT{
		cfg:     cfg,
		logger:  logger.With("component", "netstate", "observer", "mqtt"),
		factory: factory,
	}
}

// Start configures the client and begins connecting. A broker that is not
// reachable yet is not an error: paho keeps retrying and the observer stays
// offline until the session comes up.
func (m *MQTT) Start(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	brokerURL := fmt.Sprintf("tcp://%s:%d", m.cfg.Host, m.cfg.Port)
	opts.AddBroker(brokerURL)
	opts.SetClientID(m.cfg.ClientID)
	if m.cfg.Username != "" {
		opts.SetUsername(m.cfg.Username)
		opts.SetPassword(m.cfg.Password)
	}

	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	if m.cfg.Topic != "" {
		opts.SetWill(m.cfg.Topic, "offline", 1, true)
	}

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		m.logger.Info("mqtt session up")
		m.set(true)
		m.publishPresence("online")
	})
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		m.logger.Warn("mqtt connection lost", "error", err)
		m.set(false)
	})
	opts.SetReconnectingHandler(func(c mqtt.Client, _ *mqtt.ClientOptions) {
		m.set(false)
	})

	client := m.factory(opts)
	m.mu.Lock()
	m.client = client
	m.mu.Unlock()

	m.logger.Info("connecting to mqtt broker", "broker", brokerURL)
	token := client.Connect()
	go func() {
		select {
		case <-token.Done():
			if err := token.Error(); err != nil {
				m.logger.Warn("mqtt connect failed", "error", err)
			}
		case <-ctx.Done():
		}
	}()
	return nil
}

// Stop disconnects from the broker.
func (m *MQTT) Stop() {
	m.mu.RLock()
	client := m.client
	m.mu.RUnlock()

	if client != nil && client.IsConnected() {
		m.publishPresence("offline")
		client.Disconnect(250)
	}
	m.set(false)
}

func (m *MQTT) Online(context.Context) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.client == nil {
		return false
	}
	return m.online && m.client.IsConnected()
}

func (m *MQTT) set(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	m.mu.Unlock()

	if changed {
		m.notify(online)
	}
}

func (m *MQTT) publishPresence(state string) {
	if m.cfg.Topic == "" {
		return
	}
	m.mu.RLock()
	client := m.client
	m.mu.RUnlock()
	if client == nil {
		return
	}

	token := client.Publish(m.cfg.Topic, 1, true, state)
	if !token.WaitTimeout(5 * time.Second) {
		m.logger.Warn("presence publish timeout", "topic", m.cfg.Topic)
		return
	}
	if err := token.Error(); err != nil {
		m.logger.Warn("presence publish failed", "topic", m.cfg.Topic, "error", err)
	}
}
