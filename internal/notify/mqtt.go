package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const mqttPublishTimeout = 5 * time.Second

// MQTTConfig selects the broker and topic notifications are published to.
type MQTTConfig struct {
	Broker   string
	Topic    string
	ClientID string
}

// MQTTNotifier publishes notifications as JSON messages
// {"title":..., "body":..., "time":...} to a topic.
type MQTTNotifier struct {
	client mqtt.Client
	topic  string
	logger *slog.Logger
}

func NewMQTTNotifier(cfg MQTTConfig, logger *slog.Logger) (*MQTTNotifier, error) {
	if cfg.Broker == "" || cfg.Topic == "" {
		return nil, fmt.Errorf("mqtt: broker and topic are required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "offline0-" + uuid.NewString()[:8]
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetCleanSession(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "broker", cfg.Broker, "error", err)
	})

	client := mqtt.NewClient(opts)
	// with ConnectRetry the token completes once the first attempt is made;
	// publishes are buffered until the broker is reachable
	client.Connect()

	return &MQTTNotifier{client: client, topic: cfg.Topic, logger: logger}, nil
}

func (n *MQTTNotifier) Notify(title, body string) {
	payload, err := json.Marshal(struct {
		Title string    `json:"title"`
		Body  string    `json:"body"`
		Time  time.Time `json:"time"`
	}{title, body, time.Now().UTC()})
	if err != nil {
		return
	}
	token := n.client.Publish(n.topic, 1, false, payload)
	go func() {
		if !token.WaitTimeout(mqttPublishTimeout) {
			n.logger.Warn("mqtt publish timed out", "topic", n.topic)
			return
		}
		if err := token.Error(); err != nil {
			n.logger.Warn("mqtt publish failed", "topic", n.topic, "error", err)
		}
	}()
}

func (n *MQTTNotifier) Close() error {
	n.client.Disconnect(250)
	return nil
}
