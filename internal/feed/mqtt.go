package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/shaunagostinho/sensorlink/internal/wire"
)

// MQTTConfig configures the MQTT feed.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	Broker      string `yaml:"broker" json:"broker"` // e.g. tcp://mosquitto:1883
	ClientID    string `yaml:"client_id" json:"clientId"`
	TopicPrefix string `yaml:"topic_prefix" json:"topicPrefix"`
	QoS         byte   `yaml:"qos" json:"qos"`
}

// MQTT publishes each reading as JSON to <prefix>/<device_id>.
type MQTT struct {
	client mqtt.Client
	prefix string
	qos    byte
}

// DialMQTT connects to the broker. The paho client reconnects on its own
// after the first successful connection.
func DialMQTT(cfg MQTTConfig) (*MQTT, error) {
	if cfg.ClientID == "" {
		cfg.ClientID = "sensorlinkd"
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "sensorlink/readings"
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(5 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Printf("[mqtt] connection lost: %v", err)
		}).
		SetOnConnectHandler(func(mqtt.Client) {
			log.Printf("[mqtt] connected to %s", cfg.Broker)
		})
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt: connect %s: %w", cfg.Broker, token.Error())
	}
	return &MQTT{client: client, prefix: cfg.TopicPrefix, qos: cfg.QoS}, nil
}

func (m *MQTT) Name() string { return "mqtt" }

// Topic returns the topic readings of deviceID are published to.
func (m *MQTT) Topic(deviceID uint32) string {
	return m.prefix + "/" + strconv.FormatUint(uint64(deviceID), 10)
}

func (m *MQTT) Publish(ctx context.Context, r wire.Reading) error {
	payload, err := json.Marshal(Message{Type: "reading", Reading: r, Stamp: time.Now().UnixMilli()})
	if err != nil {
		return err
	}
	token := m.client.Publish(m.Topic(r.DeviceID), m.qos, false, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MQTT) Close() error {
	m.client.Disconnect(250)
	return nil
}
