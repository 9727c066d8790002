// Package mqtt wraps the paho client with device credentials, TLS setup and
// per-subscription handlers.
package mqtt

import (
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/golang/glog"
	"github.com/iot-go-sdk/fwupdate/pkg/auth"
	"github.com/iot-go-sdk/fwupdate/pkg/config"
)

type MessageHandler func(topic string, payload []byte)

type Client struct {
	config     *config.Config
	mqttClient mqtt.Client
	connected  bool
	mutex      sync.RWMutex
	handlers   map[string]MessageHandler
}

func NewClient(cfg *config.Config) *Client {
	return &Client{
		config:   cfg,
		handlers: make(map[string]MessageHandler),
	}
}

// Broker returns the broker URL derived from the configuration.
func (c *Client) Broker() string {
	scheme := "tcp"
	if c.config.MQTT.UseTLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.config.MQTT.Host, c.config.MQTT.Port)
}

func (c *Client) options() (*mqtt.ClientOptions, error) {
	d := c.config.Device
	if d.ProductKey == "" || d.DeviceName == "" || d.DeviceSecret == "" {
		return nil, fmt.Errorf("product key, device name and device secret are required")
	}

	credentials := auth.NewCredentials(d.ProductKey, d.DeviceName, d.DeviceSecret, c.config.GetSecureMode())
	glog.V(1).Infof("MQTT client ID: %s", credentials.ClientID)

	opts := mqtt.NewClientOptions()
	if c.config.MQTT.UseTLS {
		tlsConfig, err := NewTLSConfig(&c.config.TLS)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.AddBroker(c.Broker())
	opts.SetClientID(credentials.ClientID)
	opts.SetUsername(credentials.Username)
	opts.SetPassword(credentials.Password)
	opts.SetKeepAlive(c.config.MQTT.KeepAlive)
	opts.SetCleanSession(c.config.MQTT.CleanSession)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.SetDefaultPublishHandler(c.defaultMessageHandler)
	opts.SetConnectionLostHandler(c.connectionLostHandler)
	opts.SetOnConnectHandler(c.onConnectHandler)
	opts.SetReconnectingHandler(c.reconnectingHandler)
	return opts, nil
}

func (c *Client) Connect() error {
	opts, err := c.options()
	if err != nil {
		return fmt.Errorf("invalid MQTT configuration: %w", err)
	}

	c.mqttClient = mqtt.NewClient(opts)

	token := c.mqttClient.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect: %w", token.Error())
	}

	c.mutex.Lock()
	c.connected = true
	c.mutex.Unlock()

	glog.Infof("Connected to MQTT broker: %s", c.Broker())
	return nil
}

func (c *Client) Disconnect() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.mqttClient != nil && c.connected {
		c.mqttClient.Disconnect(250)
		c.connected = false
		glog.Info("Disconnected from MQTT broker")
	}
}

func (c *Client) IsConnected() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.connected && c.mqttClient != nil && c.mqttClient.IsConnected()
}

func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if !c.IsConnected() {
		return fmt.Errorf("client is not connected")
	}

	token := c.mqttClient.Publish(topic, qos, retained, payload)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish message: %w", token.Error())
	}

	glog.V(1).Infof("Published message to topic: %s", topic)
	return nil
}

// Subscribe registers handler for topic. The topic may contain wildcards;
// the handler receives the concrete topic of each message.
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if !c.IsConnected() {
		return fmt.Errorf("client is not connected")
	}

	c.mutex.Lock()
	c.handlers[topic] = handler
	c.mutex.Unlock()

	token := c.mqttClient.Subscribe(topic, qos, func(client mqtt.Client, msg mqtt.Message) {
		c.mutex.RLock()
		h, exists := c.handlers[topic]
		c.mutex.RUnlock()
		if exists {
			h(msg.Topic(), msg.Payload())
		}
	})

	if token.Wait() && token.Error() != nil {
		c.mutex.Lock()
		delete(c.handlers, topic)
		c.mutex.Unlock()
		return fmt.Errorf("failed to subscribe to topic: %w", token.Error())
	}

	glog.Infof("Subscribed to topic: %s", topic)
	return nil
}

func (c *Client) Unsubscribe(topic string) error {
	if !c.IsConnected() {
		return fmt.Errorf("client is not connected")
	}

	token := c.mqttClient.Unsubscribe(topic)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to unsubscribe from topic: %w", token.Error())
	}

	c.mutex.Lock()
	delete(c.handlers, topic)
	c.mutex.Unlock()

	glog.Infof("Unsubscribed from topic: %s", topic)
	return nil
}

func (c *Client) defaultMessageHandler(client mqtt.Client, msg mqtt.Message) {
	glog.V(1).Infof("Received message on topic %s: %s", msg.Topic(), msg.Payload())
}

func (c *Client) connectionLostHandler(client mqtt.Client, err error) {
	c.mutex.Lock()
	c.connected = false
	c.mutex.Unlock()
	glog.Warningf("Connection lost: %v", err)
}

func (c *Client) onConnectHandler(client mqtt.Client) {
	c.mutex.Lock()
	c.connected = true
	c.mutex.Unlock()
	glog.Info("Connected to MQTT broker")
}

func (c *Client) reconnectingHandler(client mqtt.Client, opts *mqtt.ClientOptions) {
	glog.Info("Attempting to reconnect to MQTT broker...")
}
