// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

// Package mqtt connects device signal caches to an MQTT broker.
package mqtt

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/riclolsen/go-serialcmd/clog"
)

const (
	defaultQoS     = 0
	publishTimeout = 5 * time.Second
	connectTimeout = 5 * time.Second
)

// Client is the broker connection used by a Bridge.
type Client interface {
	Subscribe(topic string, qos byte, callback MessageHandler) error
	Publish(topic string, retained bool, msg any) error
	Disconnect()
}

// MessageHandler receives messages of a subscription.
type MessageHandler func(Client, Message)

// Message is a received message. paho.Message satisfies it.
type Message interface {
	Topic() string
	MessageID() uint16
	Payload() []byte
	Ack()
}

// ClientOptions configure a PahoClient.
type ClientOptions struct {
	Broker   string
	ClientID string
	Username string
	Password string
}

type subscription struct {
	topic    string
	qos      byte
	callback MessageHandler
}

// PahoClient is a Client on the Eclipse Paho library. Subscriptions are
// restored after every reconnect.
type PahoClient struct {
	client        paho.Client
	mu            sync.RWMutex
	subscriptions map[string]subscription
	clog.Clog
}

var _ Client = (*PahoClient)(nil)

// NewPahoClient connects to the broker in opts.
func NewPahoClient(opts ClientOptions) (*PahoClient, error) {
	c := &PahoClient{
		subscriptions: make(map[string]subscription),
		Clog:          clog.NewLogger(fmt.Sprintf("mqtt [%s] => ", opts.Broker)),
	}
	c.Clog.LogMode(true)

	pahoOpts := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetOnConnectHandler(func(client paho.Client) {
			c.Info("Connected to broker")
			c.resubscribeAll(client)
		}).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			c.Error("Connection to broker lost: %v", err)
		}).
		SetAutoReconnect(true).
		SetKeepAlive(10 * time.Second).
		SetConnectTimeout(connectTimeout)

	client := paho.NewClient(pahoOpts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("connecting to %s: timeout", opts.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", opts.Broker, err)
	}
	c.client = client
	return c, nil
}

func (c *PahoClient) resubscribeAll(client paho.Client) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for topic, sub := range c.subscriptions {
		token := client.Subscribe(sub.topic, sub.qos, c.wrap(sub.callback))
		token.WaitTimeout(publishTimeout)
		if err := token.Error(); err != nil {
			c.Error("Restoring subscription %s failed: %v", topic, err)
		}
	}
}

func (c *PahoClient) wrap(callback MessageHandler) paho.MessageHandler {
	return func(_ paho.Client, msg paho.Message) {
		callback(c, msg)
	}
}

// Subscribe subscribes to topic and remembers it for reconnects.
func (c *PahoClient) Subscribe(topic string, qos byte, callback MessageHandler) error {
	c.mu.Lock()
	c.subscriptions[topic] = subscription{topic: topic, qos: qos, callback: callback}
	c.mu.Unlock()

	token := c.client.Subscribe(topic, qos, c.wrap(callback))
	token.WaitTimeout(publishTimeout)
	if err := token.Error(); err != nil {
		c.mu.Lock()
		delete(c.subscriptions, topic)
		c.mu.Unlock()
		return fmt.Errorf("subscribing to topic %s: %w", topic, err)
	}
	c.Info("Subscribed to %s", topic)
	return nil
}

// Publish sends msg as JSON.
func (c *PahoClient) Publish(topic string, retained bool, msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}
	token := c.client.Publish(topic, defaultQoS, retained, payload)
	token.WaitTimeout(publishTimeout)
	if err := token.Error(); err != nil {
		return fmt.Errorf("publishing to topic %s: %w", topic, err)
	}
	return nil
}

// Disconnect drops all subscriptions and closes the connection.
func (c *PahoClient) Disconnect() {
	c.mu.Lock()
	c.subscriptions = make(map[string]subscription)
	c.mu.Unlock()
	c.client.Disconnect(uint(publishTimeout / time.Millisecond))
}
