// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package mqttclient is a thin paho.golang adapter satisfying
// protocol.MqttClient. It's deliberately minimal: a single TCP connection,
// no reconnect or session-resume logic. It exists to let the sample app and
// integration tests talk to a real MQTT v5 broker; it is not a supported
// client surface in its own right.
package mqttclient

import (
	"context"
	"net"
	"sync"

	"github.com/aio-protocol/rpcruntime/internal/mqtt"
	"github.com/eclipse/paho.golang/paho"
)

// Client wraps a paho.Client connected over a single TCP socket.
type Client struct {
	client *paho.Client
	id     string

	handlers []mqtt.MessageHandler
	mu       sync.RWMutex
}

// Dial connects a new client to addr ("host:port") with the given MQTT
// client ID and returns it once the CONNACK is received.
func Dial(ctx context.Context, addr, clientID string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	c := &Client{id: clientID}
	c.client = paho.NewClient(paho.ClientConfig{
		ClientID:                   clientID,
		EnableManualAcknowledgment: true,
		Conn:                       conn,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			c.onPublishReceived(ctx),
		},
	})

	if _, err := c.client.Connect(ctx, &paho.Connect{
		ClientID:  clientID,
		KeepAlive: 30,
	}); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) onPublishReceived(
	ctx context.Context,
) func(paho.PublishReceived) (bool, error) {
	return func(pub paho.PublishReceived) (bool, error) {
		c.mu.RLock()
		handlers := append([]mqtt.MessageHandler{}, c.handlers...)
		c.mu.RUnlock()

		p := pub.Packet
		prop := p.Properties

		var expiry uint32
		if prop.MessageExpiry != nil {
			expiry = *prop.MessageExpiry
		}
		var format byte
		if prop.PayloadFormat != nil {
			format = *prop.PayloadFormat
		}

		msg := &mqtt.Message{
			Topic:   p.Topic,
			Payload: p.Payload,
			PublishOptions: mqtt.PublishOptions{
				ContentType:     prop.ContentType,
				CorrelationData: prop.CorrelationData,
				MessageExpiry:   expiry,
				PayloadFormat:   format,
				QoS:             p.QoS,
				ResponseTopic:   prop.ResponseTopic,
				Retain:          p.Retain,
				UserProperties:  userPropertiesToMap(prop.User),
			},
			Ack: func() error { return c.client.Ack(p) },
		}

		for _, handle := range handlers {
			handle(ctx, msg)
		}
		return true, nil
	}
}

// ID returns the client's MQTT client ID.
func (c *Client) ID() string { return c.id }

// RegisterMessageHandler registers handler to receive every inbound
// message. The returned function unregisters it.
func (c *Client) RegisterMessageHandler(handler mqtt.MessageHandler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := len(c.handlers)
	c.handlers = append(c.handlers, handler)

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.handlers[id] = func(context.Context, *mqtt.Message) {}
	}
}

// Publish sends a PUBLISH packet and returns its ack (nil for QoS 0).
func (c *Client) Publish(
	ctx context.Context,
	topic string,
	payload []byte,
	opts ...mqtt.PublishOption,
) (*mqtt.Ack, error) {
	var o mqtt.PublishOptions
	o.Apply(opts)

	_, err := c.client.Publish(ctx, &paho.Publish{
		QoS:     o.QoS,
		Retain:  o.Retain,
		Topic:   topic,
		Payload: payload,
		Properties: &paho.PublishProperties{
			CorrelationData: o.CorrelationData,
			ContentType:     o.ContentType,
			ResponseTopic:   o.ResponseTopic,
			PayloadFormat:   &o.PayloadFormat,
			MessageExpiry:   &o.MessageExpiry,
			User:            mapToUserProperties(o.UserProperties),
		},
	})
	if err != nil {
		return nil, err
	}

	if o.QoS == 1 {
		return &mqtt.Ack{}, nil
	}
	return nil, nil
}

// Subscribe issues a SUBSCRIBE for topic.
func (c *Client) Subscribe(
	ctx context.Context,
	topic string,
	opts ...mqtt.SubscribeOption,
) (*mqtt.Ack, error) {
	var o mqtt.SubscribeOptions
	o.Apply(opts)

	_, err := c.client.Subscribe(ctx, &paho.Subscribe{
		Properties: &paho.SubscribeProperties{
			User: mapToUserProperties(o.UserProperties),
		},
		Subscriptions: []paho.SubscribeOptions{{
			Topic:   topic,
			QoS:     o.QoS,
			NoLocal: o.NoLocal,
		}},
	})
	if err != nil {
		return nil, err
	}
	return &mqtt.Ack{}, nil
}

// Unsubscribe issues an UNSUBSCRIBE for topic.
func (c *Client) Unsubscribe(
	ctx context.Context,
	topic string,
	opts ...mqtt.UnsubscribeOption,
) (*mqtt.Ack, error) {
	var o mqtt.UnsubscribeOptions
	o.Apply(opts)

	unsub := &paho.Unsubscribe{Topics: []string{topic}}
	if len(o.UserProperties) != 0 {
		unsub.Properties = &paho.UnsubscribeProperties{
			User: mapToUserProperties(o.UserProperties),
		}
	}

	if _, err := c.client.Unsubscribe(ctx, unsub); err != nil {
		return nil, err
	}
	return &mqtt.Ack{}, nil
}

func userPropertiesToMap(ups paho.UserProperties) map[string]string {
	m := make(map[string]string, len(ups))
	for _, prop := range ups {
		m[prop.Key] = prop.Value
	}
	return m
}

func mapToUserProperties(m map[string]string) paho.UserProperties {
	ups := make(paho.UserProperties, 0, len(m))
	for key, value := range m {
		ups = append(ups, paho.UserProperty{Key: key, Value: value})
	}
	return ups
}
