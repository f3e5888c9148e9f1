// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package publish pushes per-device traffic state to an MQTT bus,
// announcing each device once per run with a retained discovery
// config so a Home Assistant instance picks the sensors up on its own.
package publish

import (
	"fmt"
	"net"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"grimm.is/flowmeter/internal/config"
	"grimm.is/flowmeter/internal/errors"
)

// Bus is the minimal broker surface the Publisher needs.
type Bus interface {
	Publish(topic string, payload []byte, retained bool) error
}

// MQTTBus is a Bus over an eclipse/paho client.
type MQTTBus struct {
	client mqtt.Client
}

// ConnectMQTT dials the configured broker and blocks until the
// connection is up or fails.
func ConnectMQTT(broker *config.Broker) (*MQTTBus, error) {
	host := broker.Address
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, strconv.Itoa(broker.Port))
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s", host)).
		SetClientID(broker.ClientID).
		SetConnectTimeout(10 * time.Second).
		SetAutoReconnect(true)
	if broker.Username != "" {
		opts.SetUsername(broker.Username)
		opts.SetPassword(broker.Password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, errors.Wrapf(err, errors.KindTransport, "connect to broker %s", host)
	}
	return &MQTTBus{client: client}, nil
}

// Publish sends one message at QoS 0 and waits for the client to hand
// it off. Delivery is at most once; the next cycle republishes anyway.
func (b *MQTTBus) Publish(topic string, payload []byte, retained bool) error {
	token := b.client.Publish(topic, 0, retained, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return errors.Wrapf(err, errors.KindTransport, "publish to %s", topic)
	}
	return nil
}

// Close disconnects from the broker, allowing a short drain.
func (b *MQTTBus) Close() {
	b.client.Disconnect(250)
}
