// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package publish

import (
	"encoding/json"
	"fmt"

	"grimm.is/flowmeter/internal/firewall"
	"grimm.is/flowmeter/internal/logging"
	"grimm.is/flowmeter/internal/meter"
	"grimm.is/flowmeter/internal/netutil"
)

// statePayload is the per-cycle sensor reading.
type statePayload struct {
	Addr      string `json:"addr"`
	MAC       string `json:"mac"`
	Name      string `json:"name"`
	Direction string `json:"direction"`
	Bytes     uint64 `json:"bytes"`
	Bandwidth uint64 `json:"bw"`
	Daily     uint64 `json:"daily"`
	Weekly    uint64 `json:"weekly"`
	Timestamp int64  `json:"ts"`
}

// discoveryPayload follows the Home Assistant MQTT discovery schema.
type discoveryPayload struct {
	Name          string          `json:"name"`
	StateTopic    string          `json:"state_topic"`
	UniqueID      string          `json:"unique_id"`
	Unit          string          `json:"unit_of_measurement"`
	ValueTemplate string          `json:"value_template"`
	Device        discoveryDevice `json:"device"`
}

// discoveryDevice groups both direction sensors under one device
// entry, keyed by the MAC.
type discoveryDevice struct {
	Identifiers []string `json:"identifiers"`
	Name        string   `json:"name"`
}

// Publisher emits one state message per reading and a retained
// discovery config the first time a MAC is seen in this process run.
// The broker's own address is never published; monitoring the monitor
// host would feed its publish traffic back into its own figures.
type Publisher struct {
	bus             Bus
	logger          *logging.Logger
	baseTopic       string
	discoveryPrefix string
	brokerHost      string
	seen            map[string]bool
}

func NewPublisher(bus Bus, baseTopic, discoveryPrefix, brokerHost string, logger *logging.Logger) *Publisher {
	return &Publisher{
		bus:             bus,
		logger:          logger,
		baseTopic:       baseTopic,
		discoveryPrefix: discoveryPrefix,
		brokerHost:      brokerHost,
		seen:            make(map[string]bool),
	}
}

// PublishReadings sends every reading, isolating failures per entry.
// A failed publish is logged and skipped; the next cycle carries fresh
// cumulative figures so nothing is lost beyond one sample.
func (p *Publisher) PublishReadings(readings []meter.Reading) {
	for _, r := range readings {
		if r.Addr == p.brokerHost {
			continue
		}
		if !p.seen[r.MAC] {
			if p.announce(r.MAC, r.Name) {
				p.seen[r.MAC] = true
			}
		}
		if err := p.publishState(r); err != nil {
			p.logger.Warn("State publish failed",
				"mac", r.MAC, "direction", r.Direction.String(), "error", err)
		}
	}
}

// announce publishes the retained discovery configs for both
// direction sensors of a MAC. Reports whether every config went out;
// a partial announce is retried next cycle.
func (p *Publisher) announce(mac, name string) bool {
	ok := true
	for _, dir := range firewall.Directions {
		objectID := fmt.Sprintf("flowmeter_%s_%s", netutil.MACKey(mac), dir)
		payload, err := json.Marshal(discoveryPayload{
			Name:          fmt.Sprintf("%s traffic %s", name, dir),
			StateTopic:    p.stateTopic(mac, dir),
			UniqueID:      objectID,
			Unit:          "B",
			ValueTemplate: "{{ value_json.bytes }}",
			Device: discoveryDevice{
				Identifiers: []string{mac},
				Name:        name,
			},
		})
		if err != nil {
			p.logger.Warn("Discovery encode failed", "mac", mac, "error", err)
			return false
		}
		topic := fmt.Sprintf("%s/sensor/%s/config", p.discoveryPrefix, objectID)
		if err := p.bus.Publish(topic, payload, true); err != nil {
			p.logger.Warn("Discovery publish failed",
				"mac", mac, "direction", dir.String(), "error", err)
			ok = false
		}
	}
	return ok
}

func (p *Publisher) publishState(r meter.Reading) error {
	payload, err := json.Marshal(statePayload{
		Addr:      r.Addr,
		MAC:       r.MAC,
		Name:      r.Name,
		Direction: r.Direction.String(),
		Bytes:     r.Bytes,
		Bandwidth: r.Bandwidth,
		Daily:     r.Daily,
		Weekly:    r.Weekly,
		Timestamp: r.SampledAt.Unix(),
	})
	if err != nil {
		return err
	}
	return p.bus.Publish(p.stateTopic(r.MAC, r.Direction), payload, false)
}

func (p *Publisher) stateTopic(mac string, dir firewall.Direction) string {
	return fmt.Sprintf("%s/%s/%s", p.baseTopic, netutil.MACKey(mac), dir)
}
