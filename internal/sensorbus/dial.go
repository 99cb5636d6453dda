package sensorbus

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// DialConfig holds the broker connection settings.
type DialConfig struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	ConnectTimeout time.Duration
}

// Dial connects to the broker and subscribes bus on every (re)connect.
func Dial(cfg DialConfig, bus *Bus) (mqtt.Client, error) {
	client := mqtt.NewClient(clientOptions(cfg, bus))
	if tok := client.Connect(); tok.Wait() && tok.Error() != nil {
		return nil, fmt.Errorf("connecting to MQTT broker %s: %w", cfg.BrokerURL, tok.Error())
	}
	return client, nil
}

func clientOptions(cfg DialConfig, bus *Bus) *mqtt.ClientOptions {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetConnectTimeout(cfg.ConnectTimeout)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		if err := bus.Subscribe(c); err != nil {
			bus.logger.Error("sensor bus subscribe failed", "error", err)
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		bus.logger.Warn("sensor bus connection lost", "error", err)
	})
	return opts
}
