// internal/events/mqtt.go
package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/colebrumley/pmaticmgr/internal/trigger"
)

const (
	mqttConnectTimeout    = 10 * time.Second
	mqttKeepAlive         = 60 * time.Second
	mqttDisconnectQuiesce = 250 // milliseconds
)

// MQTTOptions configures an MQTTSource.
type MQTTOptions struct {
	Broker         string // tcp://host:1883
	ClientID       string
	Username       string
	Password       string
	TopicPrefix    string
	QoS            byte
	MaxReconnect   time.Duration
	ConnectTimeout time.Duration
}

// MQTTSource subscribes to <prefix>/<device>/<channel>/<param> and turns each
// message into a notification. paho handles reconnects; every successful
// (re)connect resubscribes and reports Connected first.
type MQTTSource struct {
	opts   MQTTOptions
	logger *slog.Logger
}

func NewMQTTSource(opts MQTTOptions, logger *slog.Logger) *MQTTSource {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = mqttConnectTimeout
	}
	if opts.MaxReconnect <= 0 {
		opts.MaxReconnect = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTSource{opts: opts, logger: logger}
}

func (s *MQTTSource) Name() string { return "mqtt" }

func (s *MQTTSource) Run(ctx context.Context, sink Sink) error {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(s.opts.Broker)
	opts.SetClientID(s.opts.ClientID)
	if s.opts.Username != "" {
		opts.SetUsername(s.opts.Username)
		opts.SetPassword(s.opts.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetMaxReconnectInterval(s.opts.MaxReconnect)
	opts.SetConnectTimeout(s.opts.ConnectTimeout)
	opts.SetKeepAlive(mqttKeepAlive)

	topic := s.opts.TopicPrefix + "/#"
	if s.opts.TopicPrefix == "" {
		topic = "#"
	}

	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		sink.Connected(s.Name())
		tok := c.Subscribe(topic, s.opts.QoS, func(_ pahomqtt.Client, msg pahomqtt.Message) {
			s.handle(sink, msg.Topic(), msg.Payload())
		})
		go func() {
			if tok.WaitTimeout(s.opts.ConnectTimeout) && tok.Error() != nil {
				s.logger.Error("mqtt subscribe failed", "topic", topic, "error", tok.Error())
			}
		}()
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		sink.Disconnected(s.Name(), fmt.Errorf("%w: %v", ErrDisconnected, err))
	})

	client := pahomqtt.NewClient(opts)
	// With ConnectRetry the token only completes once connected or when the
	// client is disconnected, so it is never waited on directly.
	client.Connect()

	<-ctx.Done()
	client.Disconnect(mqttDisconnectQuiesce)
	return nil
}

func (s *MQTTSource) handle(sink Sink, topic string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in mqtt handler", "topic", topic, "panic", r)
		}
	}()

	device, channel, param, err := parseTopic(s.opts.TopicPrefix, topic)
	if err != nil {
		s.logger.Debug("ignoring mqtt message", "topic", topic, "error", err)
		return
	}
	vp, err := decodeValue(payload)
	if err != nil {
		s.logger.Warn("ignoring mqtt message", "topic", topic, "error", err)
		return
	}
	sink.Notify(s.Name(), trigger.Notification{
		DeviceID:  device,
		Channel:   channel,
		Param:     param,
		Value:     vp.Value,
		IsChange:  vp.IsChange,
		Timestamp: vp.Timestamp,
	})
}
