// Package telemetry publishes console activity to an MQTT broker so
// external monitoring can follow command traffic without polling the
// REST API.
package telemetry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/adjutant-project/adjutant/internal/config"
	"github.com/adjutant-project/adjutant/internal/events"
	"github.com/adjutant-project/adjutant/internal/util"
)

// Topic suffixes under the configured base topic.
const (
	TopicSession  = "session"
	TopicCommand  = "command"
	TopicWatch    = "watch"
	TopicListener = "listener"
	TopicAdmin    = "admin"
)

// MQTTHandler manages the MQTT connection and publishes telemetry
// for the events flowing through the bus.
type MQTTHandler struct {
	mu sync.Mutex

	cfg      *config.Config
	eventBus *events.Bus
	client   mqtt.Client

	baseTopic string

	// Metadata included in every message
	metadata map[string]interface{}
}

// NewMQTTHandler creates a new MQTT telemetry handler.
func NewMQTTHandler(cfg *config.Config, eventBus *events.Bus) (*MQTTHandler, error) {
	mqttCfg := cfg.GetApplicationData().MQTT

	if !mqttCfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}

	sysInfo := util.GetSystemInfo()
	metadata := map[string]interface{}{
		"hostname":    sysInfo.Hostname,
		"platform":    sysInfo.Platform,
		"app":         "adjutant",
		"app_version": "1.0.0",
	}

	baseTopic := mqttCfg.BaseTopic
	if baseTopic == "" {
		baseTopic = "adjutant"
	}

	handler := &MQTTHandler{
		cfg:       cfg,
		eventBus:  eventBus,
		baseTopic: baseTopic,
		metadata:  metadata,
	}

	// Configure MQTT client
	opts := mqtt.NewClientOptions()
	scheme := "tcp"
	if mqttCfg.UseTLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, mqttCfg.BrokerURL, mqttCfg.Port))

	if mqttCfg.ClientID != "" {
		opts.SetClientID(mqttCfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("adjutant-%s", sysInfo.Hostname))
	}
	if mqttCfg.Username != "" {
		opts.SetUsername(mqttCfg.Username)
		opts.SetPassword(mqttCfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(false)

	if mqttCfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{
			MinVersion: tls.VersionTLS12,
		})
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
	})

	handler.client = mqtt.NewClient(opts)

	return handler, nil
}

// Start connects to the MQTT broker, subscribes to bus events and
// blocks until ctx is cancelled.
func (h *MQTTHandler) Start(ctx context.Context) error {
	mqttCfg := h.cfg.GetApplicationData().MQTT
	log.Info().
		Str("broker", mqttCfg.BrokerURL).
		Int("port", mqttCfg.Port).
		Str("base_topic", h.baseTopic).
		Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.subscribeEvents()

	<-ctx.Done()

	h.PublishShutdown()
	h.client.Disconnect(5000)
	log.Info().Msg("MQTT disconnected")

	return nil
}

// subscribeEvents registers event handlers for MQTT publishing.
func (h *MQTTHandler) subscribeEvents() {
	bus := h.eventBus

	bus.Subscribe(events.EventSessionConnected, "mqtt.sessionConnected", h.onSession)
	bus.Subscribe(events.EventSessionClosed, "mqtt.sessionClosed", h.onSession)
	bus.Subscribe(events.EventSessionFailed, "mqtt.sessionFailed", h.onSession)
	bus.Subscribe(events.EventCommandExecuted, "mqtt.commandExecuted", h.onCommand)
	bus.Subscribe(events.EventCommandFailed, "mqtt.commandFailed", h.onCommand)
	bus.Subscribe(events.EventWatchResult, "mqtt.watchResult", h.onWatch)
	bus.Subscribe(events.EventListenerPacket, "mqtt.listenerPacket", h.onListener)
}

// topic joins the base topic with a suffix.
func (h *MQTTHandler) topic(suffix string) string {
	return h.baseTopic + "/" + suffix
}

// publish sends a JSON message to an MQTT topic.
func (h *MQTTHandler) publish(suffix string, eventType events.EventType, payload interface{}) {
	if !h.client.IsConnected() {
		return
	}

	msg := h.buildMessage(eventType, payload)
	data, err := json.Marshal(msg)
	if err != nil {
		log.Warn().Err(err).Str("topic", h.topic(suffix)).Msg("failed to marshal MQTT message")
		return
	}

	token := h.client.Publish(h.topic(suffix), 1, false, data) // QoS 1
	go func() {
		token.Wait()
		if token.Error() != nil {
			log.Warn().Err(token.Error()).Str("topic", h.topic(suffix)).Msg("MQTT publish failed")
		}
	}()
}

// buildMessage combines metadata with the event payload.
func (h *MQTTHandler) buildMessage(eventType events.EventType, payload interface{}) map[string]interface{} {
	msg := make(map[string]interface{})

	for k, v := range h.metadata {
		msg[k] = v
	}
	msg["event"] = string(eventType)
	msg["payload"] = payload
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)

	return msg
}

// Event handlers

func (h *MQTTHandler) onSession(ctx context.Context, event events.Event) error {
	h.publish(TopicSession, event.Type, event.Payload)
	return nil
}

func (h *MQTTHandler) onCommand(ctx context.Context, event events.Event) error {
	h.publish(TopicCommand, event.Type, event.Payload)
	return nil
}

func (h *MQTTHandler) onWatch(ctx context.Context, event events.Event) error {
	h.publish(TopicWatch, event.Type, event.Payload)
	return nil
}

func (h *MQTTHandler) onListener(ctx context.Context, event events.Event) error {
	h.publish(TopicListener, event.Type, event.Payload)
	return nil
}

// PublishShutdown sends a shutdown message to the MQTT broker.
func (h *MQTTHandler) PublishShutdown() {
	h.publish(TopicAdmin, events.EventShutdown, map[string]interface{}{
		"event": "shutdown",
	})
}
