//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"zcl-gateway/internal/cluster"
	"zcl-gateway/internal/coordinator"
	"zcl-gateway/internal/hal"
	"zcl-gateway/internal/store"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	ClientID    string
}

// Gateway is the part of the coordinator the bridge drives.
type Gateway interface {
	Context() context.Context
	Events() *coordinator.EventBus
	ListDevices() ([]*store.Device, error)
	GetDevice(addr hal.EUI64) (*store.Device, error)

	Lock(ctx context.Context, addr hal.EUI64) error
	Unlock(ctx context.Context, addr hal.EUI64) error
	SetPIN(ctx context.Context, addr hal.EUI64, userID uint16, code string) error
	GetPIN(ctx context.Context, addr hal.EUI64, userID uint16) error
	ClearPIN(ctx context.Context, addr hal.EUI64, userID uint16) error
	ClearAllPINs(ctx context.Context, addr hal.EUI64) error
	StartWarning(ctx context.Context, addr hal.EUI64, w cluster.Warning) error
	StopWarning(ctx context.Context, addr hal.EUI64) error
	Squawk(ctx context.Context, addr hal.EUI64, s cluster.Squawk) error
	Reboot(ctx context.Context, addr hal.EUI64) error
}

// publishFunc sends one message. Tests swap it for a recorder.
type publishFunc func(topic string, payload []byte, retained bool)

// Bridge connects the coordinator to MQTT with HA autodiscovery.
//
// Topics, under the configured prefix:
//
//	<prefix>/bridge/state         online/offline (retained, also the will)
//	<prefix>/bridge/event         network events
//	<prefix>/<eui64>              accumulated device state (retained)
//	<prefix>/<eui64>/event        every device event as it happens
//	<prefix>/<eui64>/set          commands in
//	<prefix>/<eui64>/set/result   command outcome
type Bridge struct {
	client  pahomqtt.Client
	gw      Gateway
	prefix  string
	logger  *slog.Logger
	publish publishFunc
	unsub   func()

	// Per-device state accumulator.
	mu     sync.Mutex
	states map[hal.EUI64]map[string]any
}

func newBridge(gw Gateway, prefix string, logger *slog.Logger) *Bridge {
	return &Bridge{
		gw:     gw,
		prefix: prefix,
		logger: logger.With("component", "mqtt"),
		states: make(map[hal.EUI64]map[string]any),
	}
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(gw Gateway, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(gw, cfg.TopicPrefix, logger)
	b.publish = b.clientPublish

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "zcl-gateway"
	}
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(b.bridgeTopic("state"), "offline", 1, true).
		SetOnConnectHandler(func(c pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishAllDiscovery()
			b.subscribeCommands(c)
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	b.client = pahomqtt.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start subscribes to coordinator events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.gw.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	if b.client != nil {
		b.client.Disconnect(1000)
	}
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event coordinator.Event) {
	if event.Device == 0 {
		b.publish(b.bridgeTopic("event"), mustJSON(event), false)
		return
	}

	b.publish(b.deviceTopic(event.Device, "event"), mustJSON(event), false)

	switch event.Type {
	case coordinator.EventDeviceConfigured:
		dev, err := b.gw.GetDevice(event.Device)
		if err != nil {
			b.logger.Warn("configured device not found", "device", event.Device, "err", err)
			return
		}
		b.publishDeviceDiscovery(dev)
	case coordinator.EventDeviceLeft, coordinator.EventDeviceRemoved:
		for _, msg := range buildRemoveDiscovery(event.Device) {
			b.publish(msg.Topic, msg.Payload, true)
		}
		b.mu.Lock()
		delete(b.states, event.Device)
		b.mu.Unlock()
		b.publish(b.deviceTopic(event.Device), nil, true)
	default:
		if props := eventProperties(event); len(props) > 0 {
			b.updateAndPublishState(event.Device, props)
		}
	}
}

// eventProperties maps a device event onto state properties. Events with
// no state meaning return nil.
func eventProperties(event coordinator.Event) map[string]any {
	switch event.Type {
	case coordinator.EventLockState:
		ls, ok := event.Data.(coordinator.LockState)
		if !ok {
			return nil
		}
		state := "UNLOCKED"
		if ls.Locked {
			state = "LOCKED"
		}
		return map[string]any{"lock": state, "lock_source": ls.Source}
	case coordinator.EventLockJammed:
		return map[string]any{"jammed": event.Data}
	case coordinator.EventLockTampered:
		return map[string]any{"tampered": event.Data}
	case coordinator.EventBatteryVoltage:
		return map[string]any{"voltage": event.Data}
	case coordinator.EventBatteryPercent:
		return map[string]any{"battery": event.Data}
	case coordinator.EventBatteryLow:
		return map[string]any{"battery_low": event.Data}
	case coordinator.EventActivePower:
		return map[string]any{"power": event.Data}
	case coordinator.EventHighTemperature:
		return map[string]any{"high_temperature": event.Data}
	case coordinator.EventLinkQuality, coordinator.EventDeviceSeen:
		lq, ok := event.Data.(coordinator.LinkQuality)
		if !ok {
			return nil
		}
		return map[string]any{"linkquality": lq.LQI, "rssi": lq.RSSI}
	case coordinator.EventAlarm:
		return map[string]any{"last_alarm": event.Data}
	case coordinator.EventLockFactoryReset, coordinator.EventLockBatteryReplaced,
		coordinator.EventLockRFPowerCycled, coordinator.EventLockInvalidCodeLimit,
		coordinator.EventLockForcedOpen:
		return map[string]any{"last_alarm": strings.TrimPrefix(event.Type, "lock_")}
	}
	return nil
}

func (b *Bridge) updateAndPublishState(addr hal.EUI64, props map[string]any) {
	b.mu.Lock()
	state, ok := b.states[addr]
	if !ok {
		state = make(map[string]any)
		b.states[addr] = state
	}
	for k, v := range props {
		state[k] = v
	}
	state["last_seen"] = time.Now().Format(time.RFC3339)
	payload := mustJSON(state)
	b.mu.Unlock()

	b.publish(b.deviceTopic(addr), payload, true)
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.bridgeTopic("state"), []byte(state), true)
}

func (b *Bridge) publishAllDiscovery() {
	devices, err := b.gw.ListDevices()
	if err != nil {
		b.logger.Error("list devices for discovery", "err", err)
		return
	}
	for _, dev := range devices {
		if dev.Configured {
			b.publishDeviceDiscovery(dev)
		}
	}
}

func (b *Bridge) publishDeviceDiscovery(dev *store.Device) {
	msgs := buildDiscovery(dev, b.prefix)
	for _, msg := range msgs {
		b.publish(msg.Topic, msg.Payload, true)
	}
	if len(msgs) > 0 {
		b.logger.Info("published HA discovery", "device", dev.Address, "name", dev.Name())
	}
}

// subscribeCommands listens on every device's set topic with one wildcard
// subscription, so devices paired later need no extra subscribe.
func (b *Bridge) subscribeCommands(c pahomqtt.Client) {
	topic := b.prefix + "/+/set"
	token := c.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleMessage(msg.Topic(), msg.Payload())
	})
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT subscribe timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Error("MQTT subscribe", "topic", topic, "err", err)
		}
	}()
}

func (b *Bridge) clientPublish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func (b *Bridge) bridgeTopic(name string) string {
	return b.prefix + "/bridge/" + name
}

// deviceTopic returns <prefix>/<eui64>[/suffix...].
func (b *Bridge) deviceTopic(addr hal.EUI64, suffix ...string) string {
	parts := append([]string{b.prefix, addr.String()}, suffix...)
	return strings.Join(parts, "/")
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
