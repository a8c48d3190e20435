package coordinator

import (
	"log/slog"
	"sync"

	"zcl-gateway/internal/hal"
)

// Event types
const (
	EventNetworkState = "network_state"
	EventPermitJoin   = "permit_join"

	EventDeviceAnnounce   = "device_announce"
	EventDeviceLeft       = "device_left"
	EventDeviceRemoved    = "device_removed"
	EventDeviceDiscovered = "device_discovered"
	EventDeviceConfigured = "device_configured"
	EventDeviceSeen       = "device_seen"

	EventLockState            = "lock_state"
	EventLockJammed           = "lock_jammed"
	EventLockTampered         = "lock_tampered"
	EventLockFactoryReset     = "lock_factory_reset"
	EventLockBatteryReplaced  = "lock_battery_replaced"
	EventLockRFPowerCycled    = "lock_rf_power_cycled"
	EventLockInvalidCodeLimit = "lock_invalid_code_limit"
	EventLockForcedOpen       = "lock_forced_open"
	EventPINSet               = "pin_set"
	EventPINRead              = "pin_read"
	EventPINCleared           = "pin_cleared"
	EventPINsCleared          = "pins_cleared"
	EventLockProgram          = "lock_program"

	EventAlarm           = "alarm"
	EventBatteryVoltage  = "battery_voltage"
	EventBatteryPercent  = "battery_percentage"
	EventBatteryLow      = "battery_low"
	EventActivePower     = "active_power"
	EventLinkQuality     = "link_quality"
	EventHighTemperature = "high_temperature"
	EventRebootReason    = "reboot_reason"
)

// Event is a coordinator event. Device is zero for network-wide events.
type Event struct {
	Type     string    `json:"type"`
	Device   hal.EUI64 `json:"device,omitempty"`
	Endpoint uint8     `json:"endpoint,omitempty"`
	Data     any       `json:"data,omitempty"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus provides pub/sub for coordinator events.
type EventBus struct {
	mu          sync.RWMutex
	handlers    map[string]map[uint64]EventHandler
	allHandlers map[uint64]EventHandler
	nextID      uint64
	logger      *slog.Logger
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		handlers:    make(map[string]map[uint64]EventHandler),
		allHandlers: make(map[uint64]EventHandler),
		logger:      logger.With("component", "events"),
	}
}

// On registers a handler for one event type and returns its unsubscribe
// function.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	if eb.handlers[eventType] == nil {
		eb.handlers[eventType] = make(map[uint64]EventHandler)
	}
	eb.handlers[eventType][id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.handlers[eventType], id)
	}
}

// OnAll registers a handler for every event type.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	eb.allHandlers[id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.allHandlers, id)
	}
}

// Emit calls every matching handler synchronously on the caller's
// goroutine. Cluster events are emitted from the device's dispatch
// goroutine, so handlers must not block on that device.
func (eb *EventBus) Emit(event Event) {
	eb.mu.RLock()
	handlers := make([]EventHandler, 0, len(eb.handlers[event.Type])+len(eb.allHandlers))
	for _, h := range eb.handlers[event.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range eb.allHandlers {
		handlers = append(handlers, h)
	}
	eb.mu.RUnlock()

	for _, h := range handlers {
		eb.call(h, event)
	}
}

func (eb *EventBus) call(h EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "type", event.Type, "device", event.Device, "panic", r)
		}
	}()
	h(event)
}

func (eb *EventBus) emitDevice(eventType string, addr hal.EUI64, endpoint uint8, data any) {
	eb.Emit(Event{Type: eventType, Device: addr, Endpoint: endpoint, Data: data})
}
