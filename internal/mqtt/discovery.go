//go:build !no_mqtt

package mqtt

import (
	"fmt"

	"zcl-gateway/internal/cluster"
	"zcl-gateway/internal/hal"
	"zcl-gateway/internal/store"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/lock/zcl_00158D.../lock/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic,omitempty"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	PayloadLock       string   `json:"payload_lock,omitempty"`
	PayloadUnlock     string   `json:"payload_unlock,omitempty"`
	PayloadPress      string   `json:"payload_press,omitempty"`
	StateLocked       string   `json:"state_locked,omitempty"`
	StateUnlocked     string   `json:"state_unlocked,omitempty"`
	Optimistic        bool     `json:"optimistic,omitempty"`
	Device            haDevice `json:"device"`
}

// discoveryEntities is every component/object pair the bridge may announce.
var discoveryEntities = []struct{ comp, obj string }{
	{"lock", "lock"},
	{"siren", "siren"},
	{"button", "reboot"},
	{"sensor", "voltage"},
	{"sensor", "battery"},
	{"sensor", "power"},
	{"sensor", "linkquality"},
	{"binary_sensor", "battery_low"},
	{"binary_sensor", "jammed"},
	{"binary_sensor", "tampered"},
}

func deviceIdentifier(addr hal.EUI64) string {
	return "zcl_" + addr.String()
}

// discoveryBuilder carries what every entity of one device shares.
type discoveryBuilder struct {
	nodeID     string
	name       string
	stateTopic string
	cmdTopic   string
	avail      string
	device     haDevice
}

func (db *discoveryBuilder) entity(comp, obj, suffix string, p haDiscovery) discoveryMsg {
	p.Name = db.name + " " + suffix
	p.UniqueID = db.nodeID + "_" + obj
	p.AvailabilityTopic = db.avail
	p.Device = db.device
	return discoveryMsg{
		Topic:   fmt.Sprintf("homeassistant/%s/%s/%s/config", comp, db.nodeID, obj),
		Payload: mustJSON(p),
	}
}

func (db *discoveryBuilder) sensor(obj, suffix, deviceClass, unit string) discoveryMsg {
	return db.entity("sensor", obj, suffix, haDiscovery{
		StateTopic:        db.stateTopic,
		ValueTemplate:     fmt.Sprintf("{{ value_json.%s }}", obj),
		UnitOfMeasurement: unit,
		DeviceClass:       deviceClass,
		StateClass:        "measurement",
	})
}

func (db *discoveryBuilder) binarySensor(obj, suffix, deviceClass string) discoveryMsg {
	return db.entity("binary_sensor", obj, suffix, haDiscovery{
		StateTopic:    db.stateTopic,
		ValueTemplate: fmt.Sprintf("{{ 'ON' if value_json.%s else 'OFF' }}", obj),
		DeviceClass:   deviceClass,
		PayloadOn:     "ON",
		PayloadOff:    "OFF",
	})
}

// buildDiscovery generates HA discovery messages for a device from the
// server clusters it hosts.
func buildDiscovery(dev *store.Device, prefix string) []discoveryMsg {
	if !dev.Configured || dev.Details == nil {
		return nil
	}

	nodeID := deviceIdentifier(dev.Address)
	name := dev.Name()
	if name == "" {
		name = dev.Address.String()
	}
	db := &discoveryBuilder{
		nodeID:     nodeID,
		name:       name,
		stateTopic: prefix + "/" + dev.Address.String(),
		cmdTopic:   prefix + "/" + dev.Address.String() + "/set",
		avail:      prefix + "/bridge/state",
		device: haDevice{
			Identifiers:  []string{nodeID},
			Manufacturer: dev.Details.Manufacturer,
			Model:        dev.Details.Model,
			Name:         name,
		},
	}

	has := make(map[uint16]bool)
	for _, id := range dev.Details.ServerClusterIDs() {
		has[id] = true
	}

	var msgs []discoveryMsg
	if has[cluster.DoorLockClusterID] {
		msgs = append(msgs, db.entity("lock", "lock", "Lock", haDiscovery{
			StateTopic:    db.stateTopic,
			CommandTopic:  db.cmdTopic,
			ValueTemplate: "{{ value_json.lock }}",
			PayloadLock:   `{"action":"lock"}`,
			PayloadUnlock: `{"action":"unlock"}`,
			StateLocked:   "LOCKED",
			StateUnlocked: "UNLOCKED",
		}))
		msgs = append(msgs,
			db.binarySensor("jammed", "Jammed", "problem"),
			db.binarySensor("tampered", "Tampered", "tamper"))
	}
	if has[cluster.IASWDClusterID] {
		msgs = append(msgs, db.entity("siren", "siren", "Siren", haDiscovery{
			CommandTopic: db.cmdTopic,
			PayloadOn:    `{"action":"siren"}`,
			PayloadOff:   `{"action":"stop_siren"}`,
			Optimistic:   true,
		}))
	}
	if has[cluster.BasicClusterID] {
		msgs = append(msgs, db.entity("button", "reboot", "Reboot", haDiscovery{
			CommandTopic: db.cmdTopic,
			PayloadPress: `{"action":"reboot"}`,
			DeviceClass:  "restart",
		}))
	}
	if has[cluster.PowerConfigClusterID] {
		msgs = append(msgs,
			db.sensor("voltage", "Battery Voltage", "voltage", "mV"),
			db.sensor("battery", "Battery", "battery", "%"),
			db.binarySensor("battery_low", "Battery Low", "battery"))
	}
	if has[cluster.ElectricalClusterID] {
		msgs = append(msgs, db.sensor("power", "Power", "power", "W"))
	}

	// No device_class: "signal_strength" requires dB/dBm units, but LQI is unitless.
	msgs = append(msgs, db.sensor("linkquality", "Link Quality", "", "lqi"))
	return msgs
}

// buildRemoveDiscovery generates empty retained messages to remove a device from HA.
func buildRemoveDiscovery(addr hal.EUI64) []discoveryMsg {
	nodeID := deviceIdentifier(addr)
	msgs := make([]discoveryMsg, 0, len(discoveryEntities))
	for _, e := range discoveryEntities {
		msgs = append(msgs, discoveryMsg{
			Topic: fmt.Sprintf("homeassistant/%s/%s/%s/config", e.comp, nodeID, e.obj),
		})
	}
	return msgs
}
