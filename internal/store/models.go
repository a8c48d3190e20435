package store

import (
	"encoding/json"
	"time"

	"zcl-gateway/internal/capability"
	"zcl-gateway/internal/hal"
)

// Device is a paired device. Details is nil until discovery completes.
type Device struct {
	Address      hal.EUI64                 `json:"address"`
	FriendlyName string                    `json:"friendly_name,omitempty"`
	Details      *capability.DeviceDetails `json:"details,omitempty"`
	Metadata     map[string]any            `json:"metadata,omitempty"`
	Configured   bool                      `json:"configured"`
	ConfigErrors []string                  `json:"config_errors,omitempty"`
	JoinedAt     time.Time                 `json:"joined_at"`
	LastSeen     time.Time                 `json:"last_seen"`
	LQI          uint8                     `json:"lqi,omitempty"`
	RSSI         int8                      `json:"rssi,omitempty"`
}

// Name returns the friendly name, falling back to manufacturer and model.
func (d *Device) Name() string {
	if d == nil {
		return ""
	}
	if d.FriendlyName != "" {
		return d.FriendlyName
	}
	if d.Details == nil {
		return ""
	}
	switch {
	case d.Details.Manufacturer != "" && d.Details.Model != "":
		return d.Details.Manufacturer + " " + d.Details.Model
	case d.Details.Model != "":
		return d.Details.Model
	}
	return d.Details.Manufacturer
}

// NetworkState holds the parameters the network was formed with.
type NetworkState struct {
	Channel  uint8  `json:"channel"`
	PanID    uint16 `json:"pan_id"`
	ExtPanID uint64 `json:"ext_pan_id"`
	Formed   bool   `json:"formed"`
}

// deviceRecord is the on-disk form of a Device. The capability tree goes
// through capability.Encode/Decode so that a corrupt tree fails on load.
type deviceRecord struct {
	Address      hal.EUI64       `json:"address"`
	FriendlyName string          `json:"friendly_name,omitempty"`
	Details      json.RawMessage `json:"details,omitempty"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
	Configured   bool            `json:"configured"`
	ConfigErrors []string        `json:"config_errors,omitempty"`
	JoinedAt     time.Time       `json:"joined_at"`
	LastSeen     time.Time       `json:"last_seen"`
	LQI          uint8           `json:"lqi,omitempty"`
	RSSI         int8            `json:"rssi,omitempty"`
}

func marshalDevice(dev *Device) ([]byte, error) {
	rec := deviceRecord{
		Address:      dev.Address,
		FriendlyName: dev.FriendlyName,
		Metadata:     dev.Metadata,
		Configured:   dev.Configured,
		ConfigErrors: dev.ConfigErrors,
		JoinedAt:     dev.JoinedAt,
		LastSeen:     dev.LastSeen,
		LQI:          dev.LQI,
		RSSI:         dev.RSSI,
	}
	if dev.Details != nil {
		data, err := capability.Encode(dev.Details)
		if err != nil {
			return nil, err
		}
		rec.Details = data
	}
	return json.Marshal(rec)
}

func unmarshalDevice(data []byte) (*Device, error) {
	var rec deviceRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	dev := &Device{
		Address:      rec.Address,
		FriendlyName: rec.FriendlyName,
		Metadata:     rec.Metadata,
		Configured:   rec.Configured,
		ConfigErrors: rec.ConfigErrors,
		JoinedAt:     rec.JoinedAt,
		LastSeen:     rec.LastSeen,
		LQI:          rec.LQI,
		RSSI:         rec.RSSI,
	}
	if len(rec.Details) > 0 {
		details, err := capability.Decode(rec.Details)
		if err != nil {
			return nil, err
		}
		dev.Details = details
	}
	return dev, nil
}
