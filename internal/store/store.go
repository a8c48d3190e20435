// Package store persists paired devices and network state.
package store

import (
	"errors"

	"zcl-gateway/internal/hal"
)

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	SaveDevice(dev *Device) error
	GetDevice(addr hal.EUI64) (*Device, error)
	DeleteDevice(addr hal.EUI64) error
	ListDevices() ([]*Device, error)

	// UpdateDevice reads, modifies and saves a device in one transaction.
	// Returns ErrNotFound if the device does not exist.
	UpdateDevice(addr hal.EUI64, fn func(dev *Device) error) error

	SaveNetworkState(state *NetworkState) error
	GetNetworkState() (*NetworkState, error)

	Close() error
}
