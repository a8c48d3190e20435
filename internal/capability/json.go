package capability

import (
	"encoding/json"
	"fmt"
)

// Encode serializes the tree for persistence.
func Encode(d *DeviceDetails) ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode capability: %w", err)
	}
	return data, nil
}

// Decode parses a persisted tree and validates it.
func Decode(data []byte) (*DeviceDetails, error) {
	var d DeviceDetails
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("decode capability: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("decode capability: %w", err)
	}
	return &d, nil
}
