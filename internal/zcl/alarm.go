package zcl

import (
	"fmt"
	"time"

	"zcl-gateway/internal/codec"
)

// ZigbeeEpochOffset is the number of seconds between the POSIX epoch and the
// Zigbee epoch (2000-01-01T00:00:00Z).
const ZigbeeEpochOffset = 946684800

// FromZigbeeTime converts a ZCL UTC time value to wall-clock time.
func FromZigbeeTime(v uint32) time.Time {
	return time.Unix(int64(v)+ZigbeeEpochOffset, 0).UTC()
}

// ToZigbeeTime converts wall-clock time to a ZCL UTC time value.
func ToZigbeeTime(t time.Time) uint32 {
	return uint32(t.Unix() - ZigbeeEpochOffset)
}

// AlarmEntry is one entry of a device alarm table.
type AlarmEntry struct {
	Code      uint8     `json:"code"`
	ClusterID uint16    `json:"cluster_id"`
	Timestamp time.Time `json:"timestamp"`
}

// AlarmEntrySize is the wire size of an alarm-table entry:
// code(1) + cluster(2) + timestamp(4).
const AlarmEntrySize = 7

// DecodeAlarmEntry reads code, cluster id and Zigbee timestamp.
func DecodeAlarmEntry(buf *codec.Buffer) (AlarmEntry, error) {
	e := AlarmEntry{Code: buf.Uint8(), ClusterID: buf.Uint16()}
	ts := buf.Uint32()
	if err := buf.Err(); err != nil {
		return AlarmEntry{}, fmt.Errorf("%w: alarm entry: %w", ErrMalformed, err)
	}
	e.Timestamp = FromZigbeeTime(ts)
	return e, nil
}
