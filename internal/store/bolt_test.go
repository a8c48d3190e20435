package store

import (
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"zcl-gateway/internal/capability"
	"zcl-gateway/internal/hal"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := NewBoltStore(filepath.Join(t.TempDir(), "test.db"), WithLogger(quiet))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func lockDetails(addr hal.EUI64) *capability.DeviceDetails {
	return &capability.DeviceDetails{
		Address:      addr,
		Manufacturer: "Acme",
		Model:        "LK-100",
		PowerSource:  capability.PowerBattery,
		DeviceType:   capability.DeviceSleepyEndDevice,
		Endpoints: []capability.EndpointDetails{{
			ID:        1,
			ProfileID: hal.ProfileHA,
			DeviceID:  0x000A,
			Servers: []capability.ClusterDetails{
				{ID: 0x0000, Server: true, Attributes: []capability.AttributeDetails{
					{ID: 0x0005, Value: &capability.AttributeValue{Type: 0x42, Data: []byte{6, 'L', 'K', '-', '1', '0', '0'}}},
				}},
				{ID: 0x0101, Server: true, Attributes: []capability.AttributeDetails{{ID: 0x0000}}},
			},
			Clients: []capability.ClusterDetails{{ID: 0x0019}},
		}},
	}
}

func TestSaveAndGetDevice(t *testing.T) {
	s := newTestStore(t)
	addr := hal.EUI64(0x00158D00012A3B4C)
	dev := &Device{
		Address:    addr,
		Details:    lockDetails(addr),
		Metadata:   map[string]any{"alarms.bind": false, "pollControl.checkinInterval": 1200},
		Configured: true,
		JoinedAt:   time.Now().Truncate(time.Millisecond),
		LastSeen:   time.Now().Truncate(time.Millisecond),
	}
	if err := s.SaveDevice(dev); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetDevice(addr)
	if err != nil {
		t.Fatal(err)
	}
	if got.Address != addr || !got.Configured {
		t.Errorf("device = %+v", got)
	}
	if got.Details == nil || got.Details.Model != "LK-100" {
		t.Fatalf("details = %+v", got.Details)
	}
	if !got.Details.HasServerAttribute(1, 0x0101, 0x0000) {
		t.Error("lock state attribute lost")
	}
	if v, ok := got.Metadata["alarms.bind"].(bool); !ok || v {
		t.Errorf("metadata = %v", got.Metadata)
	}
	if got.Name() != "Acme LK-100" {
		t.Errorf("name = %q", got.Name())
	}
}

func TestGetDeviceNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetDevice(0xFFFFFFFFFFFFFFFF)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDeleteDevice(t *testing.T) {
	s := newTestStore(t)
	dev := &Device{Address: 0x1234}
	if err := s.SaveDevice(dev); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteDevice(dev.Address); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetDevice(dev.Address); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v after delete", err)
	}
}

func TestListDevices(t *testing.T) {
	s := newTestStore(t)
	for _, addr := range []hal.EUI64{1, 2, 3} {
		if err := s.SaveDevice(&Device{Address: addr}); err != nil {
			t.Fatal(err)
		}
	}
	list, err := s.ListDevices()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Fatalf("list count = %d, want 3", len(list))
	}
	found := make(map[hal.EUI64]bool)
	for _, d := range list {
		found[d.Address] = true
	}
	for _, addr := range []hal.EUI64{1, 2, 3} {
		if !found[addr] {
			t.Errorf("device %s not in list", addr)
		}
	}
}

func TestUpdateDevice(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveDevice(&Device{Address: 7}); err != nil {
		t.Fatal(err)
	}
	err := s.UpdateDevice(7, func(d *Device) error {
		d.FriendlyName = "front door"
		d.LQI = 180
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetDevice(7)
	if got.FriendlyName != "front door" || got.LQI != 180 {
		t.Errorf("device = %+v", got)
	}

	if err := s.UpdateDevice(8, func(*Device) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Errorf("update missing: err = %v", err)
	}

	boom := errors.New("boom")
	if err := s.UpdateDevice(7, func(d *Device) error { d.LQI = 1; return boom }); !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
	got, _ = s.GetDevice(7)
	if got.LQI != 180 {
		t.Error("failed update was persisted")
	}
}

func TestCorruptCapabilityRejected(t *testing.T) {
	s := newTestStore(t)
	details := lockDetails(9)
	details.Endpoints = append(details.Endpoints, details.Endpoints[0])
	if err := s.SaveDevice(&Device{Address: 9, Details: details}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetDevice(9); err == nil {
		t.Error("expected error loading duplicate endpoints")
	}
}

func TestListDevicesSkipsCorruptRecord(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveDevice(&Device{Address: 1, Details: lockDetails(1)}); err != nil {
		t.Fatal(err)
	}
	details := lockDetails(2)
	details.Endpoints = append(details.Endpoints, details.Endpoints[0])
	if err := s.SaveDevice(&Device{Address: 2, Details: details}); err != nil {
		t.Fatal(err)
	}

	list, err := s.ListDevices()
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	if len(list) != 1 || list[0].Address != 1 {
		t.Fatalf("list = %+v, want only device 1", list)
	}
	if _, err := s.GetDevice(2); err == nil {
		t.Error("corrupt record loaded by GetDevice")
	}
}

func TestSaveAndGetNetworkState(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetNetworkState(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v before save", err)
	}
	state := &NetworkState{Channel: 15, PanID: 0x1A62, ExtPanID: 0xDDDDDDDDDDDDDDDD, Formed: true}
	if err := s.SaveNetworkState(state); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetNetworkState()
	if err != nil {
		t.Fatal(err)
	}
	if *got != *state {
		t.Errorf("state = %+v, want %+v", *got, *state)
	}
}
