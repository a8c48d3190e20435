package coordinator

import (
	"slices"
	"testing"
	"time"

	"zcl-gateway/internal/cluster"
	"zcl-gateway/internal/hal"
	"zcl-gateway/internal/store"
	"zcl-gateway/internal/zcl"
)

func lockDB() *DeviceDB {
	db := NewDeviceDB()
	db.Add(DeviceDefinition{
		Manufacturer: "Acme",
		Model:        "LK-100",
		FriendlyName: "Front door",
		Metadata:     map[string]any{cluster.MetaBasicRebootReason: false},
	})
	return db
}

func TestInterviewConfiguresLock(t *testing.T) {
	env := newTestEnv(t, lockDB())
	addLock(env.radio)
	configured := collect(env.events, EventDeviceConfigured)
	discovered := collect(env.events, EventDeviceDiscovered)

	env.radio.Announce(hal.DeviceAnnounceEvent{Address: lockAddr, ShortAddr: 0x4F21})
	waitEvent(t, discovered)
	e := waitEvent(t, configured)
	env.coord.devices.interviewWg.Wait()

	m := e.Data.(map[string]any)
	if errs := m["errors"].([]string); len(errs) != 0 {
		t.Errorf("configuration errors = %v", errs)
	}
	if ids := m["configured"].([]uint16); !slices.Contains(ids, cluster.DoorLockClusterID) {
		t.Errorf("configured clusters = %04X", ids)
	}
	dev, err := env.store.GetDevice(lockAddr)
	if err != nil {
		t.Fatal(err)
	}
	if !dev.Configured || len(dev.ConfigErrors) != 0 {
		t.Errorf("configured = %v, errors = %v", dev.Configured, dev.ConfigErrors)
	}
	if dev.Name() != "Front door" {
		t.Errorf("name = %q", dev.Name())
	}
	if dev.Details == nil || dev.Details.Model != "LK-100" {
		t.Fatalf("details = %+v", dev.Details)
	}
	if !dev.Details.HasServerAttribute(1, cluster.DoorLockClusterID, cluster.DoorLockAttrLockState) {
		t.Error("lock state attribute not discovered")
	}
	if _, ok := env.sub.Device(lockAddr); !ok {
		t.Error("device not registered after interview")
	}

	calls := env.radio.Calls()
	for _, want := range []string{
		"bind 00158D00012A3B4C/1 0x0009",
		"bind 00158D00012A3B4C/1 0x0001",
		"bind 00158D00012A3B4C/1 0x0101",
	} {
		if !slices.Contains(calls, want) {
			t.Errorf("missing %q in %v", want, calls)
		}
	}
	if slices.Contains(calls, "bind 00158D00012A3B4C/1 0x0000") {
		t.Error("basic bound although reboot reason is disabled")
	}
}

func TestAnnounceDebounce(t *testing.T) {
	env := newTestEnv(t, nil)
	addLock(env.radio)
	configured := collect(env.events, EventDeviceConfigured)

	env.radio.Announce(hal.DeviceAnnounceEvent{Address: lockAddr})
	env.radio.Announce(hal.DeviceAnnounceEvent{Address: lockAddr})
	waitEvent(t, configured)
	env.coord.devices.interviewWg.Wait()

	if got := env.coord.devices.interviewGen.Load(); got != 1 {
		t.Errorf("interviews started = %d, want 1", got)
	}
}

func TestReannounceConfiguredDevice(t *testing.T) {
	env := newTestEnv(t, nil)
	addLock(env.radio)
	configured := collect(env.events, EventDeviceConfigured)
	announces := collect(env.events, EventDeviceAnnounce)

	env.radio.Announce(hal.DeviceAnnounceEvent{Address: lockAddr})
	waitEvent(t, configured)
	env.coord.devices.interviewWg.Wait()
	waitEvent(t, announces)
	sent := len(env.radio.Sent())

	// Outside the debounce window a configured device still needs no
	// interview.
	env.coord.devices.lastJoinMu.Lock()
	env.coord.devices.lastJoin[lockAddr] = time.Now().Add(-time.Minute)
	env.coord.devices.lastJoinMu.Unlock()
	env.radio.Announce(hal.DeviceAnnounceEvent{Address: lockAddr})
	waitEvent(t, announces)
	env.coord.devices.interviewWg.Wait()

	if got := len(env.radio.Sent()); got != sent {
		t.Errorf("re-announce sent %d frames", got-sent)
	}
	if got := env.coord.devices.interviewGen.Load(); got != 1 {
		t.Errorf("interviews started = %d, want 1", got)
	}
}

func TestInterviewDiscoveryFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	// No AddDevice: every ZDO request fails.
	env.coord.config.InterviewTimeout = 100 * time.Millisecond
	env.radio.Announce(hal.DeviceAnnounceEvent{Address: lockAddr})
	env.coord.devices.interviewWg.Wait()

	dev, err := env.store.GetDevice(lockAddr)
	if err != nil {
		t.Fatal(err)
	}
	if dev.Details != nil || dev.Configured {
		t.Errorf("device = %+v", dev)
	}
	if _, ok := env.sub.Device(lockAddr); ok {
		t.Error("undiscovered device registered")
	}
}

func TestDeviceLeft(t *testing.T) {
	env := newTestEnv(t, nil, &store.Device{Address: lockAddr, Details: lockDetails(), Configured: true})
	if err := env.coord.Start(testContext(t)); err != nil {
		t.Fatal(err)
	}
	left := collect(env.events, EventDeviceLeft)

	env.radio.Left(hal.DeviceLeftEvent{Address: lockAddr})
	waitEvent(t, left)

	if _, ok := env.sub.Device(lockAddr); ok {
		t.Error("device still registered")
	}
	if _, err := env.store.GetDevice(lockAddr); !IsNotFound(err) {
		t.Errorf("store err = %v", err)
	}
}

func TestActivityFlush(t *testing.T) {
	env := newTestEnv(t, nil, &store.Device{Address: lockAddr, Details: lockDetails(), Configured: true})
	if err := env.coord.Start(testContext(t)); err != nil {
		t.Fatal(err)
	}
	voltage := collect(env.events, EventBatteryVoltage)
	seen := collect(env.events, EventDeviceSeen)

	h := zcl.Header{
		FrameType:              zcl.FrameTypeGlobal,
		Direction:              zcl.ServerToClient,
		DisableDefaultResponse: true,
		Sequence:               7,
		CommandID:              zcl.FoundationReportAttributes,
	}
	payload := []byte{0x20, 0x00, zcl.TypeUint8, 30}
	env.radio.Inject(hal.IncomingFrame{
		Source:         lockAddr,
		SourceEndpoint: 1,
		DestEndpoint:   1,
		ProfileID:      hal.ProfileHA,
		ClusterID:      cluster.PowerConfigClusterID,
		LQI:            180,
		RSSI:           -61,
		Data:           zcl.EncodeFrame(h, payload),
	})

	e := waitEvent(t, voltage)
	if e.Device != lockAddr || e.Endpoint != 1 || e.Data != uint16(3000) {
		t.Errorf("voltage event = %+v", e)
	}

	before, _ := env.store.GetDevice(lockAddr)
	if before.LQI != 0 {
		t.Error("activity written before flush")
	}
	env.coord.devices.flushActivity()
	waitEvent(t, seen)

	dev, err := env.store.GetDevice(lockAddr)
	if err != nil {
		t.Fatal(err)
	}
	if dev.LQI != 180 || dev.RSSI != -61 || dev.LastSeen.IsZero() {
		t.Errorf("lqi = %d, rssi = %d, last seen = %v", dev.LQI, dev.RSSI, dev.LastSeen)
	}
}
