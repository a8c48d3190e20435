package cluster

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"zcl-gateway/internal/hal"
	"zcl-gateway/internal/zcl"
)

func TestElectricalReportableChange(t *testing.T) {
	sub := newFakeSub()
	sub.numbers[key(ElectricalClusterID, ElectricalAttrACMultiplier)] = 10
	sub.numbers[key(ElectricalClusterID, ElectricalAttrACDivisor)] = 100
	e := NewElectrical(sub, testLogger(), ElectricalCallbacks{})
	d := device(map[uint16][]uint16{ElectricalClusterID: {ElectricalAttrActivePower, ElectricalAttrACMultiplier, ElectricalAttrACDivisor}})

	if err := e.Configure(context.Background(), configCtx(d, nil)); err != nil {
		t.Fatal(err)
	}
	reps := sub.ops("reporting")
	if len(reps) != 1 || len(reps[0].Reporting) != 1 {
		t.Fatalf("reporting calls = %+v", reps)
	}
	cfg := reps[0].Reporting[0]
	if cfg.AttrID != ElectricalAttrActivePower || cfg.Type != zcl.TypeInt16 || cfg.ReportableChange != 10 {
		t.Errorf("config = %+v, want change 10", cfg)
	}
}

func TestElectricalFailsClosed(t *testing.T) {
	tests := []struct {
		name    string
		numbers map[uint32]uint64
	}{
		{"no multiplier", map[uint32]uint64{key(ElectricalClusterID, ElectricalAttrACDivisor): 100}},
		{"no divisor", map[uint32]uint64{key(ElectricalClusterID, ElectricalAttrACMultiplier): 10}},
		{"zero multiplier", map[uint32]uint64{
			key(ElectricalClusterID, ElectricalAttrACMultiplier): 0,
			key(ElectricalClusterID, ElectricalAttrACDivisor):    100,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := newFakeSub()
			sub.numbers = tt.numbers
			e := NewElectrical(sub, testLogger(), ElectricalCallbacks{})
			d := device(map[uint16][]uint16{ElectricalClusterID: {ElectricalAttrActivePower}})
			if err := e.Configure(context.Background(), configCtx(d, nil)); err == nil {
				t.Fatal("expected error")
			}
			if len(sub.ops("reporting")) != 0 || len(sub.ops("bind")) != 0 {
				t.Error("configuration attempted after failed read")
			}
		})
	}
}

func TestElectricalActivePowerReport(t *testing.T) {
	var got []int16
	e := NewElectrical(newFakeSub(), testLogger(), ElectricalCallbacks{
		ActivePower: func(_ hal.EUI64, _ uint8, raw int16) { got = append(got, raw) },
	})
	r := &AttributeReport{Source: testAddr, Endpoint: 1, ClusterID: ElectricalClusterID, FromServer: true,
		Payload: []byte{0x0B, 0x05, zcl.TypeInt16, 0xF6, 0xFF}}
	e.HandleAttributeReport(context.Background(), r)
	if len(got) != 1 || got[0] != -10 {
		t.Errorf("active power = %v", got)
	}
}

func TestDeviceTempAlarmMaskConditional(t *testing.T) {
	tests := []struct {
		name      string
		attrs     []uint16
		md        Metadata
		wantWrite bool
	}{
		{"supported and requested", []uint16{DeviceTempAttrCurrent, DeviceTempAttrAlarmMask}, Metadata{MetaDeviceTempAlarmMask: 2}, true},
		{"requested but absent", []uint16{DeviceTempAttrCurrent}, Metadata{MetaDeviceTempAlarmMask: 2}, false},
		{"supported not requested", []uint16{DeviceTempAttrAlarmMask}, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := newFakeSub()
			dt := NewDeviceTemp(sub, testLogger(), DeviceTempCallbacks{})
			d := device(map[uint16][]uint16{DeviceTempClusterID: tt.attrs})
			if err := dt.Configure(context.Background(), configCtx(d, tt.md)); err != nil {
				t.Fatal(err)
			}
			writes := sub.ops("write")
			if (len(writes) == 1) != tt.wantWrite {
				t.Fatalf("writes = %+v, want write %v", writes, tt.wantWrite)
			}
			if tt.wantWrite {
				w := writes[0]
				if w.Attr != DeviceTempAttrAlarmMask || w.Type != zcl.TypeBitmap8 || w.Width != 1 || w.Value != 2 {
					t.Errorf("write = %+v", w)
				}
			}
		})
	}
}

func TestDeviceTempAlarm(t *testing.T) {
	var states []bool
	dt := NewDeviceTemp(newFakeSub(), testLogger(), DeviceTempCallbacks{
		HighTemperature: func(_ hal.EUI64, _ uint8, active bool) { states = append(states, active) },
	})
	ctx := context.Background()
	if !dt.HandleAlarm(ctx, testAddr, 1, Alarm{Code: 0, ClusterID: DeviceTempClusterID}) {
		t.Error("too-high alarm not handled")
	}
	if dt.HandleAlarm(ctx, testAddr, 1, Alarm{Code: 1, ClusterID: DeviceTempClusterID}) {
		t.Error("code 1 has no meaning")
	}
	dt.HandleAlarmCleared(ctx, testAddr, 1, Alarm{Code: 0, ClusterID: DeviceTempClusterID})
	if !reflect.DeepEqual(states, []bool{true, false}) {
		t.Errorf("states = %v", states)
	}
}

func TestPowerConfigSkipsWithoutVoltage(t *testing.T) {
	sub := newFakeSub()
	p := NewPowerConfig(sub, testLogger(), PowerConfigCallbacks{})
	d := device(map[uint16][]uint16{PowerConfigClusterID: {PowerConfigAttrBatteryPercentage}})
	if err := p.Configure(context.Background(), configCtx(d, nil)); err != nil {
		t.Fatal(err)
	}
	if len(sub.calls) != 0 {
		t.Errorf("calls = %+v", sub.calls)
	}
}

func TestPowerConfigReportsAndAlarm(t *testing.T) {
	var mv []uint16
	var pct []uint8
	var low []bool
	p := NewPowerConfig(newFakeSub(), testLogger(), PowerConfigCallbacks{
		BatteryVoltage:    func(_ hal.EUI64, _ uint8, v uint16) { mv = append(mv, v) },
		BatteryPercentage: func(_ hal.EUI64, _ uint8, v uint8) { pct = append(pct, v) },
		BatteryLow:        func(_ hal.EUI64, _ uint8, l bool) { low = append(low, l) },
	})
	ctx := context.Background()
	p.HandleAttributeReport(ctx, &AttributeReport{Source: testAddr, Endpoint: 1, ClusterID: PowerConfigClusterID, FromServer: true,
		Payload: []byte{0x20, 0x00, zcl.TypeUint8, 29, 0x21, 0x00, zcl.TypeUint8, 150}})
	if !reflect.DeepEqual(mv, []uint16{2900}) || !reflect.DeepEqual(pct, []uint8{75}) {
		t.Errorf("voltage=%v percent=%v", mv, pct)
	}
	if !p.HandleAlarm(ctx, testAddr, 1, Alarm{Code: 0x10, ClusterID: PowerConfigClusterID}) {
		t.Error("battery low not handled")
	}
	if !reflect.DeepEqual(low, []bool{true}) {
		t.Errorf("low = %v", low)
	}
}

func TestDiagnosticsCheckin(t *testing.T) {
	type lq struct {
		lqi  uint8
		rssi int8
	}
	tests := []struct {
		name    string
		numbers map[uint32]uint64
		want    []lq
	}{
		{"both", map[uint32]uint64{
			key(DiagnosticsClusterID, DiagnosticsAttrLastLQI):  200,
			key(DiagnosticsClusterID, DiagnosticsAttrLastRSSI): uint64(0xFFFFFFFFFFFFFFC4), // -60
		}, []lq{{200, -60}}},
		{"rssi missing", map[uint32]uint64{key(DiagnosticsClusterID, DiagnosticsAttrLastLQI): 200}, nil},
		{"lqi missing", map[uint32]uint64{key(DiagnosticsClusterID, DiagnosticsAttrLastRSSI): 10}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := newFakeSub()
			sub.numbers = tt.numbers
			var got []lq
			d := NewDiagnostics(sub, testLogger(), DiagnosticsCallbacks{
				LinkQuality: func(_ hal.EUI64, _ uint8, l uint8, r int8) { got = append(got, lq{l, r}) },
			})
			d.HandlePollControlCheckin(context.Background(), testAddr, 1)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPollControlCheckin(t *testing.T) {
	sub := newFakeSub()
	sub.numbers[key(DiagnosticsClusterID, DiagnosticsAttrLastLQI)] = 100
	sub.numbers[key(DiagnosticsClusterID, DiagnosticsAttrLastRSSI)] = 0
	calls := 0
	diag := NewDiagnostics(sub, testLogger(), DiagnosticsCallbacks{
		LinkQuality: func(hal.EUI64, uint8, uint8, int8) { calls++ },
	})
	pc := NewPollControl(sub, testLogger())
	sub.clusters = []Cluster{pc, diag}

	handled := pc.HandleCommand(context.Background(), &Command{Source: testAddr, Endpoint: 1,
		ClusterID: PollControlClusterID, FromServer: true, CommandID: pollControlCmdCheckin})
	if !handled || calls != 1 {
		t.Fatalf("handled=%v diagnostics calls=%d", handled, calls)
	}
	sends := sub.ops("send")
	if len(sends) != 1 || sends[0].Cmd != pollControlCmdCheckinResponse || sends[0].Payload[0] != 0 {
		t.Errorf("checkin response = %+v", sends)
	}
}

func TestPollControlConfigure(t *testing.T) {
	sub := newFakeSub()
	pc := NewPollControl(sub, testLogger())
	d := device(map[uint16][]uint16{PollControlClusterID: {PollControlAttrCheckinInterval}})
	md := Metadata{MetaPollControlCheckinInterval: 1200}
	if err := pc.Configure(context.Background(), configCtx(d, md)); err != nil {
		t.Fatal(err)
	}
	w := sub.ops("write")
	if len(w) != 1 || w[0].Type != zcl.TypeUint32 || w[0].Width != 4 || w[0].Value != 1200 {
		t.Errorf("writes = %+v", w)
	}

	sub = newFakeSub()
	sub.failBind = errNoDevice
	pc = NewPollControl(sub, testLogger())
	if err := pc.Configure(context.Background(), configCtx(d, md)); !errors.Is(err, errNoDevice) {
		t.Errorf("err = %v", err)
	}
}

func TestBasicRebootIgnoresErrors(t *testing.T) {
	sub := newFakeSub()
	sub.onSend = func(call) error { return errNoDevice }
	b := NewBasic(sub, testLogger(), BasicCallbacks{})
	b.Reboot(context.Background(), testAddr, 1)
	sends := sub.ops("send")
	if len(sends) != 1 || sends[0].Mfg != VendorMfgCode || sends[0].Cmd != basicCmdReboot {
		t.Errorf("sends = %+v", sends)
	}
}

func TestBasicRebootReason(t *testing.T) {
	sub := newFakeSub()
	var reasons []uint8
	b := NewBasic(sub, testLogger(), BasicCallbacks{
		RebootReason: func(_ hal.EUI64, _ uint8, r uint8) { reasons = append(reasons, r) },
	})
	ctx := context.Background()

	d := device(map[uint16][]uint16{BasicClusterID: {BasicAttrZCLVersion}})
	if err := b.Configure(ctx, configCtx(d, nil)); err != nil || len(sub.calls) != 0 {
		t.Fatalf("opt-out configure: err=%v calls=%+v", err, sub.calls)
	}
	if err := b.Configure(ctx, configCtx(d, Metadata{MetaBasicRebootReason: true})); err != nil {
		t.Fatal(err)
	}
	reps := sub.ops("reporting")
	if len(reps) != 1 || reps[0].Mfg != VendorMfgCode {
		t.Fatalf("reporting = %+v", reps)
	}

	report := []byte{0x00, 0x00, zcl.TypeEnum8, 0x03}
	if b.HandleAttributeReport(ctx, &AttributeReport{Source: testAddr, ClusterID: BasicClusterID, FromServer: true, Payload: report}) {
		t.Error("standard ZCLVersion report claimed as reboot reason")
	}
	b.HandleAttributeReport(ctx, &AttributeReport{Source: testAddr, ClusterID: BasicClusterID, FromServer: true,
		MfgCode: VendorMfgCode, Payload: report})
	if !reflect.DeepEqual(reasons, []uint8{3}) {
		t.Errorf("reasons = %v", reasons)
	}
}

func TestIASWDEncoding(t *testing.T) {
	got := EncodeWarning(Warning{Mode: WarningBurglar, Strobe: true, SirenLevel: 2, Duration: 30, StrobeDuty: 50, StrobeLevel: 1})
	want := []byte{0x16, 0x1E, 0x00, 0x32, 0x01}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("warning = %X, want %X", got, want)
	}
	if got := EncodeSquawk(Squawk{Mode: 1, Strobe: true, Level: 3}); !reflect.DeepEqual(got, []byte{0x1B}) {
		t.Errorf("squawk = %X", got)
	}

	sub := newFakeSub()
	w := NewIASWD(sub, testLogger())
	if err := w.StopWarning(context.Background(), testAddr, 1); err != nil {
		t.Fatal(err)
	}
	reqs := sub.ops("request")
	if len(reqs) != 1 || reqs[0].Payload[0] != 0x00 {
		t.Errorf("stop = %+v", reqs)
	}
}

func TestMatchesAndPriority(t *testing.T) {
	sub := newFakeSub()
	basic := NewBasic(sub, testLogger(), BasicCallbacks{})
	lock := NewDoorLock(sub, testLogger(), DoorLockCallbacks{})
	alarms := NewAlarms(sub, testLogger(), 0, AlarmsCallbacks{})
	pc := NewPollControl(sub, testLogger())

	if !Matches(lock, DoorLockClusterID, true, 0) {
		t.Error("door lock should accept standard server frames")
	}
	if Matches(lock, DoorLockClusterID, false, 0) || Matches(lock, DoorLockClusterID, true, VendorMfgCode) {
		t.Error("door lock should reject client or vendor frames")
	}
	if !Matches(basic, BasicClusterID, true, VendorMfgCode) || Matches(basic, BasicClusterID, true, 0x1234) {
		t.Error("basic vendor matching")
	}

	sorted := SortByPriority([]Cluster{basic, lock, pc, alarms})
	want := []Cluster{alarms, pc, basic, lock}
	if !reflect.DeepEqual(sorted, want) {
		t.Errorf("sorted ids = %v", ids(sorted))
	}
}

func ids(cs []Cluster) []uint16 {
	var out []uint16
	for _, c := range cs {
		out = append(out, c.ID())
	}
	return out
}

func TestMetadata(t *testing.T) {
	md := Metadata{"a": true, "b": "no", "n": 7, "f": 2.0, "s": "0x10", "u": uint64(3)}
	if !md.Bool("a", false) || md.Bool("b", true) || !md.Bool("missing", true) {
		t.Error("Bool")
	}
	for k, want := range map[string]int64{"n": 7, "f": 2, "s": 16, "u": 3} {
		if v, ok := md.Number(k); !ok || v != want {
			t.Errorf("Number(%s) = %d, %v", k, v, ok)
		}
	}
	if _, ok := md.Number("a"); ok {
		t.Error("bool is not a number")
	}
	if s, ok := md.String("n"); !ok || s != "7" {
		t.Errorf("String(n) = %q", s)
	}
}

func TestDefinitionsUnique(t *testing.T) {
	seen := map[uint16]bool{}
	for _, d := range Definitions() {
		if seen[d.ID] {
			t.Errorf("duplicate definition 0x%04X", d.ID)
		}
		seen[d.ID] = true
	}
}
