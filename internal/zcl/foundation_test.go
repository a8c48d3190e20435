package zcl

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"zcl-gateway/internal/codec"
)

func TestDecodeReadAttributesResponse(t *testing.T) {
	payload := []byte{
		0x04, 0x00, 0x00, 0x42, 0x04, 'A', 'c', 'm', 'e', // manufacturer name
		0x07, 0x00, 0x86, // unsupported attribute
		0x1C, 0x01, 0x00, 0x20, 0xC8, // LQI 200
	}
	recs, err := DecodeReadAttributesResponse(payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	if s, _ := Text(recs[0].Type, recs[0].Value); s != "Acme" {
		t.Errorf("record 0 = %q", s)
	}
	if recs[1].Status != StatusUnsupportedAttr || recs[1].Value != nil {
		t.Errorf("record 1 = %+v", recs[1])
	}
	if n, _ := Number(recs[2].Type, recs[2].Value); n != 200 {
		t.Errorf("record 2 = %d", n)
	}
}

func TestDecodeReportAttributesPartial(t *testing.T) {
	payload := []byte{
		0x00, 0x00, 0x30, 0x01, // LockState locked
		0x0B, 0x05, 0x29, 0x10, // ActivePower truncated
	}
	recs, err := DecodeReportAttributes(payload)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
	if len(recs) != 1 || recs[0].AttrID != 0x0000 {
		t.Fatalf("records = %+v", recs)
	}
}

func TestEncodeConfigureReporting(t *testing.T) {
	got, err := EncodeConfigureReporting(
		ReportingConfig{AttrID: 0x050B, Type: TypeInt16, MinInterval: 1, MaxInterval: 600, ReportableChange: 10},
		ReportingConfig{AttrID: 0x0000, Type: TypeEnum8, MinInterval: 0, MaxInterval: 3600, ReportableChange: 99},
	)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{
		0x00, 0x0B, 0x05, 0x29, 0x01, 0x00, 0x58, 0x02, 0x0A, 0x00,
		0x00, 0x00, 0x00, 0x30, 0x00, 0x00, 0x10, 0x0E, // enum8 has no change field
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("payload = %X\nwant      %X", got, want)
	}
}

func TestDecodeWriteAttributesResponse(t *testing.T) {
	if err := DecodeWriteAttributesResponse([]byte{0x00}); err != nil {
		t.Errorf("success: %v", err)
	}
	err := DecodeWriteAttributesResponse([]byte{0x88, 0x10, 0x00})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if se.Status != StatusReadOnly || se.AttrID != 0x0010 || !se.HasAttr {
		t.Errorf("status error = %+v", se)
	}
}

func TestDecodeConfigureReportingResponse(t *testing.T) {
	if err := DecodeConfigureReportingResponse([]byte{0x00}); err != nil {
		t.Errorf("success: %v", err)
	}
	err := DecodeConfigureReportingResponse([]byte{0x8C, 0x00, 0x0B, 0x05})
	var se *StatusError
	if !errors.As(err, &se) || se.Status != StatusUnreportable || se.AttrID != 0x050B {
		t.Fatalf("err = %v", err)
	}
}

func TestDecodeDiscoverAttributesResponse(t *testing.T) {
	complete, attrs, err := DecodeDiscoverAttributesResponse([]byte{0x01, 0x00, 0x00, 0x30, 0x20, 0x00, 0x20})
	if err != nil {
		t.Fatal(err)
	}
	if !complete || len(attrs) != 2 || attrs[1].AttrID != 0x0020 || attrs[1].Type != TypeUint8 {
		t.Errorf("complete=%v attrs=%+v", complete, attrs)
	}
}

func TestAlarmEpoch(t *testing.T) {
	if got := FromZigbeeTime(0).Unix(); got != 946684800 {
		t.Errorf("FromZigbeeTime(0) = %d", got)
	}
	if got := FromZigbeeTime(1).Unix(); got != 946684801 {
		t.Errorf("FromZigbeeTime(1) = %d", got)
	}
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if got := FromZigbeeTime(ToZigbeeTime(ts)); !got.Equal(ts) {
		t.Errorf("round trip = %v", got)
	}
}

func TestDecodeAlarmEntry(t *testing.T) {
	buf := codec.NewReader([]byte{0x00, 0x01, 0x01, 0x01, 0x00, 0x00, 0x00})
	e, err := DecodeAlarmEntry(buf)
	if err != nil {
		t.Fatal(err)
	}
	if e.Code != 0 || e.ClusterID != 0x0101 || e.Timestamp.Unix() != 946684801 {
		t.Errorf("entry = %+v", e)
	}
}
