package cluster

import (
	"context"
	"fmt"
	"log/slog"

	"zcl-gateway/internal/hal"
	"zcl-gateway/internal/zcl"
)

const (
	ElectricalClusterID uint16 = 0x0B04

	ElectricalAttrRMSVoltage   uint16 = 0x0505
	ElectricalAttrRMSCurrent   uint16 = 0x0508
	ElectricalAttrActivePower  uint16 = 0x050B
	ElectricalAttrACMultiplier uint16 = 0x0604
	ElectricalAttrACDivisor    uint16 = 0x0605
)

var ElectricalDef = zcl.ClusterDef{
	ID:   ElectricalClusterID,
	Name: "ElectricalMeasurement",
	Attributes: []zcl.AttributeDef{
		{ID: ElectricalAttrRMSVoltage, Name: "RMSVoltage", Type: zcl.TypeUint16, Access: zcl.AccessRead | zcl.AccessReport},
		{ID: ElectricalAttrRMSCurrent, Name: "RMSCurrent", Type: zcl.TypeUint16, Access: zcl.AccessRead | zcl.AccessReport},
		{ID: ElectricalAttrActivePower, Name: "ActivePower", Type: zcl.TypeInt16, Access: zcl.AccessRead | zcl.AccessReport},
		{ID: ElectricalAttrACMultiplier, Name: "ACPowerMultiplier", Type: zcl.TypeUint16, Access: zcl.AccessRead},
		{ID: ElectricalAttrACDivisor, Name: "ACPowerDivisor", Type: zcl.TypeUint16, Access: zcl.AccessRead},
	},
}

type ElectricalCallbacks struct {
	// ActivePower carries the raw attribute value; watts are
	// raw * multiplier / divisor.
	ActivePower func(addr hal.EUI64, endpoint uint8, raw int16)
}

// Electrical is the Electrical Measurement cluster.
type Electrical struct {
	sub    Subsystem
	logger *slog.Logger
	cb     ElectricalCallbacks
}

func NewElectrical(sub Subsystem, logger *slog.Logger, cb ElectricalCallbacks) *Electrical {
	return &Electrical{sub: sub, logger: logger.With("component", "electrical"), cb: cb}
}

func (e *Electrical) ID() uint16                 { return ElectricalClusterID }
func (e *Electrical) Priority() int              { return PriorityDefault }
func (e *Electrical) Definition() zcl.ClusterDef { return ElectricalDef }

// PowerScale reads the AC power multiplier and divisor. Either being zero
// is an error.
func (e *Electrical) PowerScale(ctx context.Context, addr hal.EUI64, endpoint uint8) (mult, div uint16, err error) {
	m, err := e.sub.ReadNumber(ctx, addr, endpoint, ElectricalClusterID, ElectricalAttrACMultiplier)
	if err != nil {
		return 0, 0, fmt.Errorf("read power multiplier: %w", err)
	}
	d, err := e.sub.ReadNumber(ctx, addr, endpoint, ElectricalClusterID, ElectricalAttrACDivisor)
	if err != nil {
		return 0, 0, fmt.Errorf("read power divisor: %w", err)
	}
	if m == 0 || d == 0 {
		return 0, 0, fmt.Errorf("%w: power multiplier %d divisor %d", zcl.ErrMalformed, m, d)
	}
	return uint16(m), uint16(d), nil
}

// ReportableChange is the active power delta worth about one watt.
func ReportableChange(mult, div uint16) uint64 {
	return uint64(div / mult)
}

// Configure sets up active power reporting with a one-watt threshold. It
// fails if the scale factors cannot be read.
func (e *Electrical) Configure(ctx context.Context, cc *ConfigContext) error {
	if !cc.HasAttribute(ElectricalClusterID, ElectricalAttrActivePower) {
		return nil
	}
	addr := cc.Device.Address
	mult, div, err := e.PowerScale(ctx, addr, cc.Endpoint)
	if err != nil {
		return err
	}
	if err := e.sub.Bind(ctx, addr, cc.Endpoint, ElectricalClusterID); err != nil {
		return fmt.Errorf("bind electrical measurement: %w", err)
	}
	change := ReportableChange(mult, div)
	err = e.sub.ConfigureReporting(ctx, addr, cc.Endpoint, ElectricalClusterID, 0, zcl.ReportingConfig{
		AttrID:           ElectricalAttrActivePower,
		Type:             zcl.TypeInt16,
		MinInterval:      1,
		MaxInterval:      3600,
		ReportableChange: change,
	})
	if err != nil {
		return fmt.Errorf("configure active power reporting: %w", err)
	}
	e.logger.Debug("active power reporting", "ieee", addr, "multiplier", mult, "divisor", div, "change", change)
	return nil
}

func (e *Electrical) HandleAttributeReport(ctx context.Context, r *AttributeReport) bool {
	recs, err := r.Records()
	if err != nil {
		e.logger.Warn("dropping malformed electrical report", "ieee", r.Source, "err", err)
		return true
	}
	for _, rec := range recs {
		if rec.AttrID != ElectricalAttrActivePower {
			continue
		}
		v, err := zcl.Number(rec.Type, rec.Value)
		if err != nil {
			e.logger.Warn("active power report", "ieee", r.Source, "err", err)
			continue
		}
		if e.cb.ActivePower != nil {
			e.cb.ActivePower(r.Source, r.Endpoint, int16(v))
		}
	}
	return true
}
