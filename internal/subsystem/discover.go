package subsystem

import (
	"context"
	"errors"
	"fmt"

	"zcl-gateway/internal/capability"
	"zcl-gateway/internal/hal"
	"zcl-gateway/internal/zcl"
)

const (
	clusterBasic = 0x0000
	clusterOTA   = 0x0019

	attrAppVersion  = 0x0001
	attrHWVersion   = 0x0003
	attrManufacture = 0x0004
	attrModel       = 0x0005
	attrPowerSource = 0x0007
	attrOTAVersion  = 0x0002

	discoverPageSize = 16
	discoverMaxPages = 32
)

// DiscoverAttributes lists the attributes of one cluster side. dir
// ClientToServer addresses the server side.
func (s *Subsystem) DiscoverAttributes(ctx context.Context, addr hal.EUI64, endpoint uint8, clusterID uint16, dir zcl.Direction) ([]zcl.DiscoveredAttribute, error) {
	var all []zcl.DiscoveredAttribute
	start := uint16(0)
	for page := 0; page < discoverMaxPages; page++ {
		h := zcl.Header{
			FrameType: zcl.FrameTypeGlobal,
			Direction: dir,
			CommandID: zcl.FoundationDiscoverAttributes,
		}
		fr, err := s.transact(ctx, addr, endpoint, clusterID, h, zcl.EncodeDiscoverAttributes(start, discoverPageSize),
			zcl.FoundationDiscoverAttributesResp)
		if err != nil {
			return all, err
		}
		if fr.CommandID != zcl.FoundationDiscoverAttributesResp {
			return all, fmt.Errorf("%w: discover attributes answered with cmd 0x%02X", zcl.ErrMalformed, fr.CommandID)
		}
		complete, attrs, err := zcl.DecodeDiscoverAttributesResponse(fr.Payload)
		if err != nil {
			return all, err
		}
		all = append(all, attrs...)
		if complete || len(attrs) == 0 {
			return all, nil
		}
		last := attrs[len(attrs)-1].AttrID
		if last == 0xFFFF {
			return all, nil
		}
		start = last + 1
	}
	return all, nil
}

// DiscoverDevice interviews a device and builds its capability model:
// node descriptor, endpoints, simple descriptors, the attribute list of
// every server cluster, identification strings from Basic and the OTA
// client's firmware version.
//
// A device that stops answering fails the whole discovery. A cluster that
// rejects attribute discovery is kept with an empty attribute list.
func (s *Subsystem) DiscoverDevice(ctx context.Context, addr hal.EUI64) (*capability.DeviceDetails, error) {
	logger := s.logger.With("addr", addr)

	nd, err := s.radio.NodeDescriptor(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("discover %s: node descriptor: %w", addr, err)
	}
	dev := &capability.DeviceDetails{
		Address:    addr,
		DeviceType: deviceType(nd),
	}
	if nd.MainsPowered {
		dev.PowerSource = capability.PowerMainsSingle
	}

	eps, err := s.radio.ActiveEndpoints(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("discover %s: active endpoints: %w", addr, err)
	}
	for _, ep := range eps {
		sd, err := s.radio.SimpleDescriptor(ctx, addr, ep)
		if err != nil {
			return nil, fmt.Errorf("discover %s: simple descriptor %d: %w", addr, ep, err)
		}
		epd := capability.EndpointDetails{
			ID:            ep,
			ProfileID:     sd.ProfileID,
			DeviceID:      sd.DeviceID,
			DeviceVersion: sd.DeviceVersion,
		}
		for _, id := range sd.InClusters {
			cd := capability.ClusterDetails{ID: id, Server: true}
			attrs, err := s.DiscoverAttributes(ctx, addr, ep, id, zcl.ClientToServer)
			if err != nil {
				if !isRejection(err) {
					return nil, fmt.Errorf("discover %s: attributes of 0x%04X on %d: %w", addr, id, ep, err)
				}
				logger.Debug("attribute discovery rejected", "ep", ep, "cluster", s.clusterName(id), "err", err)
			}
			for _, a := range attrs {
				cd.Attributes = append(cd.Attributes, capability.AttributeDetails{ID: a.AttrID})
			}
			epd.Servers = append(epd.Servers, cd)
		}
		for _, id := range sd.OutClusters {
			epd.Clients = append(epd.Clients, capability.ClusterDetails{ID: id})
		}
		dev.Endpoints = append(dev.Endpoints, epd)
		logger.Info("endpoint discovered", "ep", ep,
			"profile", fmt.Sprintf("0x%04X", sd.ProfileID),
			"device", fmt.Sprintf("0x%04X", sd.DeviceID),
			"in_clusters", len(sd.InClusters),
			"out_clusters", len(sd.OutClusters))
	}

	if err := s.readBasic(ctx, dev); err != nil {
		return nil, err
	}
	s.readOTAVersion(ctx, dev)

	if err := dev.Validate(); err != nil {
		return nil, fmt.Errorf("discover %s: %w", addr, err)
	}
	logger.Info("device discovered", "manufacturer", dev.Manufacturer, "model", dev.Model,
		"type", dev.DeviceType, "endpoints", len(dev.Endpoints))
	return dev, nil
}

func deviceType(nd *hal.NodeDescriptor) capability.DeviceType {
	switch nd.LogicalType {
	case hal.LogicalTypeCoordinator:
		return capability.DeviceCoordinator
	case hal.LogicalTypeRouter:
		return capability.DeviceRouter
	case hal.LogicalTypeEndDevice:
		if nd.RxOnWhenIdle {
			return capability.DeviceEndDevice
		}
		return capability.DeviceSleepyEndDevice
	}
	return capability.DeviceUnknown
}

// isRejection reports whether err is the device refusing rather than a
// transport failure.
func isRejection(err error) bool {
	var se *zcl.StatusError
	return errors.As(err, &se) || errors.Is(err, zcl.ErrMalformed)
}

// readBasic reads identification attributes from the first Basic server
// and captures their values in the model.
func (s *Subsystem) readBasic(ctx context.Context, dev *capability.DeviceDetails) error {
	eps := dev.EndpointsWithServer(clusterBasic)
	if len(eps) == 0 {
		return nil
	}
	ep := eps[0]
	recs, err := s.ReadAttributes(ctx, dev.Address, ep, clusterBasic, 0,
		attrAppVersion, attrHWVersion, attrManufacture, attrModel, attrPowerSource)
	if err != nil {
		if isRejection(err) {
			s.logger.Debug("basic read rejected", "addr", dev.Address, "err", err)
			return nil
		}
		return fmt.Errorf("discover %s: basic attributes: %w", dev.Address, err)
	}

	epd, _ := dev.Endpoint(ep)
	basic, _ := epd.Server(clusterBasic)
	for _, r := range recs {
		if r.Status != zcl.StatusSuccess {
			continue
		}
		switch r.AttrID {
		case attrManufacture:
			dev.Manufacturer, _ = zcl.Text(r.Type, r.Value)
		case attrModel:
			dev.Model, _ = zcl.Text(r.Type, r.Value)
		case attrAppVersion:
			if v, err := zcl.Number(r.Type, r.Value); err == nil {
				dev.AppVersion = uint8(v)
			}
		case attrHWVersion:
			if v, err := zcl.Number(r.Type, r.Value); err == nil {
				dev.HardwareVersion = uint8(v)
			}
		case attrPowerSource:
			if v, err := zcl.Number(r.Type, r.Value); err == nil {
				dev.PowerSource = capability.PowerSource(v & 0x7F)
			}
		}
		capture(basic, r)
	}
	return nil
}

func capture(cd *capability.ClusterDetails, r zcl.AttributeRecord) {
	val := &capability.AttributeValue{Type: r.Type, Data: r.Value}
	for i := range cd.Attributes {
		if cd.Attributes[i].ID == r.AttrID {
			cd.Attributes[i].Value = val
			return
		}
	}
	cd.Attributes = append(cd.Attributes, capability.AttributeDetails{ID: r.AttrID, Value: val})
}

// readOTAVersion reads the current file version from the first OTA
// client. Failures leave FirmwareVersion at zero.
func (s *Subsystem) readOTAVersion(ctx context.Context, dev *capability.DeviceDetails) {
	eps := dev.EndpointsWithClient(clusterOTA)
	if len(eps) == 0 {
		return
	}
	h := zcl.Header{
		FrameType: zcl.FrameTypeGlobal,
		Direction: zcl.ServerToClient,
		CommandID: zcl.FoundationReadAttributes,
	}
	fr, err := s.transact(ctx, dev.Address, eps[0], clusterOTA, h, zcl.EncodeReadAttributes(attrOTAVersion),
		zcl.FoundationReadAttributesResponse)
	if err != nil {
		s.logger.Debug("ota version read failed", "addr", dev.Address, "err", err)
		return
	}
	recs, err := zcl.DecodeReadAttributesResponse(fr.Payload)
	if err != nil {
		return
	}
	for _, r := range recs {
		if r.AttrID != attrOTAVersion || r.Status != zcl.StatusSuccess {
			continue
		}
		if v, err := zcl.Number(r.Type, r.Value); err == nil {
			dev.FirmwareVersion = uint32(v)
		}
	}
}
