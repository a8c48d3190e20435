// Package capability holds the discovered description of a paired device:
// endpoints, their server and client clusters, and the attributes known to
// exist on each cluster. A DeviceDetails tree is built once at discovery and
// must not be modified afterwards; readers need no locking.
package capability

import (
	"fmt"

	"zcl-gateway/internal/hal"
)

// PowerSource mirrors the Basic cluster PowerSource attribute (low 7 bits).
type PowerSource uint8

const (
	PowerUnknown      PowerSource = 0x00
	PowerMainsSingle  PowerSource = 0x01
	PowerMainsThree   PowerSource = 0x02
	PowerBattery      PowerSource = 0x03
	PowerDC           PowerSource = 0x04
	PowerEmergency    PowerSource = 0x05
	PowerEmergencyATS PowerSource = 0x06
)

func (p PowerSource) String() string {
	switch p {
	case PowerMainsSingle, PowerMainsThree:
		return "mains"
	case PowerBattery:
		return "battery"
	case PowerDC:
		return "dc"
	case PowerEmergency, PowerEmergencyATS:
		return "emergency"
	}
	return "unknown"
}

// DeviceType is the node's logical role taken from its node descriptor.
type DeviceType uint8

const (
	DeviceUnknown DeviceType = iota
	DeviceCoordinator
	DeviceRouter
	DeviceEndDevice
	DeviceSleepyEndDevice
)

func (t DeviceType) String() string {
	switch t {
	case DeviceCoordinator:
		return "coordinator"
	case DeviceRouter:
		return "router"
	case DeviceEndDevice:
		return "end_device"
	case DeviceSleepyEndDevice:
		return "sleepy_end_device"
	}
	return "unknown"
}

// DeviceDetails describes one physical node.
type DeviceDetails struct {
	Address         hal.EUI64         `json:"address"`
	Manufacturer    string            `json:"manufacturer"`
	Model           string            `json:"model"`
	HardwareVersion uint8             `json:"hardwareVersion"`
	FirmwareVersion uint32            `json:"firmwareVersion"`
	AppVersion      uint8             `json:"appVersion"`
	PowerSource     PowerSource       `json:"powerSource"`
	DeviceType      DeviceType        `json:"deviceType"`
	Endpoints       []EndpointDetails `json:"endpoints"`
}

// EndpointDetails describes one application endpoint.
type EndpointDetails struct {
	ID            uint8            `json:"id"`
	ProfileID     uint16           `json:"profileId"`
	DeviceID      uint16           `json:"deviceId"`
	DeviceVersion uint8            `json:"deviceVersion"`
	Servers       []ClusterDetails `json:"serverClusters"`
	Clients       []ClusterDetails `json:"clientClusters"`
}

// ClusterDetails lists the attributes known to exist on one cluster side.
type ClusterDetails struct {
	ID         uint16             `json:"id"`
	Server     bool               `json:"server"`
	Attributes []AttributeDetails `json:"attributes"`
}

// AttributeDetails is an attribute id with the value captured at discovery,
// if one was read.
type AttributeDetails struct {
	ID    uint16          `json:"id"`
	Value *AttributeValue `json:"value,omitempty"`
}

// AttributeValue is a ZCL type tag plus the raw wire bytes of the value.
type AttributeValue struct {
	Type uint8  `json:"type"`
	Data []byte `json:"data"`
}

// Endpoint returns the endpoint with the given id.
func (d *DeviceDetails) Endpoint(id uint8) (*EndpointDetails, bool) {
	for i := range d.Endpoints {
		if d.Endpoints[i].ID == id {
			return &d.Endpoints[i], true
		}
	}
	return nil, false
}

// EndpointsWithServer returns, in discovery order, the ids of endpoints
// hosting the server side of clusterID.
func (d *DeviceDetails) EndpointsWithServer(clusterID uint16) []uint8 {
	var out []uint8
	for i := range d.Endpoints {
		if _, ok := d.Endpoints[i].Server(clusterID); ok {
			out = append(out, d.Endpoints[i].ID)
		}
	}
	return out
}

// EndpointsWithClient is EndpointsWithServer for client clusters.
func (d *DeviceDetails) EndpointsWithClient(clusterID uint16) []uint8 {
	var out []uint8
	for i := range d.Endpoints {
		if _, ok := d.Endpoints[i].Client(clusterID); ok {
			out = append(out, d.Endpoints[i].ID)
		}
	}
	return out
}

// HasServerAttribute reports whether attrID is known on the server side of
// clusterID at endpoint.
func (d *DeviceDetails) HasServerAttribute(endpoint uint8, clusterID, attrID uint16) bool {
	ep, ok := d.Endpoint(endpoint)
	if !ok {
		return false
	}
	c, ok := ep.Server(clusterID)
	if !ok {
		return false
	}
	return c.HasAttribute(attrID)
}

// ServerClusterIDs returns the distinct server cluster ids across all
// endpoints, in first-seen order.
func (d *DeviceDetails) ServerClusterIDs() []uint16 {
	seen := make(map[uint16]bool)
	var out []uint16
	for _, ep := range d.Endpoints {
		for _, c := range ep.Servers {
			if !seen[c.ID] {
				seen[c.ID] = true
				out = append(out, c.ID)
			}
		}
	}
	return out
}

// Server returns the server-side cluster with the given id.
func (e *EndpointDetails) Server(clusterID uint16) (*ClusterDetails, bool) {
	return find(e.Servers, clusterID)
}

// Client returns the client-side cluster with the given id.
func (e *EndpointDetails) Client(clusterID uint16) (*ClusterDetails, bool) {
	return find(e.Clients, clusterID)
}

func find(cs []ClusterDetails, id uint16) (*ClusterDetails, bool) {
	for i := range cs {
		if cs[i].ID == id {
			return &cs[i], true
		}
	}
	return nil, false
}

// HasAttribute reports whether attrID is known on the cluster.
func (c *ClusterDetails) HasAttribute(attrID uint16) bool {
	_, ok := c.Attribute(attrID)
	return ok
}

// Attribute returns the attribute with the given id.
func (c *ClusterDetails) Attribute(attrID uint16) (AttributeDetails, bool) {
	for _, a := range c.Attributes {
		if a.ID == attrID {
			return a, true
		}
	}
	return AttributeDetails{}, false
}

// Validate checks the uniqueness invariants of the tree: endpoint ids are
// unique per device, cluster ids per endpoint side, attribute ids per
// cluster, and every cluster's Server flag matches the side it is listed on.
func (d *DeviceDetails) Validate() error {
	eps := make(map[uint8]bool, len(d.Endpoints))
	for _, ep := range d.Endpoints {
		if eps[ep.ID] {
			return fmt.Errorf("duplicate endpoint %d", ep.ID)
		}
		eps[ep.ID] = true
		if err := validateSide(ep.ID, ep.Servers, true); err != nil {
			return err
		}
		if err := validateSide(ep.ID, ep.Clients, false); err != nil {
			return err
		}
	}
	return nil
}

func validateSide(ep uint8, cs []ClusterDetails, server bool) error {
	seen := make(map[uint16]bool, len(cs))
	for _, c := range cs {
		if seen[c.ID] {
			return fmt.Errorf("endpoint %d: duplicate cluster 0x%04X", ep, c.ID)
		}
		seen[c.ID] = true
		if c.Server != server {
			return fmt.Errorf("endpoint %d: cluster 0x%04X listed on wrong side", ep, c.ID)
		}
		attrs := make(map[uint16]bool, len(c.Attributes))
		for _, a := range c.Attributes {
			if attrs[a.ID] {
				return fmt.Errorf("endpoint %d cluster 0x%04X: duplicate attribute 0x%04X", ep, c.ID, a.ID)
			}
			attrs[a.ID] = true
		}
	}
	return nil
}
