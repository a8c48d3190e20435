// Package subsystem is the ZCL subsystem façade: it turns cluster-level
// reads, writes, commands and bindings into radio frames, correlates
// responses, and delivers inbound frames to each device's clusters in
// arrival order.
package subsystem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"zcl-gateway/internal/capability"
	"zcl-gateway/internal/cluster"
	"zcl-gateway/internal/hal"
	"zcl-gateway/internal/zcl"
)

var (
	// ErrNoResponse is returned when a device does not answer in time.
	ErrNoResponse = errors.New("subsystem: no response")
	// ErrTypeWidth is returned when a write's type tag and width disagree.
	ErrTypeWidth = errors.New("subsystem: type tag and width mismatch")
	// ErrUnknownDevice is returned for addresses with no registered device.
	ErrUnknownDevice = errors.New("subsystem: unknown device")
)

// Config tunes the subsystem. Zero values take defaults.
type Config struct {
	// ResponseTimeout bounds every request/response exchange.
	ResponseTimeout time.Duration
	// StagedFrames is the per-address bound on frames held for devices
	// that are not registered yet. The oldest frame is dropped first.
	StagedFrames int
	// StagedDevices bounds the number of addresses with staged frames.
	StagedDevices int
	// InboxSize is the per-device delivery queue length.
	InboxSize int
	// LocalEndpoint is the gateway endpoint used as source and as the
	// default binding destination.
	LocalEndpoint uint8
}

func (c *Config) setDefaults() {
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = 10 * time.Second
	}
	if c.StagedFrames <= 0 {
		c.StagedFrames = 16
	}
	if c.StagedDevices <= 0 {
		c.StagedDevices = 64
	}
	if c.InboxSize < c.StagedFrames {
		c.InboxSize = max(64, c.StagedFrames)
	}
	if c.LocalEndpoint == 0 {
		c.LocalEndpoint = 1
	}
}

type pendingKey struct {
	addr hal.EUI64
	seq  uint8
}

type pendingEntry struct {
	clusterID uint16
	frameType zcl.FrameType
	commandID uint8
	responses []uint8
	ch        chan zcl.Frame
}

// answers reports whether fr is a reply to this request.
func (p pendingEntry) answers(clusterID uint16, fr zcl.Frame) bool {
	if clusterID != p.clusterID {
		return false
	}
	if fr.FrameType == zcl.FrameTypeGlobal && fr.CommandID == zcl.FoundationDefaultResponse {
		return len(fr.Payload) >= 1 && fr.Payload[0] == p.commandID
	}
	return fr.FrameType == p.frameType && slices.Contains(p.responses, fr.CommandID)
}

// Subsystem implements cluster.Subsystem on top of a hal.Radio.
type Subsystem struct {
	radio    hal.Radio
	registry *zcl.Registry
	logger   *slog.Logger
	cfg      Config

	ctx    context.Context
	cancel context.CancelFunc

	seq atomic.Uint32

	pendingMu sync.Mutex
	pending   map[pendingKey]pendingEntry

	devMu   sync.RWMutex
	devices map[hal.EUI64]*device
	staged  map[hal.EUI64][]hal.IncomingFrame

	activityMu sync.RWMutex
	onActivity func(addr hal.EUI64, lqi uint8, rssi int8)

	wg sync.WaitGroup
}

var _ cluster.Subsystem = (*Subsystem)(nil)

// New creates a subsystem and installs its frame handler on radio.
// registry is used only for naming clusters in logs and may be nil.
func New(radio hal.Radio, registry *zcl.Registry, logger *slog.Logger, cfg Config) *Subsystem {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Subsystem{
		radio:    radio,
		registry: registry,
		logger:   logger.With("component", "subsystem"),
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		pending:  make(map[pendingKey]pendingEntry),
		devices:  make(map[hal.EUI64]*device),
		staged:   make(map[hal.EUI64][]hal.IncomingFrame),
	}
	radio.OnFrame(s.handleFrame)
	return s
}

// OnActivity registers a callback run for every frame received from a
// registered device, on the radio goroutine.
func (s *Subsystem) OnActivity(fn func(addr hal.EUI64, lqi uint8, rssi int8)) {
	s.activityMu.Lock()
	s.onActivity = fn
	s.activityMu.Unlock()
}

// Close stops every device worker. Pending requests fail with their
// context.
func (s *Subsystem) Close() {
	s.cancel()
	s.devMu.Lock()
	for addr, d := range s.devices {
		d.stop()
		delete(s.devices, addr)
	}
	clear(s.staged)
	s.devMu.Unlock()
	s.wg.Wait()
}

func (s *Subsystem) nextSeq() uint8 {
	return uint8(s.seq.Add(1))
}

func (s *Subsystem) clusterName(id uint16) string {
	if s.registry != nil {
		return s.registry.ClusterName(id)
	}
	return fmt.Sprintf("0x%04X", id)
}

// handleFrame runs on the radio goroutine. Responses to outstanding
// requests are resolved here; everything else is queued to the device
// worker, or staged while the device is not registered.
func (s *Subsystem) handleFrame(in hal.IncomingFrame) {
	fr, err := zcl.DecodeFrame(in.Data)
	if err != nil {
		s.logger.Warn("drop undecodable frame", "addr", in.Source,
			"cluster", fmt.Sprintf("0x%04X", in.ClusterID), "err", err)
		return
	}
	if s.resolve(in, fr) {
		return
	}

	s.devMu.RLock()
	d, ok := s.devices[in.Source]
	if ok {
		d.enqueue(in)
	}
	s.devMu.RUnlock()

	if ok {
		s.activityMu.RLock()
		fn := s.onActivity
		s.activityMu.RUnlock()
		if fn != nil {
			fn(in.Source, in.LQI, in.RSSI)
		}
		return
	}
	s.stage(in)
}

// isResponse reports whether fr can answer an outstanding request.
// Attribute reports and device-originated requests never do.
func isResponse(fr zcl.Frame) bool {
	if fr.FrameType == zcl.FrameTypeCluster {
		return fr.Direction == zcl.ServerToClient
	}
	switch fr.CommandID {
	case zcl.FoundationReadAttributesResponse,
		zcl.FoundationWriteAttributesResp,
		zcl.FoundationConfigReportingResp,
		zcl.FoundationDefaultResponse,
		zcl.FoundationDiscoverAttributesResp:
		return true
	}
	return false
}

func (s *Subsystem) resolve(in hal.IncomingFrame, fr zcl.Frame) bool {
	if !isResponse(fr) {
		return false
	}
	key := pendingKey{in.Source, fr.Sequence}
	s.pendingMu.Lock()
	p, ok := s.pending[key]
	ok = ok && p.answers(in.ClusterID, fr)
	if ok {
		delete(s.pending, key)
	}
	s.pendingMu.Unlock()
	if !ok {
		return false
	}
	// Payload aliases the radio buffer.
	fr.Payload = append([]byte(nil), fr.Payload...)
	p.ch <- fr
	return true
}

func (s *Subsystem) stage(in hal.IncomingFrame) {
	s.devMu.Lock()
	defer s.devMu.Unlock()
	// Registration may have happened since the read-locked lookup.
	if d, ok := s.devices[in.Source]; ok {
		d.enqueue(in)
		return
	}
	q, ok := s.staged[in.Source]
	if !ok && len(s.staged) >= s.cfg.StagedDevices {
		s.logger.Warn("staging full, dropping frame", "addr", in.Source,
			"cluster", s.clusterName(in.ClusterID))
		return
	}
	if len(q) >= s.cfg.StagedFrames {
		s.logger.Debug("staged queue full, dropping oldest", "addr", in.Source)
		q = q[1:]
	}
	in.Data = append([]byte(nil), in.Data...)
	s.staged[in.Source] = append(q, in)
}

// StagedCount returns the number of frames held for addr.
func (s *Subsystem) StagedCount(addr hal.EUI64) int {
	s.devMu.RLock()
	defer s.devMu.RUnlock()
	return len(s.staged[addr])
}

// DiscardStaged drops the frames held for addr and returns how many there
// were.
func (s *Subsystem) DiscardStaged(addr hal.EUI64) int {
	s.devMu.Lock()
	defer s.devMu.Unlock()
	n := len(s.staged[addr])
	delete(s.staged, addr)
	if n > 0 {
		s.logger.Debug("discarded staged frames", "addr", addr, "count", n)
	}
	return n
}

// RegisterDevice attaches clusters to a device and starts its worker.
// Frames staged for the address are delivered first, in arrival order.
// Registering an address again replaces the previous cluster set.
func (s *Subsystem) RegisterDevice(details *capability.DeviceDetails, clusters []cluster.Cluster) error {
	if details == nil {
		return errors.New("register device: nil details")
	}
	if err := s.ctx.Err(); err != nil {
		return fmt.Errorf("register device %s: %w", details.Address, err)
	}
	d := &device{
		addr:     details.Address,
		details:  details,
		clusters: append([]cluster.Cluster(nil), clusters...),
		inbox:    make(chan hal.IncomingFrame, s.cfg.InboxSize),
		done:     make(chan struct{}),
		logger:   s.logger.With("addr", details.Address),
	}

	s.devMu.Lock()
	if old, ok := s.devices[d.addr]; ok {
		old.stop()
	}
	s.devices[d.addr] = d
	staged := s.staged[d.addr]
	delete(s.staged, d.addr)
	for _, in := range staged {
		d.enqueue(in)
	}
	s.devMu.Unlock()

	s.wg.Add(1)
	go s.run(d)

	s.logger.Info("device registered", "addr", d.addr, "clusters", len(clusters), "staged", len(staged))
	return nil
}

// UnregisterDevice stops the device worker, releases per-device state
// held by its clusters and drops any staged frames.
func (s *Subsystem) UnregisterDevice(addr hal.EUI64) {
	s.devMu.Lock()
	d, ok := s.devices[addr]
	delete(s.devices, addr)
	delete(s.staged, addr)
	s.devMu.Unlock()
	if !ok {
		return
	}
	d.stop()
	for _, c := range d.clusters {
		if r, ok := c.(cluster.Releaser); ok {
			r.ReleaseDevice(addr)
		}
	}
	s.logger.Info("device unregistered", "addr", addr)
}

// Device returns the capability model of a registered device.
func (s *Subsystem) Device(addr hal.EUI64) (*capability.DeviceDetails, bool) {
	s.devMu.RLock()
	defer s.devMu.RUnlock()
	d, ok := s.devices[addr]
	if !ok {
		return nil, false
	}
	return d.details, true
}

// Clusters returns the clusters attached to a registered device.
func (s *Subsystem) Clusters(addr hal.EUI64) ([]cluster.Cluster, bool) {
	d, ok := s.lookup(addr)
	if !ok {
		return nil, false
	}
	return d.clusters, true
}

func (s *Subsystem) lookup(addr hal.EUI64) (*device, bool) {
	s.devMu.RLock()
	defer s.devMu.RUnlock()
	d, ok := s.devices[addr]
	return d, ok
}

// DispatchAlarm offers an alarm to the device's cluster with the alarm's
// cluster id.
func (s *Subsystem) DispatchAlarm(ctx context.Context, addr hal.EUI64, endpoint uint8, a cluster.Alarm) bool {
	return s.dispatchAlarm(ctx, addr, endpoint, a, false)
}

// DispatchAlarmCleared is DispatchAlarm for cleared alarms.
func (s *Subsystem) DispatchAlarmCleared(ctx context.Context, addr hal.EUI64, endpoint uint8, a cluster.Alarm) bool {
	return s.dispatchAlarm(ctx, addr, endpoint, a, true)
}

func (s *Subsystem) dispatchAlarm(ctx context.Context, addr hal.EUI64, endpoint uint8, a cluster.Alarm, cleared bool) bool {
	d, ok := s.lookup(addr)
	if !ok {
		return false
	}
	for _, c := range d.clusters {
		if c.ID() != a.ClusterID {
			continue
		}
		h, ok := c.(cluster.AlarmHandler)
		if !ok {
			continue
		}
		if cleared {
			if h.HandleAlarmCleared(ctx, addr, endpoint, a) {
				return true
			}
		} else if h.HandleAlarm(ctx, addr, endpoint, a) {
			return true
		}
	}
	return false
}

// DispatchCheckin runs every check-in hook of the device. Each cluster
// gets the endpoint hosting its server side, or the check-in endpoint
// when it has none.
func (s *Subsystem) DispatchCheckin(ctx context.Context, addr hal.EUI64, endpoint uint8) {
	d, ok := s.lookup(addr)
	if !ok {
		return
	}
	for _, c := range d.clusters {
		h, ok := c.(cluster.CheckinHandler)
		if !ok {
			continue
		}
		ep := endpoint
		if eps := d.details.EndpointsWithServer(c.ID()); len(eps) > 0 {
			ep = eps[0]
		}
		h.HandlePollControlCheckin(ctx, addr, ep)
	}
}
