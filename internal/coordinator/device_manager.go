package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"zcl-gateway/internal/capability"
	"zcl-gateway/internal/configure"
	"zcl-gateway/internal/hal"
	"zcl-gateway/internal/store"
)

const (
	announceDebounce  = 3 * time.Second
	interviewAttempts = 3
	activityFlush     = 30 * time.Second
)

type interviewEntry struct {
	cancel context.CancelFunc
	gen    uint64
}

type activity struct {
	at   time.Time
	lqi  uint8
	rssi int8
}

// DeviceManager handles device lifecycle: announce, interview, leave.
type DeviceManager struct {
	coord  *Coordinator
	logger *slog.Logger

	interviewMu      sync.Mutex
	interviewCancels map[hal.EUI64]interviewEntry
	interviewGen     atomic.Uint64
	interviewWg      sync.WaitGroup

	// Debounces repeated announces of one device.
	lastJoinMu sync.Mutex
	lastJoin   map[hal.EUI64]time.Time

	// Link activity seen since the last flush to the store.
	seenMu sync.Mutex
	seen   map[hal.EUI64]activity
}

func NewDeviceManager(coord *Coordinator) *DeviceManager {
	return &DeviceManager{
		coord:            coord,
		logger:           coord.logger.With("component", "device_manager"),
		interviewCancels: make(map[hal.EUI64]interviewEntry),
		lastJoin:         make(map[hal.EUI64]time.Time),
		seen:             make(map[hal.EUI64]activity),
	}
}

// CancelAllInterviews cancels running interviews, waits for them and
// flushes pending activity.
func (dm *DeviceManager) CancelAllInterviews() {
	dm.interviewMu.Lock()
	for addr, entry := range dm.interviewCancels {
		entry.cancel()
		delete(dm.interviewCancels, addr)
	}
	dm.interviewMu.Unlock()
	dm.interviewWg.Wait()
	dm.flushActivity()
}

func (dm *DeviceManager) cancelInterview(addr hal.EUI64) {
	dm.interviewMu.Lock()
	if entry, ok := dm.interviewCancels[addr]; ok {
		entry.cancel()
		delete(dm.interviewCancels, addr)
	}
	dm.interviewMu.Unlock()
}

// HandleAnnounce records the device and starts an interview unless the
// device is already registered and configured.
func (dm *DeviceManager) HandleAnnounce(evt hal.DeviceAnnounceEvent) {
	addr := evt.Address
	now := time.Now()
	st := dm.coord.store

	err := st.UpdateDevice(addr, func(d *store.Device) error {
		d.LastSeen = now
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		err = st.SaveDevice(&store.Device{Address: addr, JoinedAt: now, LastSeen: now})
	}
	if err != nil {
		dm.logger.Error("save device on announce", "ieee", addr, "err", err)
		return
	}
	dev, err := st.GetDevice(addr)
	if err != nil {
		dm.logger.Error("get device on announce", "ieee", addr, "err", err)
		return
	}
	dm.logger.Info("device announce", "ieee", addr, "short", fmt.Sprintf("0x%04X", evt.ShortAddr), "name", dev.Name())

	dm.coord.events.emitDevice(EventDeviceAnnounce, addr, 0, map[string]any{"short_addr": evt.ShortAddr})

	if _, registered := dm.coord.sub.Device(addr); registered && dev.Configured {
		dm.logger.Debug("known device re-announced", "ieee", addr)
		return
	}

	dm.interviewMu.Lock()
	_, interviewing := dm.interviewCancels[addr]
	dm.interviewMu.Unlock()
	if interviewing {
		dm.logger.Info("announce during interview", "ieee", addr)
		return
	}

	dm.lastJoinMu.Lock()
	if last, ok := dm.lastJoin[addr]; ok && time.Since(last) < announceDebounce {
		dm.lastJoinMu.Unlock()
		dm.logger.Debug("duplicate announce, interview already started", "ieee", addr)
		return
	}
	dm.lastJoin[addr] = time.Now()
	if len(dm.lastJoin) > 50 {
		for k, t := range dm.lastJoin {
			if time.Since(t) > time.Minute {
				delete(dm.lastJoin, k)
			}
		}
	}
	dm.lastJoinMu.Unlock()

	dm.interviewWg.Add(1)
	go dm.Interview(addr)
}

// HandleLeave forgets a device that left the network.
func (dm *DeviceManager) HandleLeave(evt hal.DeviceLeftEvent) {
	dev, _ := dm.coord.store.GetDevice(evt.Address)
	dm.logger.Info("device left", "ieee", evt.Address, "name", dev.Name())
	dm.forget(evt.Address)
	dm.coord.events.emitDevice(EventDeviceLeft, evt.Address, 0, nil)
}

// forget drops every trace of the device: interview, subsystem
// registration, staged frames and the store record.
func (dm *DeviceManager) forget(addr hal.EUI64) {
	dm.cancelInterview(addr)

	dm.lastJoinMu.Lock()
	delete(dm.lastJoin, addr)
	dm.lastJoinMu.Unlock()

	dm.seenMu.Lock()
	delete(dm.seen, addr)
	dm.seenMu.Unlock()

	dm.coord.sub.UnregisterDevice(addr)
	dm.coord.sub.DiscardStaged(addr)

	if err := dm.coord.store.DeleteDevice(addr); err != nil {
		dm.logger.Error("delete device", "ieee", addr, "err", err)
	}
}

// Interview discovers the device, persists its capability model, attaches
// clusters and configures them. Discovery is retried; configuration runs
// once and its outcome is stored on the device.
func (dm *DeviceManager) Interview(addr hal.EUI64) {
	gen := dm.interviewGen.Add(1)
	defer func() {
		dm.interviewMu.Lock()
		if entry, ok := dm.interviewCancels[addr]; ok && entry.gen == gen {
			delete(dm.interviewCancels, addr)
		}
		dm.interviewMu.Unlock()
		dm.interviewWg.Done()
	}()

	ctx, cancel := context.WithTimeout(dm.coord.ctx, dm.coord.config.InterviewTimeout)
	defer cancel()

	dm.interviewMu.Lock()
	if prev, ok := dm.interviewCancels[addr]; ok {
		prev.cancel()
	}
	dm.interviewCancels[addr] = interviewEntry{cancel: cancel, gen: gen}
	dm.interviewMu.Unlock()

	details, err := dm.discover(ctx, addr)
	if err != nil {
		dm.logger.Error("interview failed", "ieee", addr, "err", err)
		return
	}

	db := dm.coord.deviceDB
	md := db.Metadata(details.Manufacturer, details.Model)
	def := db.Lookup(details.Manufacturer, details.Model)
	if def == nil {
		dm.logger.Info("no device definition, using defaults", "ieee", addr,
			"manufacturer", details.Manufacturer, "model", details.Model)
	}

	var name string
	err = dm.coord.store.UpdateDevice(addr, func(d *store.Device) error {
		d.Details = details
		d.Metadata = md
		d.Configured = false
		d.ConfigErrors = nil
		if d.FriendlyName == "" && def != nil {
			d.FriendlyName = def.FriendlyName
		}
		name = d.Name()
		return nil
	})
	if err != nil {
		dm.logger.Error("interview: save", "ieee", addr, "err", err)
		return
	}
	dm.coord.events.emitDevice(EventDeviceDiscovered, addr, 0, details)

	// A leave during discovery cancels ctx.
	if ctx.Err() != nil {
		return
	}
	clusters := dm.coord.clusters.attach(details)
	if err := dm.coord.sub.RegisterDevice(details, clusters); err != nil {
		dm.logger.Error("interview: register", "ieee", addr, "err", err)
		return
	}

	res, err := configure.Configure(ctx, dm.logger, details, md, clusters)
	var cfgErrors []string
	switch {
	case err == nil:
	case configure.IsPartial(err):
		var pe *configure.PartialError
		errors.As(err, &pe)
		for _, f := range pe.Failed {
			cfgErrors = append(cfgErrors, f.Error())
		}
	default:
		cfgErrors = []string{err.Error()}
	}

	err = dm.coord.store.UpdateDevice(addr, func(d *store.Device) error {
		d.Configured = len(cfgErrors) == 0
		d.ConfigErrors = cfgErrors
		return nil
	})
	if err != nil {
		dm.logger.Error("interview: save configuration", "ieee", addr, "err", err)
	}

	dm.logger.Info("interview complete", "ieee", addr, "name", name,
		"configured", len(res.Configured), "skipped", len(res.Skipped), "failed", len(cfgErrors))
	dm.coord.events.emitDevice(EventDeviceConfigured, addr, 0, map[string]any{
		"configured": res.Configured,
		"skipped":    res.Skipped,
		"errors":     cfgErrors,
	})
}

// discover runs device discovery, retrying with jitter while the device
// may still be finishing its join.
func (dm *DeviceManager) discover(ctx context.Context, addr hal.EUI64) (*capability.DeviceDetails, error) {
	var lastErr error
	for attempt := 1; attempt <= interviewAttempts; attempt++ {
		dm.logger.Info("starting interview", "ieee", addr, "attempt", attempt)
		details, err := dm.coord.sub.DiscoverDevice(ctx, addr)
		if err == nil {
			return details, nil
		}
		lastErr = err
		dm.logger.Warn("interview: discovery failed", "ieee", addr, "attempt", attempt, "err", err)
		if ctx.Err() != nil || attempt == interviewAttempts {
			break
		}
		delay := 5*time.Second + time.Duration(rand.IntN(3001))*time.Millisecond
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("discover after %d attempts: %w", interviewAttempts, lastErr)
}

// HandleActivity records link quality of a frame from a registered device.
// It runs on the radio goroutine, so the store is written later by
// flushActivity.
func (dm *DeviceManager) HandleActivity(addr hal.EUI64, lqi uint8, rssi int8) {
	dm.seenMu.Lock()
	dm.seen[addr] = activity{at: time.Now(), lqi: lqi, rssi: rssi}
	dm.seenMu.Unlock()
}

// runActivityFlush writes link activity to the store periodically until
// the coordinator stops.
func (dm *DeviceManager) runActivityFlush(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			dm.flushActivity()
		case <-dm.coord.ctx.Done():
			return
		}
	}
}

func (dm *DeviceManager) flushActivity() {
	dm.seenMu.Lock()
	seen := dm.seen
	dm.seen = make(map[hal.EUI64]activity)
	dm.seenMu.Unlock()

	for addr, a := range seen {
		err := dm.coord.store.UpdateDevice(addr, func(d *store.Device) error {
			d.LastSeen = a.at
			if a.lqi > 0 {
				d.LQI = a.lqi
				d.RSSI = a.rssi
			}
			return nil
		})
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			dm.logger.Warn("save activity", "ieee", addr, "err", err)
			continue
		}
		dm.coord.events.emitDevice(EventDeviceSeen, addr, 0, LinkQuality{LQI: a.lqi, RSSI: a.rssi})
	}
}
