// Package coordinator runs the gateway's device lifecycle on top of the
// ZCL subsystem: network formation, device interviews, persistence,
// cluster attachment and configuration, and the driver-level API used by
// the MQTT and HTTP surfaces.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"zcl-gateway/internal/hal"
	"zcl-gateway/internal/store"
	"zcl-gateway/internal/subsystem"
	"zcl-gateway/internal/zcl"
)

// Radio is the radio backend: frame transport plus network management.
type Radio interface {
	hal.Radio
	hal.Network
}

type factoryResetter interface {
	FactoryReset(ctx context.Context) error
}

// Config holds coordinator configuration.
type Config struct {
	Network hal.NetworkConfig
	// AlarmTimeout bounds one alarm-table retrieval.
	AlarmTimeout time.Duration
	// InterviewTimeout bounds one interview including configuration.
	InterviewTimeout time.Duration
	// RadioType and RadioPort are shown by NetworkInfo.
	RadioType string
	RadioPort string
}

func (c *Config) setDefaults() {
	if c.AlarmTimeout <= 0 {
		c.AlarmTimeout = 30 * time.Second
	}
	if c.InterviewTimeout <= 0 {
		c.InterviewTimeout = 3 * time.Minute
	}
}

// Coordinator manages the network and the devices on it.
type Coordinator struct {
	radio    Radio
	sub      *subsystem.Subsystem
	store    store.Store
	registry *zcl.Registry
	deviceDB *DeviceDB
	events   *EventBus
	clusters *clusterSet
	devices  *DeviceManager
	logger   *slog.Logger
	config   Config
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a coordinator. The subsystem must be built on the same
// radio; the coordinator takes over the radio's announce and leave
// callbacks.
func New(radio Radio, sub *subsystem.Subsystem, st store.Store, registry *zcl.Registry, deviceDB *DeviceDB, events *EventBus, cfg Config, logger *slog.Logger) *Coordinator {
	cfg.setDefaults()
	if registry == nil {
		registry = zcl.NewRegistry(logger)
	}
	if deviceDB == nil {
		deviceDB = NewDeviceDB()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		radio:    radio,
		sub:      sub,
		store:    st,
		registry: registry,
		deviceDB: deviceDB,
		events:   events,
		logger:   logger.With("component", "coordinator"),
		config:   cfg,
		ctx:      ctx,
		cancel:   cancel,
	}
	c.clusters = newClusterSet(sub, events, cfg.AlarmTimeout, logger)
	c.devices = NewDeviceManager(c)
	radio.OnDeviceAnnounce(c.devices.HandleAnnounce)
	radio.OnDeviceLeft(c.devices.HandleLeave)
	sub.OnActivity(c.devices.HandleActivity)
	return c
}

// Context returns the coordinator's context, cancelled by Stop.
func (c *Coordinator) Context() context.Context {
	return c.ctx
}

// Start restores persisted devices and then forms or resumes the network.
// A network formed earlier with the same parameters is resumed from the
// radio's NVRAM; re-forming would change the network key and orphan every
// paired device.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.restoreDevices(ctx); err != nil {
		return err
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.devices.runActivityFlush(activityFlush)
	}()

	if c.canResumeNetwork() {
		c.logger.Info("resuming existing network")
		if err := c.radio.Reset(ctx); err != nil {
			return fmt.Errorf("radio reset (resume): %w", err)
		}
		if err := c.radio.Init(ctx); err != nil {
			return fmt.Errorf("radio init: %w", err)
		}
		err := c.radio.StartNetwork(ctx)
		if err == nil {
			c.started("resumed")
			return nil
		}
		c.logger.Warn("network resume failed, re-forming", "err", err)
	}

	c.logger.Info("forming new network")
	if err := c.radio.Reset(ctx); err != nil {
		return fmt.Errorf("radio reset: %w", err)
	}
	if err := c.radio.Init(ctx); err != nil {
		return fmt.Errorf("radio init: %w", err)
	}
	if err := c.radio.FormNetwork(ctx, c.config.Network); err != nil {
		// Stale NVRAM can make formation fail; erase it and retry once.
		fr, ok := c.radio.(factoryResetter)
		if !ok {
			return fmt.Errorf("form network: %w", err)
		}
		c.logger.Warn("formation failed, trying factory reset", "err", err)
		if err := fr.FactoryReset(ctx); err != nil {
			return fmt.Errorf("radio factory reset: %w", err)
		}
		if err := c.radio.Init(ctx); err != nil {
			return fmt.Errorf("radio init after factory reset: %w", err)
		}
		if err := c.radio.FormNetwork(ctx, c.config.Network); err != nil {
			return fmt.Errorf("form network: %w", err)
		}
	}
	if err := c.radio.StartNetwork(ctx); err != nil {
		return fmt.Errorf("start network: %w", err)
	}
	c.saveNetworkState()
	c.started("formed")
	return nil
}

func (c *Coordinator) started(how string) {
	c.logger.Info("network "+how,
		"channel", c.config.Network.Channel,
		"panID", fmt.Sprintf("0x%04X", c.config.Network.PanID),
		"local", c.radio.LocalAddress())
	c.events.Emit(Event{Type: EventNetworkState, Data: how})
}

func (c *Coordinator) saveNetworkState() {
	err := c.store.SaveNetworkState(&store.NetworkState{
		Channel:  c.config.Network.Channel,
		PanID:    c.config.Network.PanID,
		ExtPanID: c.config.Network.ExtPanID,
		Formed:   true,
	})
	if err != nil {
		c.logger.Error("save network state", "err", err)
	}
}

// canResumeNetwork reports whether the stored network matches the config.
func (c *Coordinator) canResumeNetwork() bool {
	ns, err := c.store.GetNetworkState()
	if err != nil || !ns.Formed {
		return false
	}
	return ns.Channel == c.config.Network.Channel &&
		ns.PanID == c.config.Network.PanID &&
		ns.ExtPanID == c.config.Network.ExtPanID
}

// restoreDevices registers every persisted, discovered device with the
// subsystem without talking to it. Devices whose interview never finished
// wait for their next announce.
func (c *Coordinator) restoreDevices(ctx context.Context) error {
	devices, err := c.store.ListDevices()
	if err != nil {
		return fmt.Errorf("restore devices: %w", err)
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, dev := range devices {
		if dev.Details == nil {
			c.logger.Info("device not discovered yet, waiting for announce", "ieee", dev.Address)
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := c.sub.RegisterDevice(dev.Details, c.clusters.attach(dev.Details)); err != nil {
				return fmt.Errorf("restore %s: %w", dev.Address, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	c.logger.Info("devices restored", "count", len(devices))
	return nil
}

// Stop cancels running interviews and waits for them.
func (c *Coordinator) Stop() {
	c.cancel()
	c.devices.CancelAllInterviews()
	c.wg.Wait()
}

// PermitJoin opens (duration > 0) or closes the network for joining.
func (c *Coordinator) PermitJoin(ctx context.Context, duration uint8) error {
	if err := c.radio.PermitJoin(ctx, duration); err != nil {
		return fmt.Errorf("permit join: %w", err)
	}
	c.logger.Info("permit join", "duration", duration)
	c.events.Emit(Event{Type: EventPermitJoin, Data: map[string]any{"duration": duration}})
	return nil
}

// NetworkInfo describes the running network.
func (c *Coordinator) NetworkInfo() map[string]any {
	return map[string]any{
		"channel":     c.config.Network.Channel,
		"pan_id":      fmt.Sprintf("0x%04X", c.config.Network.PanID),
		"ext_pan_id":  fmt.Sprintf("%016X", c.config.Network.ExtPanID),
		"radio_type":  c.config.RadioType,
		"port":        c.config.RadioPort,
		"coordinator": c.radio.LocalAddress().String(),
	}
}

// ListDevices returns all known devices.
func (c *Coordinator) ListDevices() ([]*store.Device, error) {
	return c.store.ListDevices()
}

// GetDevice returns one device.
func (c *Coordinator) GetDevice(addr hal.EUI64) (*store.Device, error) {
	return c.store.GetDevice(addr)
}

// RenameDevice sets a device's friendly name.
func (c *Coordinator) RenameDevice(addr hal.EUI64, name string) error {
	return c.store.UpdateDevice(addr, func(d *store.Device) error {
		d.FriendlyName = name
		return nil
	})
}

// RemoveDevice asks the device to leave and forgets it. The device is
// forgotten even when the leave request fails.
func (c *Coordinator) RemoveDevice(ctx context.Context, addr hal.EUI64) error {
	if _, err := c.store.GetDevice(addr); err != nil {
		return err
	}
	if err := c.radio.Leave(ctx, addr); err != nil {
		c.logger.Warn("leave request failed", "ieee", addr, "err", err)
	}
	c.devices.forget(addr)
	c.events.emitDevice(EventDeviceRemoved, addr, 0, nil)
	return nil
}

func (c *Coordinator) Registry() *zcl.Registry { return c.registry }
func (c *Coordinator) DeviceDB() *DeviceDB     { return c.deviceDB }
func (c *Coordinator) Events() *EventBus       { return c.events }
func (c *Coordinator) Devices() *DeviceManager { return c.devices }

// IsNotFound reports whether err means the device is unknown.
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound) || errors.Is(err, subsystem.ErrUnknownDevice)
}
