// Package configure drives the configuration hooks of a device's clusters
// in priority order.
package configure

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"zcl-gateway/internal/capability"
	"zcl-gateway/internal/cluster"
)

// ClusterError is the failure of one cluster's configuration.
type ClusterError struct {
	ClusterID uint16
	Endpoint  uint8
	Err       error
}

func (e ClusterError) Error() string {
	return fmt.Sprintf("cluster 0x%04X ep %d: %v", e.ClusterID, e.Endpoint, e.Err)
}

// PartialError reports that some clusters failed to configure. The others
// were configured; the device is usable in a degraded state.
type PartialError struct {
	Failed []ClusterError
}

func (e *PartialError) Error() string {
	parts := make([]string, len(e.Failed))
	for i, f := range e.Failed {
		parts[i] = f.Error()
	}
	return fmt.Sprintf("configuration incomplete: %s", strings.Join(parts, "; "))
}

// Unwrap exposes the individual causes to errors.Is and errors.As.
func (e *PartialError) Unwrap() []error {
	out := make([]error, len(e.Failed))
	for i, f := range e.Failed {
		out[i] = f.Err
	}
	return out
}

// Result lists what happened to each cluster.
type Result struct {
	Configured []uint16
	Skipped    []uint16
}

// Configure calls Configure once on every cluster in cs that implements
// cluster.Configurer, highest priority first. Each cluster runs on the
// first endpoint hosting its server side; clusters the device does not
// host are skipped. Failures do not stop the remaining clusters and are
// returned together as *PartialError.
func Configure(ctx context.Context, logger *slog.Logger, dev *capability.DeviceDetails, md cluster.Metadata, cs []cluster.Cluster) (Result, error) {
	logger = logger.With("component", "configure", "ieee", dev.Address)
	var (
		res    Result
		failed []ClusterError
	)
	for _, c := range cluster.SortByPriority(cs) {
		cfg, ok := c.(cluster.Configurer)
		if !ok {
			continue
		}
		eps := dev.EndpointsWithServer(c.ID())
		if len(eps) == 0 {
			logger.Debug("cluster not on device, skipping", "cluster", fmt.Sprintf("0x%04X", c.ID()))
			res.Skipped = append(res.Skipped, c.ID())
			continue
		}
		cc := &cluster.ConfigContext{Device: dev, Endpoint: eps[0], Metadata: md, Logger: logger}
		if err := ctx.Err(); err != nil {
			failed = append(failed, ClusterError{ClusterID: c.ID(), Endpoint: eps[0], Err: err})
			continue
		}
		if err := cfg.Configure(ctx, cc); err != nil {
			logger.Warn("configure cluster", "cluster", fmt.Sprintf("0x%04X", c.ID()), "ep", eps[0], "err", err)
			failed = append(failed, ClusterError{ClusterID: c.ID(), Endpoint: eps[0], Err: err})
			continue
		}
		logger.Debug("configured cluster", "cluster", fmt.Sprintf("0x%04X", c.ID()), "ep", eps[0])
		res.Configured = append(res.Configured, c.ID())
	}
	if len(failed) > 0 {
		return res, &PartialError{Failed: failed}
	}
	return res, nil
}

// IsPartial reports whether err is a partial configuration failure.
func IsPartial(err error) bool {
	var pe *PartialError
	return errors.As(err, &pe)
}
