package coordinator

import (
	"context"

	"zcl-gateway/internal/hal"
)

// Bind creates a binding on the device from its endpoint and cluster to
// dest. A zero dest binds to the gateway's own endpoint.
func (c *Coordinator) Bind(ctx context.Context, addr hal.EUI64, endpoint uint8, clusterID uint16, dest hal.EUI64, destEndpoint uint8) error {
	if dest == 0 {
		return c.sub.Bind(ctx, addr, endpoint, clusterID)
	}
	return c.sub.BindTo(ctx, addr, endpoint, clusterID, dest, destEndpoint)
}

// Unbind removes one binding from the device. A zero dest removes the
// binding to the gateway.
func (c *Coordinator) Unbind(ctx context.Context, addr hal.EUI64, endpoint uint8, clusterID uint16, dest hal.EUI64, destEndpoint uint8) error {
	if dest == 0 {
		return c.sub.UnbindLocal(ctx, addr, endpoint, clusterID)
	}
	return c.sub.Unbind(ctx, addr, endpoint, clusterID, dest, destEndpoint)
}

// Bindings returns the device's binding table.
func (c *Coordinator) Bindings(ctx context.Context, addr hal.EUI64) ([]hal.BindingEntry, error) {
	return c.sub.Bindings(ctx, addr)
}

// ClearBindings removes every binding the device holds.
func (c *Coordinator) ClearBindings(ctx context.Context, addr hal.EUI64) error {
	return c.sub.ClearBindings(ctx, addr)
}
