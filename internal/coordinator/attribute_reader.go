package coordinator

import (
	"context"
	"fmt"

	"zcl-gateway/internal/hal"
	"zcl-gateway/internal/zcl"
)

// AttributeResult is one decoded attribute of a read.
type AttributeResult struct {
	AttrID   uint16 `json:"attr_id"`
	AttrName string `json:"attr_name"`
	TypeID   uint8  `json:"type_id"`
	TypeName string `json:"type_name"`
	Value    any    `json:"value"`
	Status   uint8  `json:"status"`
	Error    string `json:"error,omitempty"`
}

// ReadAttributes reads raw attributes from a device cluster and names them
// from the registry. A non-zero mfgCode reads manufacturer attributes.
func (c *Coordinator) ReadAttributes(ctx context.Context, addr hal.EUI64, endpoint uint8, clusterID, mfgCode uint16, attrIDs []uint16) ([]AttributeResult, error) {
	recs, err := c.sub.ReadAttributes(ctx, addr, endpoint, clusterID, mfgCode, attrIDs...)
	if err != nil {
		return nil, fmt.Errorf("read attributes: %w", err)
	}

	def := c.registry.Get(clusterID)
	results := make([]AttributeResult, 0, len(recs))
	for _, r := range recs {
		res := AttributeResult{
			AttrID:   r.AttrID,
			AttrName: fmt.Sprintf("0x%04X", r.AttrID),
			Status:   r.Status,
		}
		if def != nil {
			if a := def.FindAttribute(r.AttrID, mfgCode); a != nil {
				res.AttrName = a.Name
			}
		}
		if r.Status != zcl.StatusSuccess {
			res.Error = zcl.StatusName(r.Status)
		} else {
			res.TypeID = r.Type
			res.TypeName = zcl.TypeName(r.Type)
			res.Value = zcl.Decode(r.Type, r.Value)
		}
		results = append(results, res)
	}
	return results, nil
}
