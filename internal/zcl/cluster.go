package zcl

// Access flags
const (
	AccessRead   uint8 = 0x01
	AccessWrite  uint8 = 0x02
	AccessReport uint8 = 0x04
)

// AttributeDef describes a ZCL attribute. MfgCode is non-zero for
// manufacturer-specific attributes.
type AttributeDef struct {
	ID      uint16 `json:"id" yaml:"id"`
	Name    string `json:"name" yaml:"name"`
	Type    uint8  `json:"type" yaml:"type"`
	Access  uint8  `json:"access" yaml:"access"`
	MfgCode uint16 `json:"mfg_code,omitempty" yaml:"mfg_code,omitempty"`
}

func (a *AttributeDef) IsWritable() bool   { return a.Access&AccessWrite != 0 }
func (a *AttributeDef) IsReportable() bool { return a.Access&AccessReport != 0 }

// CommandDef describes a cluster-specific command.
type CommandDef struct {
	ID        uint8     `json:"id" yaml:"id"`
	Name      string    `json:"name" yaml:"name"`
	Direction Direction `json:"direction" yaml:"direction"`
	MfgCode   uint16    `json:"mfg_code,omitempty" yaml:"mfg_code,omitempty"`
}

// ClusterDef is the static description of a cluster, used for naming
// clusters, attributes and commands in logs and the API.
type ClusterDef struct {
	ID         uint16         `json:"id" yaml:"id"`
	Name       string         `json:"name" yaml:"name"`
	Attributes []AttributeDef `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	Commands   []CommandDef   `json:"commands,omitempty" yaml:"commands,omitempty"`
}

// FindAttribute looks up an attribute by ID and manufacturer code.
func (c *ClusterDef) FindAttribute(id, mfgCode uint16) *AttributeDef {
	for i := range c.Attributes {
		if c.Attributes[i].ID == id && c.Attributes[i].MfgCode == mfgCode {
			return &c.Attributes[i]
		}
	}
	return nil
}

// FindCommand looks up a command by ID, direction and manufacturer code.
func (c *ClusterDef) FindCommand(id uint8, dir Direction, mfgCode uint16) *CommandDef {
	for i := range c.Commands {
		cmd := &c.Commands[i]
		if cmd.ID == id && cmd.Direction == dir && cmd.MfgCode == mfgCode {
			return cmd
		}
	}
	return nil
}

// DeepCopy returns a deep copy of the cluster definition.
func (c *ClusterDef) DeepCopy() *ClusterDef {
	cp := *c
	cp.Attributes = append([]AttributeDef(nil), c.Attributes...)
	cp.Commands = append([]CommandDef(nil), c.Commands...)
	return &cp
}

// Merge adds attributes and commands that c does not define yet.
func (c *ClusterDef) Merge(other *ClusterDef) {
	for _, attr := range other.Attributes {
		if c.FindAttribute(attr.ID, attr.MfgCode) == nil {
			c.Attributes = append(c.Attributes, attr)
		}
	}
	for _, cmd := range other.Commands {
		if c.FindCommand(cmd.ID, cmd.Direction, cmd.MfgCode) == nil {
			c.Commands = append(c.Commands, cmd)
		}
	}
}
