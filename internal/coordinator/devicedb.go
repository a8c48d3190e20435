package coordinator

import (
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"zcl-gateway/internal/cluster"
	"zcl-gateway/internal/zcl"
)

// ManufacturerGroup groups device models under one manufacturer name.
type ManufacturerGroup struct {
	Name   string             `yaml:"name"`
	Models []DeviceDefinition `yaml:"models"`
}

// DeviceDefinition is the descriptor metadata of one device model.
type DeviceDefinition struct {
	Manufacturer string         `yaml:"manufacturer"`
	Model        string         `yaml:"model"`
	FriendlyName string         `yaml:"friendly_name,omitempty"`
	Metadata     map[string]any `yaml:"metadata,omitempty"`
}

// DeviceDB holds device definitions keyed by manufacturer and model.
type DeviceDB struct {
	defs     map[string]*DeviceDefinition
	defaults map[string]any
}

func definitionKey(manufacturer, model string) string {
	return manufacturer + "\x00" + model
}

func NewDeviceDB() *DeviceDB {
	return &DeviceDB{defs: make(map[string]*DeviceDefinition)}
}

// Add inserts a definition, replacing any earlier one for the same model.
func (db *DeviceDB) Add(def DeviceDefinition) {
	cp := def
	db.defs[definitionKey(def.Manufacturer, def.Model)] = &cp
}

// Lookup finds a definition by manufacturer and model.
func (db *DeviceDB) Lookup(manufacturer, model string) *DeviceDefinition {
	return db.defs[definitionKey(manufacturer, model)]
}

// Metadata returns the metadata for a model: the file-level defaults
// overlaid with the model's own keys. The result is a fresh map.
func (db *DeviceDB) Metadata(manufacturer, model string) cluster.Metadata {
	md := make(cluster.Metadata, len(db.defaults))
	maps.Copy(md, db.defaults)
	if def := db.Lookup(manufacturer, model); def != nil {
		maps.Copy(md, def.Metadata)
	}
	return md
}

func (db *DeviceDB) Len() int {
	return len(db.defs)
}

// deviceFile is the YAML structure of files in the devices directory.
type deviceFile struct {
	Defaults      map[string]any      `yaml:"defaults,omitempty"`
	Clusters      []zcl.ClusterDef    `yaml:"clusters,omitempty"`
	Devices       []DeviceDefinition  `yaml:"devices,omitempty"`
	Manufacturers []ManufacturerGroup `yaml:"manufacturers,omitempty"`
}

// LoadDeviceDir reads every *.yaml and *.yml file in dir. Cluster
// definitions are merged into registry; device definitions go into the
// returned database. A missing or empty directory yields an empty
// database.
func LoadDeviceDir(dir string, registry *zcl.Registry, logger *slog.Logger) (*DeviceDB, error) {
	db := NewDeviceDB()
	if dir == "" {
		return db, nil
	}

	var matches []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		m, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return db, fmt.Errorf("glob devices dir: %w", err)
		}
		matches = append(matches, m...)
	}
	if len(matches) == 0 {
		logger.Info("no device definition files found", "dir", dir)
		return db, nil
	}

	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return db, fmt.Errorf("read %s: %w", path, err)
		}

		var df deviceFile
		if err := yaml.Unmarshal(data, &df); err != nil {
			return db, fmt.Errorf("parse %s: %w", path, err)
		}

		if len(df.Defaults) > 0 {
			if db.defaults == nil {
				db.defaults = make(map[string]any)
			}
			maps.Copy(db.defaults, df.Defaults)
		}
		for _, c := range df.Clusters {
			registry.Register(c)
		}
		count := len(df.Devices)
		for _, d := range df.Devices {
			db.Add(d)
		}
		for _, mg := range df.Manufacturers {
			for _, d := range mg.Models {
				d.Manufacturer = mg.Name
				db.Add(d)
			}
			count += len(mg.Models)
		}

		logger.Info("loaded device file", "path", filepath.Base(path),
			"clusters", len(df.Clusters), "devices", count)
	}

	logger.Info("device database loaded", "files", len(matches), "devices", db.Len())
	return db, nil
}
