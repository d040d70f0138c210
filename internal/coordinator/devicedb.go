package coordinator

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"zigbee-tuya-bridge/internal/converter"
	"zigbee-tuya-bridge/internal/tuya"
	"zigbee-tuya-bridge/internal/zcl"
)

// ConverterRef names a hand-written converter and its DP roles.
type ConverterRef struct {
	Name   string           `json:"name" yaml:"name"`
	DPs    map[string]uint8 `json:"dps,omitempty" yaml:"dps,omitempty"`
	Params map[string]any   `json:"params,omitempty" yaml:"params,omitempty"`
}

// ManufacturerGroup groups device models under one manufacturer name.
type ManufacturerGroup struct {
	Name   string             `json:"name" yaml:"name"`
	Models []DeviceDefinition `json:"models" yaml:"models"`
}

// DeviceDefinition describes one Tuya DP device model.
type DeviceDefinition struct {
	Manufacturer string `json:"manufacturer" yaml:"manufacturer"`
	// Aliases are further manufacturer names sharing this definition.
	Aliases      []string `json:"aliases,omitempty" yaml:"aliases,omitempty"`
	Model        string   `json:"model" yaml:"model"`
	FriendlyName string   `json:"friendly_name,omitempty" yaml:"friendly_name,omitempty"`
	Description  string   `json:"description,omitempty" yaml:"description,omitempty"`

	Datapoints []converter.SchemaEntry `json:"tuya_datapoints,omitempty" yaml:"tuya_datapoints,omitempty"`
	Converters []ConverterRef          `json:"converters,omitempty" yaml:"converters,omitempty"`

	// TimeEpoch is 1970 (default) or 2000, the zero point for mcuSyncTime.
	TimeEpoch int `json:"time_epoch,omitempty" yaml:"time_epoch,omitempty"`
	// QueryInterval, as a Go duration, polls the device with dataQuery.
	QueryInterval string `json:"query_interval,omitempty" yaml:"query_interval,omitempty"`
	// QueryOnAdd sends a dataQuery when the device is registered or the
	// bridge starts. Some devices report nothing until asked.
	QueryOnAdd bool `json:"query_on_add,omitempty" yaml:"query_on_add,omitempty"`
	// IgnoreVersionResponse disables the mcuVersionRequest answer.
	IgnoreVersionResponse bool `json:"ignore_version_response,omitempty" yaml:"ignore_version_response,omitempty"`
	// Options are defaults merged under per-device options.
	Options map[string]any `json:"options,omitempty" yaml:"options,omitempty"`
}

// Profile is a compiled device definition.
type Profile struct {
	Def           DeviceDefinition
	Chain         *converter.Chain
	Epoch         tuya.Epoch
	QueryInterval time.Duration
}

// DeviceDB holds compiled profiles keyed by manufacturer+model. A
// definition with an empty model matches every model of its manufacturer.
type DeviceDB struct {
	profiles map[string]*Profile
}

func deviceKey(manufacturer, model string) string {
	return manufacturer + "\x00" + model
}

// NewDeviceDB creates an empty device database.
func NewDeviceDB() *DeviceDB {
	return &DeviceDB{profiles: make(map[string]*Profile)}
}

// Compile validates def and builds its converter chain.
func Compile(def DeviceDefinition, reg *converter.Registry, logger *slog.Logger) (*Profile, error) {
	if def.Manufacturer == "" {
		return nil, fmt.Errorf("definition %q: manufacturer is required", def.Model)
	}
	p := &Profile{Def: def, Epoch: tuya.Epoch1970}

	switch def.TimeEpoch {
	case 0, 1970:
	case 2000:
		p.Epoch = tuya.Epoch2000
	default:
		return nil, fmt.Errorf("time_epoch %d: must be 1970 or 2000", def.TimeEpoch)
	}
	if def.QueryInterval != "" {
		d, err := time.ParseDuration(def.QueryInterval)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("query_interval %q: must be a positive duration", def.QueryInterval)
		}
		p.QueryInterval = d
	}

	var schema *converter.Schema
	if len(def.Datapoints) > 0 {
		var err error
		schema, err = converter.Compile(def.Datapoints)
		if err != nil {
			return nil, fmt.Errorf("tuya_datapoints: %w", err)
		}
	}
	convs := make([]converter.Converter, 0, len(def.Converters))
	for _, ref := range def.Converters {
		c, err := reg.Build(ref.Name, converter.FactoryConfig{
			DPs:    ref.DPs,
			Params: ref.Params,
			Logger: logger,
		})
		if err != nil {
			return nil, fmt.Errorf("converter %s: %w", ref.Name, err)
		}
		convs = append(convs, c)
	}
	chain, err := converter.NewChain(schema, convs...)
	if err != nil {
		return nil, err
	}
	for _, sh := range chain.Shadowed() {
		logger.Warn("schema entry shadowed by converter",
			"manufacturer", def.Manufacturer, "model", def.Model,
			"dp", sh.DP, "field", sh.Field, "by", sh.By)
	}
	p.Chain = chain
	return p, nil
}

// Add inserts a compiled profile under each of its manufacturer names.
func (db *DeviceDB) Add(p *Profile) {
	for _, m := range append([]string{p.Def.Manufacturer}, p.Def.Aliases...) {
		db.profiles[deviceKey(m, p.Def.Model)] = p
	}
}

// Lookup finds a profile by manufacturer and model, falling back to the
// manufacturer-wide one.
func (db *DeviceDB) Lookup(manufacturer, model string) *Profile {
	if p := db.profiles[deviceKey(manufacturer, model)]; p != nil {
		return p
	}
	return db.profiles[deviceKey(manufacturer, "")]
}

// Len returns the number of profile keys.
func (db *DeviceDB) Len() int {
	return len(db.profiles)
}

// All returns each distinct profile once, sorted by manufacturer.
func (db *DeviceDB) All() []*Profile {
	seen := make(map[*Profile]bool)
	out := make([]*Profile, 0, len(db.profiles))
	for _, p := range db.profiles {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Def.Manufacturer != out[j].Def.Manufacturer {
			return out[i].Def.Manufacturer < out[j].Def.Manufacturer
		}
		return out[i].Def.Model < out[j].Def.Model
	})
	return out
}

// deviceFile is the structure of files in the devices directory.
type deviceFile struct {
	Clusters      []zcl.ClusterDef    `json:"clusters,omitempty" yaml:"clusters,omitempty"`
	Devices       []DeviceDefinition  `json:"devices,omitempty" yaml:"devices,omitempty"`
	Manufacturers []ManufacturerGroup `json:"manufacturers,omitempty" yaml:"manufacturers,omitempty"`
}

// ParseDeviceFile decodes a JSON or YAML device file, chosen by extension.
func ParseDeviceFile(path string, data []byte) ([]zcl.ClusterDef, []DeviceDefinition, error) {
	var df deviceFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &df); err != nil {
			return nil, nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, &df); err != nil {
			return nil, nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	defs := append([]DeviceDefinition(nil), df.Devices...)
	for _, mg := range df.Manufacturers {
		for _, d := range mg.Models {
			d.Manufacturer = mg.Name
			defs = append(defs, d)
		}
	}
	return df.Clusters, defs, nil
}

// LoadDeviceDir reads all *.json, *.yaml and *.yml files from a directory,
// registering custom clusters into the cluster registry and compiling
// device definitions into a DeviceDB. A missing or empty directory yields
// an empty DeviceDB, not an error. Any invalid definition fails the load so
// a broken profile is caught at startup.
func LoadDeviceDir(dir string, clusters *zcl.Registry, convs *converter.Registry, logger *slog.Logger) (*DeviceDB, error) {
	db := NewDeviceDB()

	var matches []string
	for _, pattern := range []string{"*.json", "*.yaml", "*.yml"} {
		m, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return db, fmt.Errorf("glob devices dir: %w", err)
		}
		matches = append(matches, m...)
	}
	sort.Strings(matches)
	if len(matches) == 0 {
		logger.Info("no device definition files found", "dir", dir)
		return db, nil
	}

	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return db, fmt.Errorf("read %s: %w", path, err)
		}
		cl, defs, err := ParseDeviceFile(path, data)
		if err != nil {
			return db, err
		}

		for _, c := range cl {
			if err := c.Validate(); err != nil {
				return db, fmt.Errorf("%s: %w", filepath.Base(path), err)
			}
			clusters.Register(c)
		}
		for i, d := range defs {
			p, err := Compile(d, convs, logger)
			if err != nil {
				return db, fmt.Errorf("%s: device %d (%s %s): %w", filepath.Base(path), i, d.Manufacturer, d.Model, err)
			}
			db.Add(p)
		}

		logger.Info("loaded device file", "path", filepath.Base(path),
			"clusters", len(cl), "devices", len(defs))
	}

	logger.Info("device database loaded", "files", len(matches), "profiles", db.Len())
	return db, nil
}
