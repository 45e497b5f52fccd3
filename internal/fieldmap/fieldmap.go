package fieldmap

import (
	"fmt"
	"os"
	"sort"

	"pricesync/internal/models"

	"gopkg.in/yaml.v2"
)

// Direction says which way a field may flow.
type Direction int

const (
	Bidirectional Direction = iota
	RemoteToSourceOnly
)

func (d Direction) String() string {
	if d == RemoteToSourceOnly {
		return "remote_to_source_only"
	}
	return "bidirectional"
}

// Mapping is the static contract for one field.
type Mapping struct {
	Source       models.FieldKey
	Remote       string
	Direction    Direction
	FamilyShared bool
	Transform    Transform
}

// PriceLevelLabels are the Remote labels for Source price level codes.
var PriceLevelLabels = map[string]string{
	"retail":      "Retail",
	"wholesale":   "Wholesale",
	"distributor": "Distributor",
	"online":      "Online Price",
}

// DefaultMappings returns the built-in field catalog.
func DefaultMappings() []Mapping {
	cents := Decimal{Places: 2}
	return []Mapping{
		{Source: models.FieldBasePrice, Remote: "baseprice", Direction: Bidirectional, FamilyShared: true, Transform: cents},
		{Source: models.FieldMSRP, Remote: "custitem_msrp", Direction: Bidirectional, FamilyShared: true, Transform: cents},
		{Source: models.FieldVendorCost, Remote: "cost", Direction: Bidirectional, FamilyShared: true, Transform: cents},
		{Source: models.FieldPriceLevel, Remote: "pricelevel", Direction: Bidirectional, FamilyShared: true, Transform: EnumLabel{Labels: PriceLevelLabels}},
		{Source: models.FieldLastPurchasePrice, Remote: "lastpurchaseprice", Direction: RemoteToSourceOnly, Transform: cents},
		{Source: models.FieldAverageCost, Remote: "averagecost", Direction: RemoteToSourceOnly, Transform: cents},
	}
}

// Mapper translates field sets between Source and Remote shapes. It holds no mutable state.
type Mapper struct {
	mappings []Mapping
	bySource map[models.FieldKey]Mapping
	byRemote map[string]Mapping
}

// New validates mappings and builds a Mapper.
func New(mappings []Mapping) (*Mapper, error) {
	m := &Mapper{
		mappings: make([]Mapping, 0, len(mappings)),
		bySource: make(map[models.FieldKey]Mapping, len(mappings)),
		byRemote: make(map[string]Mapping, len(mappings)),
	}
	for _, mp := range mappings {
		if !mp.Source.Valid() {
			return nil, fmt.Errorf("unknown source field %q", mp.Source)
		}
		if mp.Remote == "" {
			return nil, fmt.Errorf("field %s has empty remote name", mp.Source)
		}
		if mp.Transform == nil {
			return nil, fmt.Errorf("field %s has no transform", mp.Source)
		}
		if _, dup := m.bySource[mp.Source]; dup {
			return nil, fmt.Errorf("duplicate source field %s", mp.Source)
		}
		if _, dup := m.byRemote[mp.Remote]; dup {
			return nil, fmt.Errorf("duplicate remote field %s", mp.Remote)
		}
		m.bySource[mp.Source] = mp
		m.byRemote[mp.Remote] = mp
		m.mappings = append(m.mappings, mp)
	}
	return m, nil
}

// Default returns a Mapper over DefaultMappings.
func Default() *Mapper {
	m, err := New(DefaultMappings())
	if err != nil {
		panic(err)
	}
	return m
}

// Mappings returns a copy of the mapping table.
func (m *Mapper) Mappings() []Mapping {
	return append([]Mapping(nil), m.mappings...)
}

// Lookup returns the mapping for a Source field.
func (m *Mapper) Lookup(key models.FieldKey) (Mapping, bool) {
	mp, ok := m.bySource[key]
	return mp, ok
}

// IsRemoteOnly reports whether key must never be written to Remote.
func (m *Mapper) IsRemoteOnly(key models.FieldKey) bool {
	mp, ok := m.bySource[key]
	return !ok || mp.Direction == RemoteToSourceOnly
}

// FamilyShared returns the subset of fields that the cascade rule copies to siblings.
func (m *Mapper) FamilyShared(fs models.FieldSet) models.FieldSet {
	return fs.Filter(func(k models.FieldKey) bool {
		mp, ok := m.Lookup(k)
		return ok && mp.FamilyShared
	})
}

// ToRemote builds the Remote payload. Remote-to-source-only fields are dropped.
func (m *Mapper) ToRemote(fs models.FieldSet) (map[string]any, error) {
	out := make(map[string]any, len(fs))
	for _, key := range fs.Keys() {
		if m.IsRemoteOnly(key) {
			continue
		}
		mp, _ := m.Lookup(key)
		v, err := mp.Transform.ToRemote(fs[key])
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", key, err)
		}
		out[mp.Remote] = v
	}
	return out, nil
}

// FromRemote classifies a raw Remote snapshot into recognized fields and ignored keys.
// Unknown keys are not errors; a recognized key with an unusable value is.
func (m *Mapper) FromRemote(raw map[string]any) (models.FieldSet, []string, error) {
	fs := make(models.FieldSet)
	var ignored []string
	for name, val := range raw {
		mp, ok := m.byRemote[name]
		if !ok {
			ignored = append(ignored, name)
			continue
		}
		if val == nil {
			ignored = append(ignored, name)
			continue
		}
		v, err := mp.Transform.FromRemote(val)
		if err != nil {
			return nil, nil, fmt.Errorf("field %s: %w", name, err)
		}
		fs[mp.Source] = v
	}
	sort.Strings(ignored)
	return fs, ignored, nil
}

// WithRemoteNames returns a copy of m with remote names replaced per overrides.
func (m *Mapper) WithRemoteNames(overrides map[models.FieldKey]string) (*Mapper, error) {
	next := m.Mappings()
	for key := range overrides {
		if _, ok := m.bySource[key]; !ok {
			return nil, fmt.Errorf("override for unknown field %q", key)
		}
	}
	for i := range next {
		if name, ok := overrides[next[i].Source]; ok && name != "" {
			next[i].Remote = name
		}
	}
	return New(next)
}

// OverridesFile is the on-disk format of remote name overrides.
type OverridesFile struct {
	Fields map[string]string `yaml:"fields"`
}

// LoadOverrides reads remote field name overrides from a YAML file.
func LoadOverrides(path string) (map[models.FieldKey]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file OverridesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	out := make(map[models.FieldKey]string, len(file.Fields))
	for k, v := range file.Fields {
		key := models.FieldKey(k)
		if !key.Valid() {
			return nil, fmt.Errorf("%s: unknown field %q", path, k)
		}
		out[key] = v
	}
	return out, nil
}
