// Package catalog provides the drug dosing reference data the engine looks
// profiles up in. A catalog is loaded once and never modified.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/drfirst/go-dosecalc/internal/domain/dosing"
)

//go:embed profiles.yaml
var defaultProfiles []byte

// ErrProfileNotFound is returned when no profile matches a drug and indication
var ErrProfileNotFound = errors.New("dosing profile not found")

// Catalog is an immutable set of dosing profiles keyed by drug and indication
type Catalog struct {
	profiles map[string]*dosing.DrugDosingProfile
	keys     []string
}

// New builds a catalog, rejecting malformed or duplicate profiles
func New(profiles []dosing.DrugDosingProfile) (*Catalog, error) {
	c := &Catalog{profiles: make(map[string]*dosing.DrugDosingProfile, len(profiles))}
	var errs []error
	for i := range profiles {
		p := clone(&profiles[i])
		if err := p.Check(); err != nil {
			errs = append(errs, err)
			continue
		}
		k := key(p.DrugName, p.Indication)
		if _, dup := c.profiles[k]; dup {
			errs = append(errs, fmt.Errorf("duplicate profile %s/%s", p.DrugName, p.Indication))
			continue
		}
		c.profiles[k] = p
		c.keys = append(c.keys, k)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	sort.Strings(c.keys)
	return c, nil
}

// Default returns the catalog shipped with the binary
func Default() (*Catalog, error) {
	profiles, err := ParseYAML(defaultProfiles)
	if err != nil {
		return nil, fmt.Errorf("embedded catalog: %w", err)
	}
	return New(profiles)
}

// LoadFile reads a YAML catalog from path. An empty path yields the
// embedded default catalog.
func LoadFile(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	profiles, err := ParseYAML(content)
	if err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	return New(profiles)
}

// Lookup returns a copy of the profile for drug and indication, matched
// case-insensitively.
func (c *Catalog) Lookup(drugName, indication string) (*dosing.DrugDosingProfile, error) {
	p, ok := c.profiles[key(drugName, indication)]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrProfileNotFound, drugName, indication)
	}
	return clone(p), nil
}

// List returns copies of every profile ordered by drug then indication
func (c *Catalog) List() []dosing.DrugDosingProfile {
	out := make([]dosing.DrugDosingProfile, 0, len(c.keys))
	for _, k := range c.keys {
		out = append(out, *clone(c.profiles[k]))
	}
	return out
}

// Len returns the number of profiles
func (c *Catalog) Len() int { return len(c.keys) }

func key(drugName, indication string) string {
	return strings.ToLower(strings.TrimSpace(drugName)) + "|" + strings.ToLower(strings.TrimSpace(indication))
}

func clone(p *dosing.DrugDosingProfile) *dosing.DrugDosingProfile {
	cp := *p
	if p.RenalAdjustmentRule != nil {
		cp.RenalAdjustmentRule = make(map[dosing.RenalCategory]dosing.RenalAdjustment, len(p.RenalAdjustmentRule))
		for k, v := range p.RenalAdjustmentRule {
			cp.RenalAdjustmentRule[k] = v
		}
	}
	if p.HepaticAdjustmentRule != nil {
		cp.HepaticAdjustmentRule = make(map[dosing.ChildPughClass]float64, len(p.HepaticAdjustmentRule))
		for k, v := range p.HepaticAdjustmentRule {
			cp.HepaticAdjustmentRule[k] = v
		}
	}
	return &cp
}

// yamlProfile is the on-disk shape of a profile
type yamlProfile struct {
	DrugName            string               `yaml:"drug_name"`
	Indication          string               `yaml:"indication"`
	BaseDoseMg          float64              `yaml:"base_dose_mg"`
	Frequency           string               `yaml:"frequency"`
	RenalAdjustment     map[string]renalRule `yaml:"renal_adjustment"`
	HepaticAdjustment   map[string]float64   `yaml:"hepatic_adjustment"`
	MonitoringRequired  bool                 `yaml:"monitoring_required"`
	MonitoringFrequency string               `yaml:"monitoring_frequency"`
}

type yamlCatalog struct {
	Profiles []yamlProfile `yaml:"profiles"`
}

// renalRule decodes either a number or "contraindicated"
type renalRule struct {
	dosing.RenalAdjustment
}

func (r *renalRule) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: renal adjustment must be a scalar", value.Line)
	}
	a, err := dosing.ParseRenalAdjustment(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	r.RenalAdjustment = a
	return nil
}

// ParseYAML decodes a YAML catalog document into profiles
func ParseYAML(content []byte) ([]dosing.DrugDosingProfile, error) {
	var doc yamlCatalog
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, err
	}
	if len(doc.Profiles) == 0 {
		return nil, errors.New("no dosing profiles configured")
	}

	out := make([]dosing.DrugDosingProfile, 0, len(doc.Profiles))
	for _, yp := range doc.Profiles {
		p := dosing.DrugDosingProfile{
			DrugName:            yp.DrugName,
			Indication:          yp.Indication,
			BaseDoseMg:          yp.BaseDoseMg,
			Frequency:           yp.Frequency,
			MonitoringRequired:  yp.MonitoringRequired,
			MonitoringFrequency: yp.MonitoringFrequency,
		}
		if len(yp.RenalAdjustment) > 0 {
			p.RenalAdjustmentRule = make(map[dosing.RenalCategory]dosing.RenalAdjustment, len(yp.RenalAdjustment))
			for k, v := range yp.RenalAdjustment {
				p.RenalAdjustmentRule[dosing.RenalCategory(k)] = v.RenalAdjustment
			}
		}
		if len(yp.HepaticAdjustment) > 0 {
			p.HepaticAdjustmentRule = make(map[dosing.ChildPughClass]float64, len(yp.HepaticAdjustment))
			for k, v := range yp.HepaticAdjustment {
				p.HepaticAdjustmentRule[dosing.ChildPughClass(strings.ToUpper(k))] = v
			}
		}
		out = append(out, p)
	}
	return out, nil
}
