package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/evergrid-labs/carbonledger/pkg/calc"
	"github.com/evergrid-labs/carbonledger/pkg/credits"
	"github.com/evergrid-labs/carbonledger/pkg/fixed"
)

// Profile is a named set of engine parameters, typically one per grid
// region or program year.
type Profile struct {
	Name                 string
	GridEmissionFactor   fixed.Amount
	FuelComparisonFactor fixed.Amount
	ConversionRate       fixed.Amount
}

// rawProfile is the YAML shape; factors are decimal strings so profiles
// stay readable and exact.
type rawProfile struct {
	Name                 string `yaml:"name"`
	GridEmissionFactor   string `yaml:"grid_emission_factor"`
	FuelComparisonFactor string `yaml:"fuel_comparison_factor"`
	ConversionRate       string `yaml:"credits_conversion_rate"`
}

// DefaultProfile returns the published baseline parameters.
func DefaultProfile() *Profile {
	f := calc.DefaultFactors()
	return &Profile{
		Name:                 "default",
		GridEmissionFactor:   f.GridEmissionFactor,
		FuelComparisonFactor: f.FuelComparisonFactor,
		ConversionRate:       credits.DefaultConversionRate(),
	}
}

// LoadProfile loads an engine profile from a YAML file. Omitted fields
// keep the defaults.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", path, err)
	}

	var raw rawProfile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", path, err)
	}

	p := DefaultProfile()
	if raw.Name != "" {
		p.Name = raw.Name
	}
	if err := override(&p.GridEmissionFactor, raw.GridEmissionFactor, "grid_emission_factor"); err != nil {
		return nil, err
	}
	if err := override(&p.FuelComparisonFactor, raw.FuelComparisonFactor, "fuel_comparison_factor"); err != nil {
		return nil, err
	}
	if err := override(&p.ConversionRate, raw.ConversionRate, "credits_conversion_rate"); err != nil {
		return nil, err
	}
	return p, nil
}

func override(dst *fixed.Amount, s, field string) error {
	if s == "" {
		return nil
	}
	v, err := fixed.Parse(s)
	if err != nil {
		return fmt.Errorf("profile field %s: %w", field, err)
	}
	if v < 0 {
		return fmt.Errorf("profile field %s: must be non-negative", field)
	}
	*dst = v
	return nil
}

// Factors returns the profile's engine factors.
func (p *Profile) Factors() calc.Factors {
	return calc.Factors{
		GridEmissionFactor:   p.GridEmissionFactor,
		FuelComparisonFactor: p.FuelComparisonFactor,
	}
}
