package spawn

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/go-playground/validator/v10"
)

var (
	ErrInvalidConfig  = errors.New("invalid spawn config")
	ErrConfigNotFound = errors.New("spawn config not found")
)

// SpawnConfig drives the arrival rate of one reservoir. Day multipliers are
// indexed from Monday (0) to Sunday (6).
type SpawnConfig struct {
	SpatialBase    float64     `json:"spatial_base" yaml:"spatial_base"`
	HourlyRates    [24]float64 `json:"hourly_rates" yaml:"hourly_rates"`
	DayMultipliers [7]float64  `json:"day_multipliers" yaml:"day_multipliers"`
}

// DefaultDayMultipliers applies no weekday modulation.
func DefaultDayMultipliers() [7]float64 {
	return [7]float64{1, 1, 1, 1, 1, 1, 1}
}

// Validate rejects negative or non-finite parameters.
func (c SpawnConfig) Validate() error {
	if bad(c.SpatialBase) {
		return fmt.Errorf("%w: spatial_base %v", ErrInvalidConfig, c.SpatialBase)
	}
	for h, r := range c.HourlyRates {
		if bad(r) {
			return fmt.Errorf("%w: hourly_rates[%d] %v", ErrInvalidConfig, h, r)
		}
	}
	for d, m := range c.DayMultipliers {
		if bad(m) {
			return fmt.Errorf("%w: day_multipliers[%d] %v", ErrInvalidConfig, d, m)
		}
	}
	return nil
}

func bad(f float64) bool { return f < 0 || math.IsNaN(f) || math.IsInf(f, 0) }

// Input is the wire and file form of a SpawnConfig. Required fields are
// pointers or slices so a missing field is distinguishable from a zero.
type Input struct {
	SpatialBase    *float64  `json:"spatial_base" yaml:"spatial_base" validate:"required,gte=0"`
	HourlyRates    []float64 `json:"hourly_rates" yaml:"hourly_rates" validate:"required,len=24,dive,gte=0"`
	DayMultipliers []float64 `json:"day_multipliers,omitempty" yaml:"day_multipliers,omitempty" validate:"omitempty,len=7,dive,gte=0"`
}

var validate = validator.New()

// Resolve validates the input and fills optional fields with defaults.
func (in Input) Resolve() (SpawnConfig, error) {
	if err := validate.Struct(in); err != nil {
		return SpawnConfig{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	cfg := SpawnConfig{SpatialBase: *in.SpatialBase, DayMultipliers: DefaultDayMultipliers()}
	copy(cfg.HourlyRates[:], in.HourlyRates)
	if len(in.DayMultipliers) > 0 {
		copy(cfg.DayMultipliers[:], in.DayMultipliers)
	}
	if err := cfg.Validate(); err != nil {
		return SpawnConfig{}, err
	}
	return cfg, nil
}

// ParseJSON decodes and resolves a SpawnConfig document.
func ParseJSON(b []byte) (SpawnConfig, error) {
	var in Input
	if err := json.Unmarshal(b, &in); err != nil {
		return SpawnConfig{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return in.Resolve()
}

// Flat returns a config with the same rate every hour of every day.
func Flat(spatialBase, hourly float64) SpawnConfig {
	cfg := SpawnConfig{SpatialBase: spatialBase, DayMultipliers: DefaultDayMultipliers()}
	for h := range cfg.HourlyRates {
		cfg.HourlyRates[h] = hourly
	}
	return cfg
}
