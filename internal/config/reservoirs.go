package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/paulmach/orb"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"commuter-engine/internal/commuter"
	"commuter-engine/internal/location"
	"commuter-engine/internal/spawn"
)

var ErrInvalidReservoirs = errors.New("invalid reservoirs file")

// Reservoirs is the YAML file declaring which depots and routes the engine
// runs.
type Reservoirs struct {
	Depots []DepotSpec `yaml:"depots" validate:"dive"`
	Routes []RouteSpec `yaml:"routes" validate:"dive"`
}

type DepotSpec struct {
	ID           string            `yaml:"id" validate:"required"`
	Location     location.Location `yaml:"location"`
	Destinations []spawn.Candidate `yaml:"destinations"`
	// SpawnConfig is optional when the CMS serves the depot's config.
	SpawnConfig *spawn.Input `yaml:"spawn_config"`
}

type RouteSpec struct {
	ID string `yaml:"id" validate:"required"`
	// Stops are in outbound travel order.
	Stops []spawn.Candidate `yaml:"stops"`
	// Polyline is used when the database has no shape for the route.
	Polyline      []location.Location `yaml:"polyline"`
	OutboundShare *float64            `yaml:"outbound_share" validate:"omitempty,gte=0,lte=1"`
	SpawnConfig   *spawn.Input        `yaml:"spawn_config"`
}

// Share is the configured outbound share, 0.5 when unset.
func (r RouteSpec) Share() float64 {
	if r.OutboundShare == nil {
		return 0.5
	}
	return *r.OutboundShare
}

// Line converts the configured polyline to orb's (lon, lat) form.
func (r RouteSpec) Line() orb.LineString {
	return lo.Map(r.Polyline, func(l location.Location, _ int) orb.Point { return l.Point() })
}

func LoadReservoirs(path string) (*Reservoirs, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	r, err := ParseReservoirs(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

func ParseReservoirs(data []byte) (*Reservoirs, error) {
	var r Reservoirs
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidReservoirs, err)
	}
	if err := r.validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

var validate = validator.New()

func (r *Reservoirs) validate() error {
	if len(r.Depots) == 0 && len(r.Routes) == 0 {
		return fmt.Errorf("%w: no depots or routes", ErrInvalidReservoirs)
	}
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidReservoirs, err)
	}
	if dup := lo.FindDuplicatesBy(r.Depots, func(d DepotSpec) string { return d.ID }); len(dup) > 0 {
		return fmt.Errorf("%w: duplicate depot id %q", ErrInvalidReservoirs, dup[0].ID)
	}
	if dup := lo.FindDuplicatesBy(r.Routes, func(rt RouteSpec) string { return rt.ID }); len(dup) > 0 {
		return fmt.Errorf("%w: duplicate route id %q", ErrInvalidReservoirs, dup[0].ID)
	}
	for _, d := range r.Depots {
		if !d.Location.Valid() {
			return fmt.Errorf("%w: depot %s location %s", ErrInvalidReservoirs, d.ID, d.Location)
		}
		if err := checkCandidates("depot "+d.ID+" destination", d.Destinations); err != nil {
			return err
		}
	}
	for _, rt := range r.Routes {
		if err := checkCandidates("route "+rt.ID+" stop", rt.Stops); err != nil {
			return err
		}
		for i, p := range rt.Polyline {
			if !p.Valid() {
				return fmt.Errorf("%w: route %s polyline[%d] %s", ErrInvalidReservoirs, rt.ID, i, p)
			}
		}
		if len(rt.Polyline) == 1 {
			return fmt.Errorf("%w: route %s polyline needs at least two points", ErrInvalidReservoirs, rt.ID)
		}
	}
	return nil
}

func checkCandidates(what string, cs []spawn.Candidate) error {
	for i, c := range cs {
		if !c.Location.Valid() {
			return fmt.Errorf("%w: %s %d location %s", ErrInvalidReservoirs, what, i, c.Location)
		}
		if c.Weight < 0 {
			return fmt.Errorf("%w: %s %d negative weight", ErrInvalidReservoirs, what, i)
		}
	}
	return nil
}

// SpawnConfigs resolves every inline spawn_config into a static source.
// Reservoirs without one are left to other sources.
func (r *Reservoirs) SpawnConfigs() (*spawn.StaticSource, error) {
	src := spawn.NewStaticSource()
	set := func(kind commuter.ReservoirKind, id string, in *spawn.Input) error {
		if in == nil {
			return nil
		}
		cfg, err := in.Resolve()
		if err != nil {
			return fmt.Errorf("%s %s: %w", kind, id, err)
		}
		return src.Set(kind, id, cfg)
	}
	for _, d := range r.Depots {
		if err := set(commuter.DepotKind, d.ID, d.SpawnConfig); err != nil {
			return nil, err
		}
	}
	for _, rt := range r.Routes {
		if err := set(commuter.RouteKind, rt.ID, rt.SpawnConfig); err != nil {
			return nil, err
		}
	}
	return src, nil
}

// Unconfigured lists reservoirs without an inline spawn_config as
// "kind:id".
func (r *Reservoirs) Unconfigured() []string {
	var out []string
	for _, d := range r.Depots {
		if d.SpawnConfig == nil {
			out = append(out, string(commuter.DepotKind)+":"+d.ID)
		}
	}
	for _, rt := range r.Routes {
		if rt.SpawnConfig == nil {
			out = append(out, string(commuter.RouteKind)+":"+rt.ID)
		}
	}
	return out
}

func (r *Reservoirs) RouteIDs() []string {
	return lo.Map(r.Routes, func(rt RouteSpec, _ int) string { return rt.ID })
}
