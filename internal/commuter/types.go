package commuter

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"commuter-engine/internal/location"
)

type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// ParseDirection accepts the two direction names case-insensitively; the
// empty string yields the zero Direction.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return "", nil
	case string(Inbound):
		return Inbound, nil
	case string(Outbound):
		return Outbound, nil
	}
	return "", fmt.Errorf("unknown direction %q", s)
}

func (d Direction) Valid() bool { return d == Inbound || d == Outbound }

type Status string

const (
	Waiting Status = "waiting"
	Matched Status = "matched"
	Expired Status = "expired"
)

// ReservoirKind identifies the reservoir family and its event channel.
type ReservoirKind string

const (
	DepotKind ReservoirKind = "depot"
	RouteKind ReservoirKind = "route"
)

// Channel is the pub/sub channel name for the reservoir family.
func (k ReservoirKind) Channel() string { return string(k) + "-reservoir" }

// Priorities start at UrgentPriority; lower is more urgent. DefaultPriority
// is used when a request leaves priority unset (0).
const (
	UrgentPriority  = 1
	DefaultPriority = 2
)

var (
	ErrMissingLocation = errors.New("commuter location is required")
	ErrInvalidPriority = errors.New("invalid commuter priority")
)

// SpawnRequest describes a commuter to create. It is consumed once by a
// reservoir insert.
type SpawnRequest struct {
	ID            string            `json:"id,omitempty"`
	SpawnLocation location.Location `json:"spawn_location"`
	Destination   location.Location `json:"destination_location"`
	SpawnTime     time.Time         `json:"spawn_time"`
	RouteID       string            `json:"route_id,omitempty"`
	DepotID       string            `json:"depot_id,omitempty"`
	Direction     Direction         `json:"direction,omitempty"`
	// Priority is UrgentPriority or higher; 0 means unset.
	Priority    int    `json:"priority"`
	TripPurpose string `json:"trip_purpose,omitempty"`
}

// Commuter is a simulated rider waiting to board.
type Commuter struct {
	ID            string            `json:"id"`
	SpawnLocation location.Location `json:"spawn_location"`
	Destination   location.Location `json:"destination_location"`
	SpawnTime     time.Time         `json:"spawn_time"`
	RouteID       string            `json:"route_id,omitempty"`
	DepotID       string            `json:"depot_id,omitempty"`
	Direction     Direction         `json:"direction,omitempty"`
	Priority      int               `json:"priority"`
	TripPurpose   string            `json:"trip_purpose,omitempty"`
	Status        Status            `json:"status"`
}

// FromRequest builds a waiting commuter. Missing ids get a fresh UUID and a
// zero spawn time is replaced by now.
func FromRequest(req SpawnRequest, now time.Time) (*Commuter, error) {
	if !req.SpawnLocation.Valid() {
		return nil, fmt.Errorf("%w: spawn %s", ErrMissingLocation, req.SpawnLocation)
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	spawned := req.SpawnTime
	if spawned.IsZero() {
		spawned = now
	}
	priority := req.Priority
	switch {
	case priority == 0:
		priority = DefaultPriority
	case priority < UrgentPriority:
		return nil, fmt.Errorf("%w: %d", ErrInvalidPriority, priority)
	}
	return &Commuter{
		ID:            id,
		SpawnLocation: req.SpawnLocation,
		Destination:   req.Destination,
		SpawnTime:     spawned,
		RouteID:       req.RouteID,
		DepotID:       req.DepotID,
		Direction:     req.Direction,
		Priority:      priority,
		TripPurpose:   req.TripPurpose,
		Status:        Waiting,
	}, nil
}

// Age is how long the commuter has been waiting at now.
func (c *Commuter) Age(now time.Time) time.Duration { return now.Sub(c.SpawnTime) }
