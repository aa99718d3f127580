package commuter

type EventType string

const (
	EventSpawned  EventType = "commuter:spawned"
	EventPickedUp EventType = "commuter:picked_up"
	EventExpired  EventType = "commuter:expired"
)

// Event is one lifecycle transition of a commuter in a reservoir.
type Event struct {
	Type        EventType
	Kind        ReservoirKind
	ReservoirID string
	VehicleID   string // pickups only
	Commuter    Commuter
}

// Payload is the wire form: the commuter's public fields plus a type
// discriminator and the reservoir context.
type Payload struct {
	Type        EventType `json:"type"`
	ReservoirID string    `json:"reservoir_id"`
	VehicleID   string    `json:"vehicle_id,omitempty"`
	Commuter
}

func (e Event) Payload() Payload {
	return Payload{
		Type:        e.Type,
		ReservoirID: e.ReservoirID,
		VehicleID:   e.VehicleID,
		Commuter:    e.Commuter,
	}
}
