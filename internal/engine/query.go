package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"commuter-engine/internal/commuter"
	"commuter-engine/internal/location"
	"commuter-engine/internal/publisher"
	"commuter-engine/internal/reservoir"
)

// DefaultSearchRadius applies when a query leaves search_radius unset.
const DefaultSearchRadius = 1000.0

var ErrBadQuery = errors.New("bad query")

// QueryRequest is a QUERY_COMMUTERS message. VehicleLocation accepts any
// form location.Normalize understands.
type QueryRequest struct {
	VehicleID       string  `json:"vehicle_id"`
	RouteID         string  `json:"route_id"`
	DepotID         string  `json:"depot_id,omitempty"`
	VehicleLocation any     `json:"vehicle_location"`
	SearchRadius    float64 `json:"search_radius"`
	AvailableSeats  int     `json:"available_seats"`
	Direction       string  `json:"direction"`
	ReservoirType   string  `json:"reservoir_type"`
}

type QueryReply struct {
	Commuters []commuter.Commuter `json:"commuters"`
	Error     string              `json:"error,omitempty"`
}

// target resolves the reservoir the query addresses. Without an explicit
// reservoir_type a depot_id selects the depot, otherwise the route.
func (q QueryRequest) target() (commuter.ReservoirKind, string, error) {
	kind := commuter.ReservoirKind(strings.ToLower(strings.TrimSpace(q.ReservoirType)))
	if kind == "" {
		kind = commuter.RouteKind
		if q.DepotID != "" {
			kind = commuter.DepotKind
		}
	}
	switch kind {
	case commuter.DepotKind:
		if q.DepotID == "" {
			return "", "", fmt.Errorf("%w: depot_id is required", ErrBadQuery)
		}
		return kind, q.DepotID, nil
	case commuter.RouteKind:
		if q.RouteID == "" {
			return "", "", fmt.Errorf("%w: route_id is required", ErrBadQuery)
		}
		return kind, q.RouteID, nil
	}
	return "", "", fmt.Errorf("%w: unknown reservoir_type %q", ErrBadQuery, q.ReservoirType)
}

func (q QueryRequest) match() (reservoir.MatchRequest, error) {
	loc, err := location.Normalize(q.VehicleLocation)
	if err != nil {
		return reservoir.MatchRequest{}, fmt.Errorf("%w: vehicle_location: %w", ErrBadQuery, err)
	}
	dir, err := commuter.ParseDirection(q.Direction)
	if err != nil {
		return reservoir.MatchRequest{}, fmt.Errorf("%w: %w", ErrBadQuery, err)
	}
	radius := q.SearchRadius
	if radius == 0 {
		radius = DefaultSearchRadius
	}
	return reservoir.MatchRequest{
		VehicleID:       q.VehicleID,
		VehicleLocation: loc,
		SearchRadius:    radius,
		AvailableSeats:  q.AvailableSeats,
		Direction:       dir,
	}, nil
}

// Query matches a vehicle against the reservoir the request addresses.
func (m *Manager) Query(ctx context.Context, q QueryRequest) ([]*commuter.Commuter, error) {
	kind, id, err := q.target()
	if err != nil {
		return nil, m.rejected(err)
	}
	req, err := q.match()
	if err != nil {
		return nil, m.rejected(err)
	}
	r, ok := m.lookup(kind, id)
	if !ok {
		return nil, m.rejected(fmt.Errorf("%w: %s %s", ErrUnknownReservoir, kind, id))
	}
	start := time.Now()
	matched, err := r.Match(ctx, req)
	if m.observer != nil {
		m.observer.ObserveMatch(kind, time.Since(start), err)
	}
	return matched, err
}

func (m *Manager) rejected(err error) error {
	if m.observer != nil {
		m.observer.QueryFailed()
	}
	return err
}

// HandleQuery answers a query with the matched commuters or an error
// string. Commuters is never null on the wire.
func (m *Manager) HandleQuery(ctx context.Context, q QueryRequest) QueryReply {
	matched, err := m.Query(ctx, q)
	reply := QueryReply{Commuters: make([]commuter.Commuter, 0, len(matched))}
	if err != nil {
		m.logger.Warnw("query failed", "vehicle", q.VehicleID, "route", q.RouteID, "depot", q.DepotID, "error", err)
		reply.Error = err.Error()
		return reply
	}
	for _, c := range matched {
		reply.Commuters = append(reply.Commuters, *c)
	}
	return reply
}

// QueryHandler adapts HandleQuery to raw JSON request/reply payloads.
func (m *Manager) QueryHandler() publisher.RequestHandler {
	return func(ctx context.Context, data []byte) []byte {
		var reply QueryReply
		q, err := DecodeQuery(data)
		if err != nil {
			reply = QueryReply{Commuters: []commuter.Commuter{}, Error: m.rejected(err).Error()}
		} else {
			reply = m.HandleQuery(ctx, q)
		}
		b, err := json.Marshal(reply)
		if err != nil {
			m.logger.Errorf("encode query reply: %v", err)
			return []byte(`{"commuters":[],"error":"internal error"}`)
		}
		return b
	}
}

// DecodeQuery parses a QUERY_COMMUTERS payload keeping numbers exact for
// location normalization.
func DecodeQuery(data []byte) (QueryRequest, error) {
	var q QueryRequest
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&q); err != nil {
		return QueryRequest{}, fmt.Errorf("%w: %v", ErrBadQuery, err)
	}
	return q, nil
}
