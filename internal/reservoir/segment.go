package reservoir

import (
	"commuter-engine/internal/commuter"
	"commuter-engine/internal/location"
)

// Segment is the bucket of waiting commuters of one route inside one grid
// cell. Segments are created on first use and kept for the reservoir's
// lifetime. All fields are guarded by the owning Route's mutex.
type Segment struct {
	routeID       string
	id            string
	cell          location.GridCell
	distanceAlong float64
	hasDistance   bool

	inbound  []*commuter.Commuter
	outbound []*commuter.Commuter

	spawned  int64
	pickedUp int64
	expired  int64
}

func newSegment(routeID string, cell location.GridCell) *Segment {
	return &Segment{routeID: routeID, id: routeID + "/" + cell.String(), cell: cell}
}

func (s *Segment) list(dir commuter.Direction) *[]*commuter.Commuter {
	if dir == commuter.Outbound {
		return &s.outbound
	}
	return &s.inbound
}

func (s *Segment) add(c *commuter.Commuter) {
	l := s.list(c.Direction)
	*l = append(*l, c)
	s.spawned++
}

// take removes id from the direction list, preserving arrival order.
func (s *Segment) take(dir commuter.Direction, id string) (*commuter.Commuter, bool) {
	l := s.list(dir)
	for i, c := range *l {
		if c.ID == id {
			*l = append((*l)[:i], (*l)[i+1:]...)
			return c, true
		}
	}
	return nil, false
}

func (s *Segment) len() int { return len(s.inbound) + len(s.outbound) }

func (s *Segment) lenDir(dir commuter.Direction) int { return len(*s.list(dir)) }

func (s *Segment) info() SegmentInfo {
	return SegmentInfo{
		RouteID:       s.routeID,
		SegmentID:     s.id,
		Cell:          s.cell,
		DistanceAlong: s.distanceAlong,
		HasDistance:   s.hasDistance,
		Inbound:       len(s.inbound),
		Outbound:      len(s.outbound),
		Spawned:       s.spawned,
		PickedUp:      s.pickedUp,
		Expired:       s.expired,
	}
}

// SegmentInfo is a point-in-time view of a segment.
type SegmentInfo struct {
	RouteID       string            `json:"route_id"`
	SegmentID     string            `json:"segment_id"`
	Cell          location.GridCell `json:"grid_cell"`
	DistanceAlong float64           `json:"distance_along"`
	HasDistance   bool              `json:"-"`
	Inbound       int               `json:"inbound"`
	Outbound      int               `json:"outbound"`
	Spawned       int64             `json:"spawned"`
	PickedUp      int64             `json:"picked_up"`
	Expired       int64             `json:"expired"`
}

func (i SegmentInfo) Waiting() int { return i.Inbound + i.Outbound }
