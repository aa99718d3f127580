package spawn

import (
	"errors"
	"math/rand"
	"strconv"

	"commuter-engine/internal/commuter"
	"commuter-engine/internal/location"
)

// Candidate is a weighted place commuters spawn at or travel to.
type Candidate struct {
	ID       string            `json:"id" yaml:"id"`
	RouteID  string            `json:"route_id,omitempty" yaml:"route_id,omitempty"`
	Location location.Location `json:"location" yaml:"location"`
	Weight   float64           `json:"weight" yaml:"weight"`
}

func isNotFound(err error) bool { return errors.Is(err, ErrConfigNotFound) }

// weightsByIndex keys candidates by position so duplicate ids cannot merge.
func weightsByIndex(cs []Candidate) map[string]float64 {
	w := make(map[string]float64, len(cs))
	for i, c := range cs {
		w[strconv.Itoa(i)] = c.Weight
	}
	return w
}

// expand turns an index-keyed allocation into candidate indices in route order.
func expand(n int, alloc map[string]int) []int {
	out := make([]int, 0)
	for i := 0; i < n; i++ {
		for k := alloc[strconv.Itoa(i)]; k > 0; k-- {
			out = append(out, i)
		}
	}
	return out
}

var purposes = map[string][]string{
	"morning": {"work", "work", "school", "work", "errand"},
	"midday":  {"shopping", "errand", "leisure", "work"},
	"evening": {"home", "home", "home", "leisure", "shopping"},
	"night":   {"home", "leisure"},
}

// tripPurpose draws an advisory purpose tag for the hour of day.
func tripPurpose(rng *rand.Rand, hour int) string {
	var set []string
	switch {
	case hour >= 6 && hour < 10:
		set = purposes["morning"]
	case hour >= 10 && hour < 16:
		set = purposes["midday"]
	case hour >= 16 && hour < 20:
		set = purposes["evening"]
	default:
		set = purposes["night"]
	}
	return set[rng.Intn(len(set))]
}

// drawPriority returns 1 for roughly one in ten commuters, 3 for one in five
// and the default otherwise.
func drawPriority(rng *rand.Rand) int {
	r := rng.Float64()
	switch {
	case r < 0.1:
		return commuter.UrgentPriority
	case r < 0.8:
		return commuter.DefaultPriority
	default:
		return 3
	}
}
