package location

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
)

// ErrInvalidLocation is returned for any input Normalize cannot interpret.
var ErrInvalidLocation = errors.New("invalid location")

// accepted key spellings for map inputs, checked in order.
var keyPairs = [][2]string{
	{"lat", "lon"},
	{"lat", "lng"},
	{"latitude", "longitude"},
}

// Normalize converts the representations seen on the wire into a Location.
// Sequences are read as (lat, lon); orb.Point keeps its (lon, lat) order.
func Normalize(x any) (Location, error) {
	var (
		loc Location
		err error
	)
	switch v := x.(type) {
	case Location:
		loc = v
	case *Location:
		if v == nil {
			return Location{}, fmt.Errorf("%w: nil", ErrInvalidLocation)
		}
		loc = *v
	case orb.Point:
		loc = FromPoint(v)
	case [2]float64:
		loc = Location{Lat: v[0], Lon: v[1]}
	case []float64:
		if len(v) != 2 {
			return Location{}, fmt.Errorf("%w: sequence of length %d", ErrInvalidLocation, len(v))
		}
		loc = Location{Lat: v[0], Lon: v[1]}
	case []any:
		loc, err = fromSlice(v)
	case map[string]float64:
		m := make(map[string]any, len(v))
		for k, f := range v {
			m[k] = f
		}
		loc, err = fromMap(m)
	case map[string]any:
		loc, err = fromMap(v)
	default:
		return Location{}, fmt.Errorf("%w: unsupported type %T", ErrInvalidLocation, x)
	}
	if err != nil {
		return Location{}, err
	}
	if !loc.Valid() {
		return Location{}, fmt.Errorf("%w: out of range %s", ErrInvalidLocation, loc)
	}
	return loc, nil
}

// MustNormalize panics on error; intended for literals in tests and fixtures.
func MustNormalize(x any) Location {
	loc, err := Normalize(x)
	if err != nil {
		panic(err)
	}
	return loc
}

func fromSlice(v []any) (Location, error) {
	if len(v) != 2 {
		return Location{}, fmt.Errorf("%w: sequence of length %d", ErrInvalidLocation, len(v))
	}
	lat, err := toFloat(v[0])
	if err != nil {
		return Location{}, err
	}
	lon, err := toFloat(v[1])
	if err != nil {
		return Location{}, err
	}
	return Location{Lat: lat, Lon: lon}, nil
}

func fromMap(m map[string]any) (Location, error) {
	lower := make(map[string]any, len(m))
	for k, v := range m {
		lower[strings.ToLower(strings.TrimSpace(k))] = v
	}
	for _, kp := range keyPairs {
		rawLat, okLat := lower[kp[0]]
		rawLon, okLon := lower[kp[1]]
		if !okLat || !okLon {
			continue
		}
		lat, err := toFloat(rawLat)
		if err != nil {
			return Location{}, err
		}
		lon, err := toFloat(rawLon)
		if err != nil {
			return Location{}, err
		}
		return Location{Lat: lat, Lon: lon}, nil
	}
	return Location{}, fmt.Errorf("%w: mapping without lat/lon keys", ErrInvalidLocation)
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidLocation, err)
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not a number", ErrInvalidLocation, n)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%w: coordinate of type %T", ErrInvalidLocation, v)
	}
}
