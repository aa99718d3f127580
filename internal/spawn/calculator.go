package spawn

import (
	"math"
	"math/rand"
	"sort"
	"time"
)

// knuthLimit bounds the mean handed to the multiplication sampler; larger
// means are split into chunks and summed.
const knuthLimit = 30.0

// ExtractTemporalMultipliers returns the factors of the rate at t.
func ExtractTemporalMultipliers(cfg SpawnConfig, t time.Time) (base, hourly, day float64) {
	return cfg.SpatialBase, cfg.HourlyRates[t.Hour()], cfg.DayMultipliers[weekdayIndex(t)]
}

// weekdayIndex maps Monday to 0 and Sunday to 6.
func weekdayIndex(t time.Time) int { return (int(t.Weekday()) + 6) % 7 }

// Lambda is the expected number of arrivals in a window of windowMinutes
// ending at t.
func Lambda(cfg SpawnConfig, t time.Time, windowMinutes float64) float64 {
	base, hourly, day := ExtractTemporalMultipliers(cfg, t)
	l := base * hourly * day * (windowMinutes / 60.0)
	if l <= 0 || math.IsNaN(l) {
		return 0
	}
	return l
}

// DrawCount samples a Poisson distributed count with mean lambda.
func DrawCount(rng *rand.Rand, lambda float64) int {
	if lambda <= 0 || math.IsNaN(lambda) || math.IsInf(lambda, 0) {
		return 0
	}
	total := 0
	for lambda > knuthLimit {
		total += knuth(rng, knuthLimit)
		lambda -= knuthLimit
	}
	return total + knuth(rng, lambda)
}

func knuth(rng *rand.Rand, mean float64) int {
	if mean <= 0 {
		return 0
	}
	limit := math.Exp(-mean)
	k := 0
	p := 1.0
	for p > limit {
		k++
		p *= rng.Float64()
	}
	return k - 1
}

// Allocate splits count across keys proportionally to their weights. The
// truncation remainder goes one by one to the heaviest keys (ties by key),
// so the result always sums to count. Keys with a zero share are omitted.
func Allocate(count int, weights map[string]float64) map[string]int {
	out := make(map[string]int)
	if count <= 0 {
		return out
	}
	keys := make([]string, 0, len(weights))
	total := 0.0
	for k, w := range weights {
		if w > 0 && !math.IsInf(w, 0) {
			keys = append(keys, k)
			total += w
		}
	}
	if len(keys) == 0 || total <= 0 {
		return out
	}
	sort.Slice(keys, func(i, j int) bool {
		wi, wj := weights[keys[i]], weights[keys[j]]
		if wi != wj {
			return wi > wj
		}
		return keys[i] < keys[j]
	})

	assigned := 0
	for _, k := range keys {
		n := int(math.Floor(float64(count) * weights[k] / total))
		if n > 0 {
			out[k] = n
			assigned += n
		}
	}
	// float rounding can overshoot by a unit; take it back from the lightest keys
	for i := len(keys) - 1; assigned > count && i >= 0; i-- {
		if out[keys[i]] > 0 {
			out[keys[i]]--
			assigned--
			if out[keys[i]] == 0 {
				delete(out, keys[i])
			}
		}
	}
	for i := 0; assigned < count; i = (i + 1) % len(keys) {
		out[keys[i]]++
		assigned++
	}
	return out
}
