// Package stats computes descriptive statistics over latency and throughput samples.
package stats

import (
	"math"
	"slices"
	"time"
)

type Stats struct {
	NSamples int
	Mean     float64
	StdDev   float64
	StdErr   float64
	Min      float64
	MinIndex int
	Max      float64
	MaxIndex int
	Deciles  []float64
}

func getMean(series []float64) float64 {
	ret := float64(0)
	nSamplesF64 := float64(len(series))

	for _, element := range series {
		ret += element / nSamplesF64
	}

	return ret
}

func getSquareMean(series []float64) float64 {
	ret := float64(0)
	nSamplesF64 := float64(len(series))

	for _, element := range series {
		ret += element * element / nSamplesF64
	}

	return ret
}

func getStdDevUsingMean(series []float64, mean float64) float64 {
	variance := getSquareMean(series) - (mean * mean)
	if variance < 0 {
		// rounding noise on near-constant series
		variance = 0
	}

	return math.Sqrt(variance)
}

// getDeciles picks the 10th..90th percentiles by nearest rank over the sorted series.
func getDeciles(series []float64) []float64 {
	sorted := slices.Clone(series)
	slices.Sort(sorted)

	ret := []float64{}
	lastIndex := len(sorted) - 1

	for decile := 1; decile < 10; decile += 1 {
		index := int(math.Round(float64(decile*lastIndex) / 10))
		ret = append(ret, sorted[index])
	}

	return ret
}

// Of returns nil for an empty series: there is nothing to average.
func Of(series []float64) *Stats {
	if len(series) == 0 {
		return nil
	}

	ret := &Stats{
		Min:      math.Inf(1),
		Max:      math.Inf(-1),
		MinIndex: 0,
		MaxIndex: 0,
	}

	for index, element := range series {
		if element < ret.Min {
			ret.Min = element
			ret.MinIndex = index
		}
		if element > ret.Max {
			ret.Max = element
			ret.MaxIndex = index
		}
	}

	ret.NSamples = len(series)
	ret.Mean = getMean(series)
	ret.StdDev = getStdDevUsingMean(series, ret.Mean)
	ret.StdErr = ret.StdDev / math.Sqrt(float64(ret.NSamples))
	ret.Deciles = getDeciles(series)

	return ret
}

func DurationMS(duration time.Duration) float64 {
	return float64(duration.Microseconds()) / 1000
}

func OfDurationsMS(durations []time.Duration) *Stats {
	durationSamples := []float64{}

	for _, duration := range durations {
		durationSamples = append(durationSamples, DurationMS(duration))
	}

	return Of(durationSamples)
}
