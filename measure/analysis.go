package measure

import (
	"slices"
	"time"

	"github.com/pkg/errors"

	"github.com/makotom/netspeed/stats"
)

var ErrNoSamples = errors.New("no throughput sample")

// payloadBounds returns the span in which payload bytes of m moved.
func payloadBounds(m *SpeedMeasurement) (time.Time, time.Time) {
	if m.Direction == DirectionUplink {
		return m.Start, m.End.Add(-m.ReqDur)
	}

	return m.Start.Add(m.ReqDur), m.End
}

// inferBufferedIOThreshold returns the shortest window that cannot be a
// burst of reads served from one buffer: two standard deviations above the
// mean gap between IO events.
func inferBufferedIOThreshold(origin time.Time, events []*IOEvent, end time.Time) time.Duration {
	gaps := []float64{}
	last := origin

	for _, event := range events {
		gaps = append(gaps, float64(event.Timestamp.Sub(last)))
		last = event.Timestamp
	}
	gaps = append(gaps, float64(end.Sub(last)))

	gapStats := stats.Of(gaps)

	return time.Duration(gapStats.Mean + 2*gapStats.StdDev)
}

// payloadPoints folds the IO log of m into byte counts per distinct
// timestamp, starting from a zero-byte point at the origin.
func payloadPoints(m *SpeedMeasurement) []*Sample[int64] {
	origin, end := payloadBounds(m)
	points := []*Sample[int64]{{Value: 0, Timestamp: origin}}

	appendPoint := func(timestamp time.Time, size int64) {
		lastPoint := points[len(points)-1]
		if !timestamp.After(lastPoint.Timestamp) {
			lastPoint.Value += size
			return
		}
		points = append(points, &Sample[int64]{Value: size, Timestamp: timestamp})
	}

	if m.Direction == DirectionUplink {
		// bytes handed to the transport are on the wire by its next read
		pending := int64(0)
		for _, event := range m.IOSampler.Events {
			if event.Timestamp.After(points[len(points)-1].Timestamp) {
				appendPoint(event.Timestamp, pending)
				pending = 0
			}
			pending += int64(event.Size)
		}
		appendPoint(end, pending)
	} else {
		for _, event := range m.IOSampler.Events {
			appendPoint(event.Timestamp, int64(event.Size))
		}
		appendPoint(end, 0)
	}

	return points
}

// analyseMeasurement cuts m into windows longer than the buffered IO
// threshold and returns the throughput of each in Mbps, stamped at the end
// of its window.
func analyseMeasurement(m *SpeedMeasurement, withZeroPoint bool) []*Sample[float64] {
	origin, end := payloadBounds(m)
	threshold := inferBufferedIOThreshold(origin, m.IOSampler.Events, end)
	points := payloadPoints(m)

	ret := []*Sample[float64]{}
	if withZeroPoint {
		ret = append(ret, &Sample[float64]{Value: 0, Timestamp: points[0].Timestamp})
	}

	windowStart := points[0].Timestamp
	sizeSum := int64(0)

	for index, point := range points[1:] {
		sizeSum += point.Value
		sinceStart := point.Timestamp.Sub(windowStart)

		if sinceStart > threshold || (index == len(points)-2 && sinceStart > 0) {
			ret = append(ret, &Sample[float64]{
				// bits per microsecond
				Value:     float64(8*sizeSum*1000) / float64(sinceStart.Nanoseconds()),
				Timestamp: point.Timestamp,
			})

			windowStart = point.Timestamp
			sizeSum = 0
		}
	}

	return ret
}

// analyseMeasurements returns the windowed samples of sequential transfers
// along with their total size and their summed duration in microseconds.
func analyseMeasurements(measurements []*SpeedMeasurement, withZeroPoint bool) ([]*Sample[float64], int64, int64) {
	ret := []*Sample[float64]{}
	sizeSum := int64(0)
	durationSum := int64(0)

	for _, measurement := range measurements {
		ret = append(ret, analyseMeasurement(measurement, withZeroPoint)...)
		sizeSum += measurement.Size
		durationSum += measurement.Duration.Microseconds()
	}

	return ret, sizeSum, durationSum
}

// valueAt returns the value of the first sample not earlier than timestamp.
func valueAt(samples []*Sample[float64], timestamp time.Time) float64 {
	for _, sample := range samples {
		if !sample.Timestamp.Before(timestamp) {
			return sample.Value
		}
	}

	return 0
}

// analyseMeasurementGroups merges concurrent streams of transfers into one
// series: at every timestamp any stream reports, the value is the sum of
// what each stream was doing then. It also returns the total size and the
// wall-clock span of all groups in microseconds.
func analyseMeasurementGroups(groups [][]*SpeedMeasurement) ([]*Sample[float64], int64, int64) {
	groupSamples := [][]*Sample[float64]{}
	timestamps := []time.Time{}
	sizeSum := int64(0)

	var first, last time.Time

	for _, group := range groups {
		samples, size, _ := analyseMeasurements(group, true)
		groupSamples = append(groupSamples, samples)
		sizeSum += size

		for _, sample := range samples {
			timestamps = append(timestamps, sample.Timestamp)
		}
		for _, measurement := range group {
			if first.IsZero() || measurement.Start.Before(first) {
				first = measurement.Start
			}
			if measurement.End.After(last) {
				last = measurement.End
			}
		}
	}

	ret := []*Sample[float64]{}
	if len(timestamps) == 0 {
		return ret, sizeSum, 0
	}

	slices.SortFunc(timestamps, func(a, b time.Time) int { return a.Compare(b) })
	timestamps = slices.CompactFunc(timestamps, func(a, b time.Time) bool { return a.Equal(b) })

	for _, timestamp := range timestamps[1:] {
		value := 0.0
		for _, samples := range groupSamples {
			value += valueAt(samples, timestamp)
		}
		ret = append(ret, &Sample[float64]{Value: value, Timestamp: timestamp})
	}

	return ret, sizeSum, last.Sub(first).Microseconds()
}
