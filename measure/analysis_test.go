package measure

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func generateDummyIOEvents(ioMode string, startAt time.Time, eventsAfter []time.Duration, eventSizes []int) []*IOEvent {
	events := []*IOEvent{
		{Timestamp: startAt.Add(eventsAfter[0]), Mode: ioMode, Size: eventSizes[0]},
	}

	// null events sharing the first timestamp pull the buffered IO threshold
	// just under 500 ms for both {200, 300, 500} and {100, 500, 400} gaps
	for range 6 {
		events = append(events, &IOEvent{Timestamp: startAt.Add(eventsAfter[0]), Mode: ioMode, Size: 0})
	}

	return append(events,
		&IOEvent{Timestamp: startAt.Add(eventsAfter[1]), Mode: ioMode, Size: eventSizes[1]},
		&IOEvent{Timestamp: startAt.Add(eventsAfter[2]), Mode: ioMode, Size: eventSizes[2]},
	)
}

func newDummyMeasurement(direction Direction, start time.Time, duration, reqDur time.Duration, size int64, events []*IOEvent) *SpeedMeasurement {
	sampler := IOSampler{Events: events}
	if direction == DirectionUplink {
		sampler.SizeRead = size
	} else {
		sampler.SizeWritten = size
	}

	return &SpeedMeasurement{
		Direction: direction,
		Size:      size,
		Start:     start,
		End:       start.Add(duration),
		Duration:  duration,
		IOSampler: sampler,
		ReqDur:    reqDur,
	}
}

// two downlinks: 40 Mbit by 200 ms, 120 Mbit by 500 ms, 240 Mbit by 1000 ms
func dummyDownlinks() ([]*SpeedMeasurement, []time.Time, time.Duration, []time.Duration) {
	dummyMeasurementSize := int64(50 * 1000 * 1000) // 400 Mbit
	dummyIOSizes := []int{
		5 * 1000 * 1000,  // 40 Mbit
		15 * 1000 * 1000, // 120 Mbit
		30 * 1000 * 1000, // 240 Mbit
	}

	dummyReqDur := 20 * time.Millisecond
	dummyDuration := 1000*time.Millisecond + dummyReqDur
	dummyIOEventsAfter := []time.Duration{
		200*time.Millisecond + dummyReqDur,
		500*time.Millisecond + dummyReqDur,
		dummyDuration,
	}

	dummyFirstStart := time.Now()
	dummySecondStart := dummyFirstStart.Add(2 * time.Second)

	measurements := []*SpeedMeasurement{}
	for _, start := range []time.Time{dummyFirstStart, dummySecondStart} {
		measurements = append(measurements, newDummyMeasurement(DirectionDownlink, start, dummyDuration, dummyReqDur, dummyMeasurementSize,
			generateDummyIOEvents(IOModeWrite, start, dummyIOEventsAfter, dummyIOSizes)))
	}

	return measurements, []time.Time{dummyFirstStart, dummySecondStart}, dummyReqDur, dummyIOEventsAfter
}

// two uplinks: 40 Mbit read at 0 ms, 200 Mbit at 100 ms, 192 Mbit at 600 ms
func dummyUplinks() ([]*SpeedMeasurement, []time.Time, time.Duration, []time.Duration) {
	dummyMeasurementSize := int64(54 * 1000 * 1000) // 432 Mbit
	dummyIOSizes := []int{
		5 * 1000 * 1000,  // 40 Mbit
		25 * 1000 * 1000, // 200 Mbit
		24 * 1000 * 1000, // 192 Mbit
	}

	dummyReqDur := 20 * time.Millisecond
	dummyDuration := 1000*time.Millisecond + dummyReqDur
	dummyIOEventsAfter := []time.Duration{
		0,
		100 * time.Millisecond,
		600 * time.Millisecond,
	}

	dummyFirstStart := time.Now()
	dummySecondStart := dummyFirstStart.Add(2 * time.Second)

	measurements := []*SpeedMeasurement{}
	for _, start := range []time.Time{dummyFirstStart, dummySecondStart} {
		measurements = append(measurements, newDummyMeasurement(DirectionUplink, start, dummyDuration, dummyReqDur, dummyMeasurementSize,
			generateDummyIOEvents(IOModeRead, start, dummyIOEventsAfter, dummyIOSizes)))
	}

	return measurements, []time.Time{dummyFirstStart, dummySecondStart}, dummyReqDur, dummyIOEventsAfter
}

func TestAnalyseMeasurements_DLWithoutZeroPoint(t *testing.T) {
	dummyMeasurements, starts, _, eventsAfter := dummyDownlinks()

	mbpsSamples, sizeSum, durationSum := analyseMeasurements(dummyMeasurements, false)

	assert.Equal(t, len(mbpsSamples), 4)
	for index, start := range starts {
		// the first window closes at 500 ms: 160 Mbit in 500 ms
		assert.DeepEqual(t, *mbpsSamples[2*index], Sample[float64]{Value: 320, Timestamp: start.Add(eventsAfter[1])})
		assert.DeepEqual(t, *mbpsSamples[2*index+1], Sample[float64]{Value: 480, Timestamp: start.Add(eventsAfter[2])})
	}

	assert.Equal(t, sizeSum, int64(100*1000*1000))
	assert.Equal(t, time.Duration(durationSum)*time.Microsecond, 2*1020*time.Millisecond)
}

func TestAnalyseMeasurements_DLWithZeroPoint(t *testing.T) {
	dummyMeasurements, starts, reqDur, eventsAfter := dummyDownlinks()

	mbpsSamples, sizeSum, _ := analyseMeasurements(dummyMeasurements, true)

	assert.Equal(t, len(mbpsSamples), 6)
	for index, start := range starts {
		// the payload starts after the response headers
		assert.DeepEqual(t, *mbpsSamples[3*index], Sample[float64]{Value: 0, Timestamp: start.Add(reqDur)})
		assert.DeepEqual(t, *mbpsSamples[3*index+1], Sample[float64]{Value: 320, Timestamp: start.Add(eventsAfter[1])})
		assert.DeepEqual(t, *mbpsSamples[3*index+2], Sample[float64]{Value: 480, Timestamp: start.Add(eventsAfter[2])})
	}

	assert.Equal(t, sizeSum, int64(100*1000*1000))
}

func TestAnalyseMeasurements_DLWithCoincidentEvents(t *testing.T) {
	dummyMeasurementSize := int64(50 * 1000 * 1000) // 400 Mbit
	dummyIOSizes := []int{
		0,
		20 * 1000 * 1000, // 160 Mbit
		30 * 1000 * 1000, // 240 Mbit
	}

	dummyReqDur := 20 * time.Millisecond
	dummyDuration := 1000*time.Millisecond + dummyReqDur
	dummyIOEventsAfter := []time.Duration{
		dummyReqDur,
		dummyDuration,
		dummyDuration,
	}

	dummyStart := time.Now()
	dummyMeasurements := []*SpeedMeasurement{
		newDummyMeasurement(DirectionDownlink, dummyStart, dummyDuration, dummyReqDur, dummyMeasurementSize,
			generateDummyIOEvents(IOModeWrite, dummyStart, dummyIOEventsAfter, dummyIOSizes)),
	}

	mbpsSamples, sizeSum, durationSum := analyseMeasurements(dummyMeasurements, false)

	assert.Equal(t, len(mbpsSamples), 1)
	assert.DeepEqual(t, *mbpsSamples[0], Sample[float64]{Value: 400, Timestamp: dummyStart.Add(dummyDuration)})

	assert.Equal(t, sizeSum, dummyMeasurementSize)
	assert.Equal(t, time.Duration(durationSum)*time.Microsecond, dummyDuration)
}

func TestAnalyseMeasurements_ULWithoutZeroPoint(t *testing.T) {
	dummyMeasurements, starts, reqDur, eventsAfter := dummyUplinks()

	mbpsSamples, sizeSum, durationSum := analyseMeasurements(dummyMeasurements, false)

	assert.Equal(t, len(mbpsSamples), 4)
	for index, start := range starts {
		// bytes read at 0 ms and 100 ms are sent by 600 ms: 240 Mbit in 600 ms
		assert.DeepEqual(t, *mbpsSamples[2*index], Sample[float64]{Value: 400, Timestamp: start.Add(eventsAfter[2])})
		// the upload ends before the response does
		assert.DeepEqual(t, *mbpsSamples[2*index+1], Sample[float64]{Value: 480, Timestamp: start.Add(1020*time.Millisecond - reqDur)})
	}

	assert.Equal(t, sizeSum, int64(108*1000*1000))
	assert.Equal(t, time.Duration(durationSum)*time.Microsecond, 2*1020*time.Millisecond)
}

func TestAnalyseMeasurements_ULWithZeroPoint(t *testing.T) {
	dummyMeasurements, starts, reqDur, eventsAfter := dummyUplinks()

	mbpsSamples, _, _ := analyseMeasurements(dummyMeasurements, true)

	assert.Equal(t, len(mbpsSamples), 6)
	for index, start := range starts {
		assert.DeepEqual(t, *mbpsSamples[3*index], Sample[float64]{Value: 0, Timestamp: start})
		assert.DeepEqual(t, *mbpsSamples[3*index+1], Sample[float64]{Value: 400, Timestamp: start.Add(eventsAfter[2])})
		assert.DeepEqual(t, *mbpsSamples[3*index+2], Sample[float64]{Value: 480, Timestamp: start.Add(1020*time.Millisecond - reqDur)})
	}
}

func TestAnalyseMeasurements_ULWithCoincidentEvents(t *testing.T) {
	dummyMeasurementSize := int64(50 * 1000 * 1000) // 400 Mbit
	dummyIOSizes := []int{
		20 * 1000 * 1000, // 160 Mbit
		30 * 1000 * 1000, // 240 Mbit
		0,
	}

	dummyReqDur := 20 * time.Millisecond
	dummyDuration := 1000*time.Millisecond + dummyReqDur
	dummyIOEventsAfter := []time.Duration{
		0,
		0,
		dummyDuration - dummyReqDur,
	}

	dummyStart := time.Now()
	dummyMeasurements := []*SpeedMeasurement{
		newDummyMeasurement(DirectionUplink, dummyStart, dummyDuration, dummyReqDur, dummyMeasurementSize,
			generateDummyIOEvents(IOModeRead, dummyStart, dummyIOEventsAfter, dummyIOSizes)),
	}

	mbpsSamples, sizeSum, durationSum := analyseMeasurements(dummyMeasurements, false)

	assert.Equal(t, len(mbpsSamples), 1)
	assert.DeepEqual(t, *mbpsSamples[0], Sample[float64]{Value: 400, Timestamp: dummyStart.Add(dummyDuration - dummyReqDur)})

	assert.Equal(t, sizeSum, dummyMeasurementSize)
	assert.Equal(t, time.Duration(durationSum)*time.Microsecond, dummyDuration)
}

func TestAnalyseMeasurements_SingleEventEndsWindow(t *testing.T) {
	dummyStart := time.Now()
	dummyMeasurement := newDummyMeasurement(DirectionDownlink, dummyStart, 10*time.Millisecond, 0, 4096, []*IOEvent{
		{Timestamp: dummyStart.Add(10 * time.Millisecond), Mode: IOModeWrite, Size: 4096},
	})

	mbpsSamples, _, _ := analyseMeasurements([]*SpeedMeasurement{dummyMeasurement}, false)

	assert.Equal(t, len(mbpsSamples), 1)
	// 32768 bit in 10 ms
	assert.DeepEqual(t, *mbpsSamples[0], Sample[float64]{Value: 3.2768, Timestamp: dummyStart.Add(10 * time.Millisecond)})
}

func TestAnalyseMeasurements_NoElapsedTime(t *testing.T) {
	dummyStart := time.Now()
	dummyMeasurement := newDummyMeasurement(DirectionDownlink, dummyStart, 0, 0, 4096, []*IOEvent{
		{Timestamp: dummyStart, Mode: IOModeWrite, Size: 4096},
	})

	mbpsSamples, _, _ := analyseMeasurements([]*SpeedMeasurement{dummyMeasurement}, false)

	assert.Equal(t, len(mbpsSamples), 0)
}

func TestAnalyseMeasurementGroups(t *testing.T) {
	dummyMeasurementSize := int64(50 * 1000 * 1000) // 400 Mbit
	dummyIOSizes := []int{
		5 * 1000 * 1000,  // 40 Mbit
		15 * 1000 * 1000, // 120 Mbit
		30 * 1000 * 1000, // 240 Mbit
	}

	dummyReqDur := 20 * time.Millisecond
	dummyDuration := 1000*time.Millisecond + dummyReqDur
	dummyIOEventsAfter := []time.Duration{
		200*time.Millisecond + dummyReqDur,
		500*time.Millisecond + dummyReqDur,
		dummyDuration,
	}

	dummyStartBase := time.Now()
	dummyStartDrift := 10 * time.Millisecond
	dummyStartTimestamps := []time.Time{
		dummyStartBase.Add(-dummyStartDrift),
		dummyStartBase,
		dummyStartBase.Add(dummyStartDrift),
	}

	dummyMeasurementGroups := [][]*SpeedMeasurement{}
	for _, start := range dummyStartTimestamps {
		dummyMeasurementGroups = append(dummyMeasurementGroups, []*SpeedMeasurement{
			newDummyMeasurement(DirectionDownlink, start, dummyDuration, dummyReqDur, dummyMeasurementSize,
				generateDummyIOEvents(IOModeWrite, start, dummyIOEventsAfter, dummyIOSizes)),
		})
	}

	mbpsSamples, sizeSum, longestSpan := analyseMeasurementGroups(dummyMeasurementGroups)

	expected := []Sample[float64]{
		{Value: 320 + 0 + 0, Timestamp: dummyStartTimestamps[1].Add(dummyReqDur)},
		{Value: 320 + 320 + 0, Timestamp: dummyStartTimestamps[2].Add(dummyReqDur)},
		{Value: 320 + 320 + 320, Timestamp: dummyStartTimestamps[0].Add(dummyIOEventsAfter[1])},
		{Value: 480 + 320 + 320, Timestamp: dummyStartTimestamps[1].Add(dummyIOEventsAfter[1])},
		{Value: 480 + 480 + 320, Timestamp: dummyStartTimestamps[2].Add(dummyIOEventsAfter[1])},
		{Value: 480 + 480 + 480, Timestamp: dummyStartTimestamps[0].Add(dummyIOEventsAfter[2])},
		{Value: 0 + 480 + 480, Timestamp: dummyStartTimestamps[1].Add(dummyIOEventsAfter[2])},
		{Value: 0 + 0 + 480, Timestamp: dummyStartTimestamps[2].Add(dummyIOEventsAfter[2])},
	}

	assert.Equal(t, len(mbpsSamples), len(expected))
	for index, sample := range expected {
		assert.DeepEqual(t, *mbpsSamples[index], sample)
	}

	assert.Equal(t, sizeSum, 3*dummyMeasurementSize)
	assert.Equal(t, time.Duration(longestSpan)*time.Microsecond, dummyDuration+2*dummyStartDrift)
}

func TestAnalyseMeasurementGroups_WithCoincidentMeasurements(t *testing.T) {
	dummyMeasurementSize := int64(50 * 1000 * 1000) // 400 Mbit
	dummyIOSizes := []int{
		0,
		0,
		50 * 1000 * 1000, // 400 Mbit
	}

	dummyReqDur := 20 * time.Millisecond
	dummyDuration := 1000*time.Millisecond + dummyReqDur
	dummyIOEventsAfter := []time.Duration{
		dummyReqDur,
		300*time.Millisecond + dummyReqDur,
		dummyDuration,
	}

	dummyCoincidentStart := time.Now()
	dummyCoincidentMeasurement := newDummyMeasurement(DirectionDownlink, dummyCoincidentStart, dummyDuration, dummyReqDur, dummyMeasurementSize,
		generateDummyIOEvents(IOModeWrite, dummyCoincidentStart, dummyIOEventsAfter, dummyIOSizes))

	dummyMeasurementGroups := [][]*SpeedMeasurement{{dummyCoincidentMeasurement}, {dummyCoincidentMeasurement}}

	mbpsSamples, sizeSum, longestSpan := analyseMeasurementGroups(dummyMeasurementGroups)

	assert.Equal(t, len(mbpsSamples), 1)
	assert.DeepEqual(t, *mbpsSamples[0], Sample[float64]{
		Value:     2 * 400,
		Timestamp: dummyCoincidentStart.Add(dummyIOEventsAfter[2]),
	})

	assert.Equal(t, sizeSum, 2*dummyMeasurementSize)
	assert.Equal(t, time.Duration(longestSpan)*time.Microsecond, dummyDuration)
}

func TestAnalyseMeasurementGroups_Empty(t *testing.T) {
	mbpsSamples, sizeSum, longestSpan := analyseMeasurementGroups([][]*SpeedMeasurement{{}, {}})

	assert.Equal(t, len(mbpsSamples), 0)
	assert.Equal(t, sizeSum, int64(0))
	assert.Equal(t, longestSpan, int64(0))
}

func TestInferBufferedIOThreshold(t *testing.T) {
	origin := time.Now()
	events := []*IOEvent{
		{Timestamp: origin.Add(100 * time.Millisecond)},
		{Timestamp: origin.Add(200 * time.Millisecond)},
		{Timestamp: origin.Add(300 * time.Millisecond)},
	}

	// constant 100 ms gaps leave no spread
	assert.Equal(t, inferBufferedIOThreshold(origin, events, origin.Add(400*time.Millisecond)), 100*time.Millisecond)
}
