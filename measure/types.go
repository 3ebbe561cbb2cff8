package measure

import (
	"time"

	"github.com/makotom/netspeed/stats"
)

type Direction string

const (
	DirectionDownlink Direction = "downlink"
	DirectionUplink   Direction = "uplink"
)

type Sample[T any] struct {
	Value     T
	Timestamp time.Time
}

// SpeedMeasurement is one timed transfer with the IO log taken while it ran.
type SpeedMeasurement struct {
	Direction Direction
	Size      int64
	Start     time.Time
	End       time.Time
	Duration  time.Duration
	IOSampler IOSampler
	// ReqDur is the part of Duration when no payload moved: on a download,
	// the wait for response headers.
	ReqDur time.Duration
}

type SpeedMeasurementStats struct {
	stats.Stats
	CatSpeed     float64 // all transfers taken as one
	TXSize       int64   // bytes per transfer
	Multiplicity int     // concurrent transfers
}
