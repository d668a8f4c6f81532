package scheduler

import (
	"fmt"
	"time"
)

// MinInterval is the shortest interval a schedule accepts.
const MinInterval = 10 * time.Millisecond

// IntervalSchedule runs a job a fixed interval after its previous run ended.
type IntervalSchedule struct {
	Interval time.Duration
}

// NewIntervalSchedule raises intervals shorter than MinInterval to it.
func NewIntervalSchedule(interval time.Duration) IntervalSchedule {
	return IntervalSchedule{Interval: max(interval, MinInterval)}
}

func (s IntervalSchedule) Next(t time.Time) time.Time { return t.Add(s.Interval) }

func (s IntervalSchedule) String() string { return fmt.Sprintf("@every %s", s.Interval) }
