package outbound

import "time"

// Timer is a schedulable one-shot. Stop is idempotent and safe to
// call after the timer has already fired.
type Timer interface {
	Stop() bool
}

// Scheduler creates Timers. The default implementation wraps
// time.AfterFunc; WithScheduler lets a caller substitute a fake to
// control retry/idle/connect-timeout behavior deterministically.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type wallClockScheduler struct{}

// NewScheduler returns the default wall-clock Scheduler.
func NewScheduler() Scheduler { return wallClockScheduler{} }

func (wallClockScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
