package debounce

import "time"

// Clock schedules the quiet-interval timers. Tests substitute a fake.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable one-shot timer handle.
type Timer interface {
	// Stop prevents the timer from firing. It returns false if the timer already
	// fired or was stopped.
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// RealClock returns the wall-clock implementation backed by time.AfterFunc.
func RealClock() Clock { return realClock{} }
