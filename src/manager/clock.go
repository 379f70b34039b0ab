package manager

import "time"

// Clock schedules delayed work. The manager never reads wall time; it
// only needs cancellable one-shot timers.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable scheduled callback.
type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// task is a named scheduled event owned by the manager loop. The id lets
// the loop discard a firing that raced with cancellation.
type task struct {
	name  string
	id    uint64
	timer Timer
}

func (t *task) cancel() {
	if t == nil {
		return
	}
	t.timer.Stop()
}
