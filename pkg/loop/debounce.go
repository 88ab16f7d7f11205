package loop

import "time"

// Debouncer runs only the most recent of a burst of actions, once the burst
// has been quiet for wait. It must be used from the loop it was built on.
type Debouncer struct {
	looper  Looper
	wait    time.Duration
	pending Handle
}

// NewDebouncer creates a debouncer scheduling on looper
func NewDebouncer(looper Looper, wait time.Duration) *Debouncer {
	return &Debouncer{
		looper: looper,
		wait:   wait,
	}
}

// Debounce cancels the previously scheduled action, if any, and schedules fn after wait
func (d *Debouncer) Debounce(fn func()) error {
	d.Cancel()

	var h Handle
	h, err := d.looper.PostDelayed(d.wait, func() {
		if d.pending == h {
			d.pending = 0
		}
		fn()
	})
	if err != nil {
		return err
	}
	d.pending = h
	return nil
}

// Cancel drops the pending action without running it
func (d *Debouncer) Cancel() {
	if d.pending != 0 {
		d.looper.Remove(d.pending)
		d.pending = 0
	}
}

// Pending reports whether an action is waiting to run
func (d *Debouncer) Pending() bool {
	return d.pending != 0
}
