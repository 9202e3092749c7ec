package helpers

import (
	"sync/atomic"
	"time"
)

const (
	DefaultBackoffFlat        = 1 * time.Second
	DefaultBackoffFlatRetries = 15
	DefaultBackoffStep        = 1 * time.Second
	DefaultBackoffMax         = 60 * time.Second
)

// Backoff is a retry delay policy for connection restarts.
// Delay is flat for the first FlatRetries failures, then grows linearly
// by Step per failure, capped at Max. Zero value uses the defaults above.
//
// Use scenario:
//   for {
//     err := op()
//     if err == nil { backoff.Reset(); continue }
//     time.Sleep(backoff.Failure())
//   }
type Backoff struct {
	count int32 // atomic

	Flat        time.Duration
	FlatRetries int32
	Step        time.Duration
	Max         time.Duration
}

// Failure registers one more failed attempt and returns the delay to
// wait before the next one.
func (b *Backoff) Failure() time.Duration {
	n := atomic.AddInt32(&b.count, 1)
	return b.DelayAt(n)
}

// Delay returns the delay for the current failure count.
func (b *Backoff) Delay() time.Duration { return b.DelayAt(b.Count()) }

// DelayAt computes the delay after n consecutive failures.
func (b *Backoff) DelayAt(n int32) time.Duration {
	if n <= 0 {
		return 0
	}
	flat := b.Flat
	if flat == 0 {
		flat = DefaultBackoffFlat
	}
	flatRetries := b.FlatRetries
	if flatRetries == 0 {
		flatRetries = DefaultBackoffFlatRetries
	}
	if n <= flatRetries {
		return flat
	}
	step := b.Step
	if step == 0 {
		step = DefaultBackoffStep
	}
	ceil := b.Max
	if ceil == 0 {
		ceil = DefaultBackoffMax
	}
	d := time.Duration(n-flatRetries) * step
	if d > ceil {
		d = ceil
	}
	return d
}

func (b *Backoff) Count() int32 { return atomic.LoadInt32(&b.count) }

func (b *Backoff) Reset() { atomic.StoreInt32(&b.count, 0) }
