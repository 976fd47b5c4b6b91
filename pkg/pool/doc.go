/*
Package pool runs document tasks under a memory-reactive concurrency bound.

The Pool dispatches tasks into worker goroutines, never exceeding the current
max_parallel. Each task gets its own cancel signal (CancelAll for drains) and
panic isolation: a panicking task fires its OnPanic hook and frees its slot
without disturbing siblings.

The Governor samples memory and CPU on a fixed interval (gopsutil in
production, synthetic samplers in tests) and moves the bound:

	memory >= HIGH  enable dispatch throttle, shrink bound by 1 per sample
	HIGH > m > LOW  while throttled, keep shrinking toward the floor
	memory <= LOW   grow by 1 per sample until the pre-pressure bound
	                is restored, then disable the throttle

At most one adjustment happens per sample interval, so the bound cannot
thrash faster than the sample period.
*/
package pool
