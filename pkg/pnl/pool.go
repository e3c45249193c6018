package pnl

import "runtime"

// Parallelism returns the worker count for per-account work: override when
// positive, otherwise four per CPU. Both are capped at 256.
func Parallelism(override int) int {
	const maxWorkers = 256
	if override > 0 {
		return min(override, maxWorkers)
	}

	n := max(runtime.NumCPU(), 1)
	return min(max(n*4, 2), maxWorkers)
}

// QueueSize sizes the pool queue so one run's accounts can all be enqueued
// without blocking submission.
func QueueSize(parallelism, batchSize int) int {
	parallelism = max(parallelism, 1)
	batchSize = max(batchSize, 1)
	return min(max(parallelism*batchSize, 4096), 262144)
}
