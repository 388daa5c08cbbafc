// Package batch provides the batched operation scheduler for apiprobe.
//
// This package is internal to apiprobe. It owns the queue of pending
// operations and drains it in fixed-size batches, one batch per tick, with a
// fixed delay between ticks. A single driver goroutine owns the queue, so
// ticks never overlap.
//
// The main components are:
//
//   - [Scheduler]: Drives the queue and isolates per-operation failures
//   - [Operation]: A zero-argument unit of work
//   - [PanicError]: A recovered panic with its stack and correlation ID
//
// Users of the apiprobe library should not need to interact with this
// package directly. Batching is configured through the main apiprobe package.
package batch
