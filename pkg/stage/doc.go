// Package stage runs a single external process of a relay pipeline.
//
// A Stage owns the process's standard output and standard error descriptors,
// drains standard error for the whole life of the process, runs the process in
// its own process group and reaps it exactly once:
//   - Output is read by exactly one consumer: the next stage or the forwarding loop
//   - Terminate kills the whole process group and is idempotent
//   - Close releases the parent side of the descriptors without signalling
package stage
