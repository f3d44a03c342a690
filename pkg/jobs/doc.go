// Package jobs implements the single-flight job scheduler.
//
// Every mutation of the process state (conversation history, loaded
// operations, configuration) and every reply is a job. Jobs are queued in
// submission order and handled one at a time by a Dispatcher, so handlers
// never race each other.
//
// Each job ends with exactly one final event:
//
//	{"job_id": "...", "job_type": "response", "finished": true, "success": true}
//	{"job_id": "...", "job_type": "response", "finished": true, "success": false,
//	 "error": "job_cancelled", "reason": "..."}
//
// Cancelling a queued job drops it without dispatch. Cancelling the running
// job cancels its context and runs the cleanups it registered with
// Job.OnCancel.
package jobs
