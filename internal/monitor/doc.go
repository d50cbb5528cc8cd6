// Package monitor controls the agent's background watch task.
//
// A Controller moves Idle → Running → StopRequested → Idle. Cancellation is
// advisory: Stop sets a Flag and cancels the task's context, then waits at
// most Timeout. A task that ignores both is left running and counted by
// Stale. The controller never owns the agent's socket, so stopping and
// restarting the task leaves the gateway session untouched.
package monitor
