// Package events carries inbound events into the job queue.
//
// A CommitPushEvent describes a push that has already been authenticated and
// parsed by the caller. Emitting it through an EventEmitter hands it to the
// registered EventHandlers; the JobEnqueuer handler turns it into the root
// webhook_processing job of a workflow.
package events
