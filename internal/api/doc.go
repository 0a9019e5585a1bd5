// Package api provides the HTTP handlers of the admin API: queue status, job
// inspection and requeue, and push event intake.
package api
