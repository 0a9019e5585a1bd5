// Package domain contains the core entities of the job engine: jobs, their
// dependency edges, the typed payloads each job type carries, and the commit
// records that workflows are built around. It has no knowledge of storage or
// transport.
package domain
