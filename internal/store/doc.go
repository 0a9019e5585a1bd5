// Package store defines the persistence contracts of the job engine and the
// commit records it works on. Implementations live under internal/platform.
package store
