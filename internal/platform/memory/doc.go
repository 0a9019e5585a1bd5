// Package memory provides in-process implementations of the store
// interfaces. They follow the same state-transition rules as the PostgreSQL
// stores and back the engine, workflow and handler tests.
package memory
