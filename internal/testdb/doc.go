// Package testdb connects integration tests to a real PostgreSQL database.
//
// Tests call GetTestDB, which skips the test unless DATABASE_URL (or
// COMMITCAST_TEST_DB_URL) is set, applies the embedded migrations once per
// process, and closes the pool when the test ends. Tests isolate their writes
// either with WithTx, which always rolls back, or with ResetTables.
package testdb
