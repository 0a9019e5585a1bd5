// Package handlers implements the job handlers of the commit pipeline:
// webhook_processing turns a push event into commit records and workflows,
// fetch_diff retrieves the change set, generate_summary asks the LLM for a
// summary, and send_email delivers one or many summaries.
//
// Each handler talks to exactly one kind of outside collaborator through the
// interfaces declared in collaborators.go and reports failures using the
// job error taxonomy, so the engine can decide between retrying, failing
// fast and parking the job until credits are restored.
package handlers
