// Package gemini implements commit summarization on Google's Gemini API.
//
// The Summarizer renders a prompt from the commit message and diff,
// truncating the diff to a configured budget, waits on a client-side rate
// limiter, and asks the model for a JSON answer that is parsed into a
// generation.Summary. Failures are reported with the generation package's
// errors so the job layer can tell quota exhaustion, blocked content and
// transient faults apart.
package gemini
