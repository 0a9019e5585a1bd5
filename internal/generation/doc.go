// Package generation defines the boundary between commit summarization and
// the LLM service behind it: the request a summarizer receives, the summary
// it returns, and the errors it reports. The Gemini implementation lives in
// platform/gemini.
package generation
