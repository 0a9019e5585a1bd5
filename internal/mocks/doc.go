// Package mocks provides reusable fakes of the pipeline's outside
// collaborators: the diff fetcher, the summarizer and the email sender.
//
// Each mock has a function field per method for custom behavior, default
// return values, and call tracking that is safe for concurrent handlers:
//
//	summarizer := &mocks.MockSummarizer{
//	    SummarizeFn: func(ctx context.Context, req generation.Request) (*generation.Summary, error) {
//	        return &generation.Summary{Text: "Adds retries.", ChangeType: "feature"}, nil
//	    },
//	}
package mocks
