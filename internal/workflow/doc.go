// Package workflow turns commits into job chains: fetch the diff, summarize
// it, and notify subscribers. Chains are built transactionally and at most
// once per commit.
package workflow
