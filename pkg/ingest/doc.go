// Package ingest drives a resumable, concurrency-bounded ingestion run over a
// page-indexed source.
//
// Example usage:
//
//	orch, err := ingest.New(fetcher, gate, store, sink, ingest.DefaultConfig())
//	summary, err := orch.Run(ctx, resume)
//	os.Exit(summary.ExitCode())
//
// A run:
//   - Discovers the total page count once (fatal if it never succeeds)
//   - Loads the checkpoint when resuming, skipping completed pages
//   - Processes pending pages in ordered batches, fanned out through the gate
//   - Writes each page's records to the sink before marking it completed
//   - Persists the checkpoint every few batches and on exit
//   - Retries failed pages in one final pass
//
// Cancelling ctx stops dispatch between batches. Fetches already in flight
// get ShutdownGrace to settle before they are cancelled; pages cut off that
// way stay pending rather than failed.
package ingest
