/*
Package service implements the TUID resolution engine: given a set of
files and a revision, it returns one tuid per line such that a line
appearing at two revisions carries the same tuid, even when its line
number changed.

# Request flow

	                    Resolve(files, revision)
	                              │
	              ┌───────────────┼────────────────┐
	              ▼               ▼                ▼
	          cached          frontier          never seen
	        (answer from     movable           (acquire via
	         annotation      (walk diffs        raw-file line
	         index)          from frontier      count + fresh
	              │           to revision)      tuids)
	              │               │                │
	              └───────────────┴────────────────┘
	                              │
	                   double-checked writes to the
	                   annotation index + frontier table

Each file is classified against the annotation index and the frontier
table. Cache hits answer immediately and refresh the file's frontier.
Files with a frontier at another revision go to the frontier mover,
which asks the changelog oracle for the ordered revision range, fetches
each intermediate diff exactly once, and applies them forward or
backward while preserving line identity. Files never seen before are
acquired: the raw file's line count decides how many fresh tuids to
allocate.

When the pending work exceeds files_to_process_thresh and the caller
allows it, the work is partitioned into work_overflow_batch_size
batches and deferred to a worker pool; the call returns the cache hits
with completed=false and the rest lands in the cache later.

# Concurrency

The tuid counter is the only process-wide mutable state, guarded by the
Allocator's lock. Raw-file fetches are bounded by a weighted semaphore
(max_concurrent_ann_requests) with a wait capped at ann_wait. Writers
racing on the same (revision, file) key serialize through the
double-check protocol: re-read before insert, first committed write
wins, losers adopt the winner's value and leak their allocations.

# Try branch

Ephemeral try pushes get no frontiers. Annotations at the push's public
ancestor are taken from the cache or acquired from the raw file; no
frontier is walked or written for them. The draft diffs are replayed on
top, keyed under the try revision.

# See Also

  - pkg/diff for the applier invoked per revision step
  - pkg/hg for the upstream endpoints and the changelog oracle adapter
  - pkg/daemon for the background prefetcher driving Resolve
*/
package service
