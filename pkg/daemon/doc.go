/*
Package daemon prefetches annotations in the background so interactive
requests hit the cache.

The loop reads every (file, frontier) pair, groups files by frontier
revision, and walks the changelog forward from each group's frontier to
the tip. Every newer revision is resolved oldest first with
going_forward set, advancing the group's frontiers one revision at a
time. Grouping matters: without it a group that is already new could be
dragged back to an older revision by a stale neighbour.

With only_coverage_revisions set, revisions are cross-referenced with a
coverage index and only matching ones are prefetched.

Once every group sits at the newest known revision the daemon sleeps
daemon_wait_at_newest and tries again. ETL-originated resolve calls
pause the daemon for their duration through the service's caching gate.
*/
package daemon
