/*
Package hg talks to the upstream Mercurial web server and the hg cache
service.

Endpoints consumed:

	json-log/{rev}        changelog page, newest first; a bare JSON
	                      string body means the revision is unknown
	json-rev/{rev}        phase and parents
	json-pushes?full=1    pushes containing a changeset (try branch)
	json-info/{rev}       files a revision touches
	raw-file/{rev}/{path} raw bytes; the line count drives initial
	                      annotation
	json-rev/{rev}        (cache service) enriched changeset with
	                      per-file moves and the commit description

Every GET makes up to 3 attempts, 5 seconds apart, on transport
errors, 5xx and 429 responses. Other statuses return immediately: a 404 on
raw-file means the file is absent at that revision and the caller
tombstones it.

ChangelogOracle adapts the client to the revision-range contract the
frontier mover consumes, by paging json-log from the newer revision
back to the older one under a walk budget. Deployments running a
changelog crawler inject the crawler instead.
*/
package hg
