/*
Package metrics exposes Prometheus metrics and health endpoints for the
TUID service.

Collectors cover the resolve surface (requests, files by source, tuids
handed out), the annotate fetch pipeline (waiting and active fetches),
frontier movement (moves by direction, failed transitions), the
overflow worker pool, upstream hg traffic, and the prefetch daemon.

Health reporting is shaped around this service's lifecycle: readiness
requires the stores to be open and the resolver built, while the
prefetch daemon only degrades the /health report when it is disabled
or stopped — resolve requests do not depend on it.
*/
package metrics
