/*
Package events notifies interested parties of annotation cache state
changes: annotations created, files tombstoned, frontiers moved or
deleted, failed transitions, and deferred batches.

The broker is built for a single hot publisher (the resolve path) and
a handful of slow consumers: delivery is direct and never blocks, a
subscriber that falls behind loses events, and every loss is counted
on the broker and in the events_dropped metric.
*/
package events
