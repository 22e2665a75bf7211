/*
Package log provides structured logging for the TUID service using
zerolog.

Init configures the global logger once at startup (level, JSON or
console output). Components take child loggers through WithComponent so
every line carries its origin; WithFile, WithRevision and WithBatchID
add the fields resolve paths log most.
*/
package log
