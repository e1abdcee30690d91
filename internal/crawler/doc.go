// Package crawler defines the domain model shared by the sync engine, the
// session-authenticated activity crawler and the run orchestrator, together
// with the narrow interfaces each subsystem depends on.
package crawler
