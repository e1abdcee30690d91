// Package store declares the repository used to keep a durable history of
// crawl runs.
package store
