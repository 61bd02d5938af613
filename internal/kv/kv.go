// Package kv provides the persisted key-value mappings the issue store reads and writes.
//
// Every backend stores opaque string values under string keys, the same contract as
// browser localStorage, so collections written by one backend can be copied verbatim
// into another.
package kv

import "context"

// Backend is a persisted string-to-string mapping.
type Backend interface {
	// Get returns the value stored under key. ok is false when the key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Ping(ctx context.Context) error
	Close() error
}
