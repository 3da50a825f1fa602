// Package storage provides the key/value backends queues persist their task
// lists into.
//
// Each queue owns one key (its storage key) and writes the whole task list
// as one opaque document. Backends only need atomic whole-value replace.
package storage
