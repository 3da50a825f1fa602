// Package eventbus provides the in-process notification mechanism used by
// queues to announce task lifecycle transitions.
package eventbus
