// Package pagestore fetches, unmasks, decodes and caches the pages of the
// document being read.
//
// Each page moves through Unrequested, Loading, Ready and Failed. Concurrent
// requests for the same page share one fetch, background prefetches never
// surface errors, and CancelAll guarantees that responses which arrive after
// it never write into the cache.
package pagestore
