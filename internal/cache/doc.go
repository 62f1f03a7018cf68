// Package cache holds mirrored assets in process memory. Entries are keyed by
// the request path as received and expire after a fixed TTL; expiry is lazy,
// so a stale entry is only dropped when a later Lookup observes it. Nothing is
// persisted and the store starts empty on every boot. Proxy handlers depend on
// the Store interface so a bounded or shared implementation can replace the
// in-memory one without touching call sites.
package cache
