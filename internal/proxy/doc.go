// Package proxy serves the asset namespace. A Handler answers from the cache
// when it can, otherwise resolves the request path to an upstream URL, fetches
// it once, infers the content type and stores the payload before replying.
// Requests it cannot serve are reported as OutcomeNotApplicable so the router
// moves on to the next handler.
package proxy
