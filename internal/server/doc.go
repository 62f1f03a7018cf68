// Package server hosts the Fiber application layer behind the dispatcher: the
// request-id middleware, the optional basic-auth challenge, the asset mirror
// mount point, static files, named pages and the 404/500 fallbacks. It also
// owns the MirrorRegistry that maps asset prefixes onto upstream origins and
// the shared upstream http.Client. Keep exports narrow and accept explicit
// dependencies so the dispatcher and proxy packages can be tested alone.
package server
