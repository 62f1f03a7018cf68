// Package dispatch is the single net/http entry point. Every request is
// classified exactly once by the tunnel collaborator: claimed requests and
// upgrades go to the collaborator, everything else goes to the application
// handler. Upgrades that nobody claims are dropped by closing the connection.
package dispatch
