// Package tunnel defines the collaborator the dispatcher consults before the
// application layer sees a request. A Collaborator classifies each request
// once and, when it claims it, takes over either the request/response pair or
// the hijacked connection of a protocol upgrade. Relay forwards claimed
// traffic to an external tunnel backend; Disabled claims nothing.
package tunnel
