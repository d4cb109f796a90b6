// Package session keeps per-connection identity (username and current room)
// in Redis so that it outlives a single process and can be inspected by
// operators. Store implements presence.Registry.
package session
