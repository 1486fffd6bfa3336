// Package rendezvous implements the coordination core of the relay: the
// per-application directory of channels, the reference-counted mailbox each
// channel is backed by, and the per-connection protocol session that drives
// them.
//
// The relay is a trusted-but-blind intermediary. It stores and forwards
// phase-tagged messages between sides that agreed on a short channel id out
// of band; it never interprets message bodies. All state is in-process: a
// mailbox lives exactly as long as at least one side holds a claim on it,
// and its message log dies with it.
package rendezvous
