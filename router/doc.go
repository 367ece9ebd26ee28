// Package router consumes decoded audio packets, resolves their recipients
// through the membership registry, and turns each channel's buffered streams
// into per-listener output frames.
//
// The router exclusively owns per-channel audio state: the set of active
// senders, one jitter buffer per sender, and the channel's counters. State is
// created lazily on the first AudioStart or audio packet from a registered
// member and torn down synchronously when the member leaves or the channel
// empties. Each channel carries its own lock; no packet ever takes a
// router-global mutex.
package router
