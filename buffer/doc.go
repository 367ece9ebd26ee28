// Package buffer implements the per-sender jitter buffer.
//
// One JitterBuffer exists per (channel, sender) pair. It is a fixed-capacity
// ring keyed by sequence number modulo capacity: newer packets displace older
// ones occupying their slot, stale duplicates are dropped, and packets whose
// age exceeds the latency budget are expired at drain time rather than
// forwarded. Missing sequence numbers are never waited for; this is a
// real-time stream, not a reliable one.
package buffer
