// Package transport implements the network transport layer for the voice core.
//
// This package handles the audio datagram wire format, the UDP socket that
// carries it, and the client address book that maps user IDs to their last
// known network address.
//
// Example:
//
//	tr, err := transport.NewUDPTransport("0.0.0.0:8082", 1400)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	tr.RegisterHandler(transport.PacketAudio, func(pkt *transport.AudioPacket, addr net.Addr) {
//	    // feed the routing pipeline
//	})
package transport

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// PacketKind identifies the type of an audio datagram.
type PacketKind byte

const (
	// PacketAudio carries a raw PCM frame.
	PacketAudio PacketKind = iota
	// PacketSilence marks a tick with nothing to transmit.
	PacketSilence
	// PacketAudioStart signals the beginning of a transmission.
	PacketAudioStart
	// PacketAudioStop signals the end of a transmission.
	PacketAudioStop
	// PacketSync is a keep-alive that refreshes the sender's address entry.
	PacketSync
)

// HeaderSize is the fixed wire size of an AudioHeader in bytes.
const HeaderSize = 52

var (
	// ErrTruncated indicates fewer bytes than the fixed header requires,
	// or a payload shorter than the header declares.
	ErrTruncated = errors.New("packet truncated")

	// ErrInvalidKind indicates an unknown packet kind tag.
	ErrInvalidKind = errors.New("invalid packet kind")

	// ErrPayloadTooLarge indicates the payload exceeds the configured
	// maximum datagram size.
	ErrPayloadTooLarge = errors.New("payload too large")
)

// valid reports whether the kind tag is one of the known values.
func (k PacketKind) valid() bool {
	return k <= PacketSync
}

// String returns a human-readable name for the packet kind.
func (k PacketKind) String() string {
	switch k {
	case PacketAudio:
		return "audio"
	case PacketSilence:
		return "silence"
	case PacketAudioStart:
		return "audio_start"
	case PacketAudioStop:
		return "audio_stop"
	case PacketSync:
		return "sync"
	default:
		return fmt.Sprintf("unknown(%d)", byte(k))
	}
}

// IsControl reports whether the kind is a control signal rather than audio.
func (k PacketKind) IsControl() bool {
	return k == PacketAudioStart || k == PacketAudioStop || k == PacketSync
}

// AudioHeader carries the metadata of one audio datagram.
//
// Wire layout, big-endian, 52 bytes:
//
//	[kind 1][sender 16][channel 16][sequence 4][timestamp 8][payload size 2][sample rate 4][channels 1]
type AudioHeader struct {
	Kind       PacketKind
	Sender     uuid.UUID
	Channel    uuid.UUID
	Sequence   uint32
	Timestamp  uint64 // capture time, microseconds since Unix epoch
	SampleRate uint32
	Channels   uint8
}

// AudioPacket is one decoded audio datagram: header plus opaque payload.
// Packets are transient; they live for a single receive-forward cycle.
type AudioPacket struct {
	Header  AudioHeader
	Payload []byte
}

// Encode serializes the packet for transmission. It never fails for a
// well-formed in-memory packet.
func (p *AudioPacket) Encode() []byte {
	buf := make([]byte, HeaderSize+len(p.Payload))

	buf[0] = byte(p.Header.Kind)
	copy(buf[1:17], p.Header.Sender[:])
	copy(buf[17:33], p.Header.Channel[:])
	binary.BigEndian.PutUint32(buf[33:37], p.Header.Sequence)
	binary.BigEndian.PutUint64(buf[37:45], p.Header.Timestamp)
	binary.BigEndian.PutUint16(buf[45:47], uint16(len(p.Payload)))
	binary.BigEndian.PutUint32(buf[47:51], p.Header.SampleRate)
	buf[51] = p.Header.Channels
	copy(buf[HeaderSize:], p.Payload)

	return buf
}

// Decode parses a datagram into an AudioPacket. maxPayload bounds the
// accepted payload size; anything above it is rejected.
func Decode(data []byte, maxPayload int) (*AudioPacket, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes, header needs %d", ErrTruncated, len(data), HeaderSize)
	}

	kind := PacketKind(data[0])
	if !kind.valid() {
		return nil, fmt.Errorf("%w: tag %d", ErrInvalidKind, data[0])
	}

	payloadSize := int(binary.BigEndian.Uint16(data[45:47]))
	if payloadSize > maxPayload {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrPayloadTooLarge, payloadSize, maxPayload)
	}
	if len(data) < HeaderSize+payloadSize {
		return nil, fmt.Errorf("%w: payload declares %d bytes, %d present", ErrTruncated, payloadSize, len(data)-HeaderSize)
	}

	pkt := &AudioPacket{
		Header: AudioHeader{
			Kind:       kind,
			Sequence:   binary.BigEndian.Uint32(data[33:37]),
			Timestamp:  binary.BigEndian.Uint64(data[37:45]),
			SampleRate: binary.BigEndian.Uint32(data[47:51]),
			Channels:   data[51],
		},
	}
	copy(pkt.Header.Sender[:], data[1:17])
	copy(pkt.Header.Channel[:], data[17:33])

	if payloadSize > 0 {
		pkt.Payload = make([]byte, payloadSize)
		copy(pkt.Payload, data[HeaderSize:HeaderSize+payloadSize])
	}

	return pkt, nil
}

// Equal reports whether two packets carry identical headers and payloads.
func (p *AudioPacket) Equal(other *AudioPacket) bool {
	return p.Header == other.Header && bytes.Equal(p.Payload, other.Payload)
}

// Size returns the encoded size of the packet in bytes.
func (p *AudioPacket) Size() int {
	return HeaderSize + len(p.Payload)
}

// HasAudio reports whether the packet carries a PCM payload to mix.
func (p *AudioPacket) HasAudio() bool {
	return p.Header.Kind == PacketAudio && len(p.Payload) > 0
}
