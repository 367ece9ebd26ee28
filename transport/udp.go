package transport

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// PacketHandler is a function that processes one decoded inbound packet.
type PacketHandler func(pkt *AudioPacket, addr net.Addr)

// Stats holds the transport's monotonic counters. Snapshot values, safe to
// copy.
type Stats struct {
	PacketsReceived uint64
	PacketsSent     uint64
	BytesReceived   uint64
	BytesSent       uint64
	DecodeErrors    uint64
	SendErrors      uint64
}

// UDPTransport owns the bound UDP socket for both receive and send. The
// receive loop decodes datagrams and dispatches them to the handler
// registered for the packet kind; decode failures and transient socket
// errors are counted and the loop continues.
type UDPTransport struct {
	conn       net.PacketConn
	listenAddr net.Addr
	maxPayload int

	handlers map[PacketKind]PacketHandler
	mu       sync.RWMutex

	packetsReceived atomic.Uint64
	packetsSent     atomic.Uint64
	bytesReceived   atomic.Uint64
	bytesSent       atomic.Uint64
	decodeErrors    atomic.Uint64
	sendErrors      atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewUDPTransport binds the UDP socket. Bind failure is the only fatal
// transport error; everything after Start is counted and survived.
func NewUDPTransport(listenAddr string, maxPayload int) (*UDPTransport, error) {
	conn, err := net.ListenPacket("udp", listenAddr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	t := &UDPTransport{
		conn:       conn,
		listenAddr: conn.LocalAddr(),
		maxPayload: maxPayload,
		handlers:   make(map[PacketKind]PacketHandler),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	logrus.WithFields(logrus.Fields{
		"addr":        t.listenAddr.String(),
		"max_payload": maxPayload,
	}).Info("audio UDP transport bound")

	return t, nil
}

// RegisterHandler registers the handler invoked for inbound packets of the
// given kind. Must be called before Start.
func (t *UDPTransport) RegisterHandler(kind PacketKind, handler PacketHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.handlers[kind] = handler
}

// Start launches the receive loop.
func (t *UDPTransport) Start() {
	go t.receiveLoop()
}

// receiveLoop reads datagrams until the transport is closed.
func (t *UDPTransport) receiveLoop() {
	defer close(t.done)

	buf := make([]byte, HeaderSize+t.maxPayload)

	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		// Deadline tick so Close can interrupt a blocked read.
		_ = t.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

		n, addr, err := t.conn.ReadFrom(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-t.ctx.Done():
				return
			default:
			}
			logrus.WithError(err).Debug("transport read error")
			continue
		}

		t.packetsReceived.Add(1)
		t.bytesReceived.Add(uint64(n))

		pkt, err := Decode(buf[:n], t.maxPayload)
		if err != nil {
			t.decodeErrors.Add(1)
			logrus.WithFields(logrus.Fields{
				"from": addr.String(),
				"size": n,
			}).WithError(err).Debug("dropping malformed datagram")
			continue
		}

		t.dispatch(pkt, addr)
	}
}

// dispatch hands the packet to the handler for its kind, if one is
// registered. Unhandled kinds are dropped silently.
func (t *UDPTransport) dispatch(pkt *AudioPacket, addr net.Addr) {
	t.mu.RLock()
	handler, ok := t.handlers[pkt.Header.Kind]
	t.mu.RUnlock()

	if ok {
		handler(pkt, addr)
	}
}

// Send encodes the packet and writes it to addr. A failed send affects only
// this recipient; the error is counted and returned for the caller's
// accounting.
func (t *UDPTransport) Send(pkt *AudioPacket, addr net.Addr) error {
	data := pkt.Encode()

	n, err := t.conn.WriteTo(data, addr)
	if err != nil {
		t.sendErrors.Add(1)
		return err
	}

	t.packetsSent.Add(1)
	t.bytesSent.Add(uint64(n))
	return nil
}

// LocalAddr returns the bound local address.
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.listenAddr
}

// Stats returns a snapshot of the transport counters.
func (t *UDPTransport) Stats() Stats {
	return Stats{
		PacketsReceived: t.packetsReceived.Load(),
		PacketsSent:     t.packetsSent.Load(),
		BytesReceived:   t.bytesReceived.Load(),
		BytesSent:       t.bytesSent.Load(),
		DecodeErrors:    t.decodeErrors.Load(),
		SendErrors:      t.sendErrors.Load(),
	}
}

// Close shuts the transport down and waits for the receive loop to exit.
func (t *UDPTransport) Close() error {
	t.cancel()
	err := t.conn.Close()

	select {
	case <-t.done:
	case <-time.After(time.Second):
	}

	return err
}
