package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"utp/message"
	"utp/protocol"
	"utp/schema"
)

// ErrClosed is returned by calls on a closed Conn.
var ErrClosed = errors.New("rpc: connection closed")

// Conn is the calling side of a connection served by a Router.
//
// Answers carry no reference to the request they answer, so Conn runs one
// exchange at a time: a call writes its packet and takes the next packet
// read from the connection. A call that gives up on its context closes the
// connection, since a late answer would otherwise be taken by the next
// call. Packets that arrive while no call is waiting are discarded when the
// next exchange starts.
//
//	Call ──write──→ conn ──→ peer Router
//	recvLoop ←──read── conn: PONG dropped, other packets → answers → Call
type Conn struct {
	conn    net.Conn
	binding *Binding

	calls   sync.Mutex // one exchange at a time
	sending sync.Mutex // whole packets on the wire
	answers chan answer
	done    chan struct{}
	once    sync.Once
	err     error // set before done is closed
}

type answer struct {
	packet *message.Packet
	err    error
}

// Dial connects to address and returns a Conn encoding with b. A non-zero
// heartbeat sends a PING at that interval.
func Dial(ctx context.Context, network, address string, b *Binding, heartbeat time.Duration) (*Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	return NewConn(conn, b, heartbeat), nil
}

// NewConn wraps an established connection.
func NewConn(conn net.Conn, b *Binding, heartbeat time.Duration) *Conn {
	c := &Conn{
		conn:    conn,
		binding: b,
		answers: make(chan answer, 1),
		done:    make(chan struct{}),
	}
	go c.recvLoop()
	if heartbeat > 0 {
		go c.heartbeatLoop(heartbeat)
	}
	return c
}

// Hello asks the peer for its protocol. The PROTO answer goes through the
// codec, so an unlocked registry upgrades to it when it is newer.
func (c *Conn) Hello(ctx context.Context) (*message.Packet, error) {
	packet, err := c.binding.Codec().Encode(schema.HelloName, nil)
	if err != nil {
		return nil, err
	}
	p, err := c.RoundTrip(ctx, packet)
	if err != nil {
		return nil, err
	}
	if err := AsError(p); err != nil {
		return nil, err
	}
	if p.Header.SchemaName != schema.ProtoName {
		return nil, fmt.Errorf("%w: HELLO answered with %s", protocol.ErrInvalidInputData, p.Header.SchemaName)
	}
	return p, nil
}

// Call sends an RPC packet for method and returns the answer. An ERROR
// answer is returned as an *Error.
func (c *Conn) Call(ctx context.Context, method string, data map[string]any) (*message.Packet, error) {
	packet, err := c.binding.Encode(method, data)
	if err != nil {
		return nil, err
	}
	p, err := c.RoundTrip(ctx, packet)
	if err != nil {
		return nil, err
	}
	if err := AsError(p); err != nil {
		return nil, err
	}
	return p, nil
}

// RoundTrip writes an encoded packet and waits for the next answer.
func (c *Conn) RoundTrip(ctx context.Context, packet []byte) (*message.Packet, error) {
	c.calls.Lock()
	defer c.calls.Unlock()

	// Packets read while no call was waiting answer nothing of ours.
	for stale := true; stale; {
		select {
		case a := <-c.answers:
			ev := log.Debug().Err(a.err)
			if a.packet != nil {
				ev = ev.Str("schema", a.packet.Header.SchemaName)
			}
			ev.Msg("dropping unrequested packet")
		default:
			stale = false
		}
	}

	if err := c.send(packet); err != nil {
		return nil, err
	}
	select {
	case a := <-c.answers:
		return a.packet, a.err
	case <-c.done:
		return nil, c.err
	case <-ctx.Done():
		c.close(ctx.Err())
		return nil, ctx.Err()
	}
}

// Close closes the connection. Pending calls fail with ErrClosed.
func (c *Conn) Close() error {
	c.close(ErrClosed)
	return nil
}

func (c *Conn) close(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
		c.conn.Close()
	})
}

func (c *Conn) send(packet []byte) error {
	select {
	case <-c.done:
		return c.err
	default:
	}
	c.sending.Lock()
	defer c.sending.Unlock()
	return protocol.WritePacket(c.conn, packet)
}

// recvLoop is the only reader of the connection.
func (c *Conn) recvLoop() {
	for {
		packet, err := protocol.ReadPacket(c.conn, protocol.DefaultMaxPacketSize)
		if err != nil {
			c.close(err)
			return
		}
		p, err := c.binding.Codec().Decode(packet)
		if err == nil && p.Header.SchemaName == schema.PongName {
			continue
		}
		select {
		case c.answers <- answer{packet: p, err: err}:
		case <-c.done:
			return
		default:
			log.Debug().Int("bytes", len(packet)).Msg("dropping unrequested packet")
		}
	}
}

func (c *Conn) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}
		ping, err := c.binding.Codec().Encode(schema.PingName, nil)
		if err != nil {
			return
		}
		if err := c.send(ping); err != nil {
			return
		}
	}
}
