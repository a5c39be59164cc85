package rpc

import (
	"context"
	"errors"
	"net"
	"reflect"
	"testing"
	"time"

	"utp/codec"
	"utp/protocol"
	"utp/registry"
)

// pipe serves a router on one end of an in-memory connection and returns
// a Conn on the other end, encoding with client.
func pipe(t *testing.T, r *Router, client *Binding) *Conn {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	server, peer := net.Pipe()
	served := make(chan error, 1)
	go func() { served <- r.ServeConn(ctx, server) }()

	c := NewConn(peer, client, 0)
	t.Cleanup(func() {
		c.Close()
		cancel()
		select {
		case <-served:
		case <-time.After(time.Second):
			t.Errorf("ServeConn did not return")
		}
	})
	return c
}

func TestConnHelloUpgradesAndCalls(t *testing.T) {
	r := newRouter(t)
	r.Binding().Codec().Registry().SetVersion(2)

	reg := registry.New()
	reg.SetLock(false)
	client := New(codec.New(reg))
	c := pipe(t, r, client)
	ctx := context.Background()

	if _, err := c.Call(ctx, "auth.getCode", nil); err == nil {
		t.Fatalf("call before HELLO must fail: method is unknown locally")
	}

	p, err := c.Hello(ctx)
	if err != nil {
		t.Fatalf("Hello failed: %v", err)
	}
	if reg.Version() != 2 {
		t.Fatalf("registry not upgraded: version %d", reg.Version())
	}
	if !reflect.DeepEqual(p.Data, reg.Definitions()) {
		t.Errorf("upgraded definitions differ from the PROTO answer")
	}

	for method, name := range map[string]string{"auth.getCode": "AUTH_SIGNIN", "auth.session": "AUTH_SESSION"} {
		if err := client.Register(method, name); err != nil {
			t.Fatal(err)
		}
	}
	p, err = c.Call(ctx, "auth.getCode", map[string]any{"email": "me@x"})
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if p.Header.Method != "auth.session" || p.Data["token"] != "t-me@x" {
		t.Errorf("answer: %+v", p)
	}

	_, err = c.Call(ctx, "auth.getCode", map[string]any{"email": ""})
	var re *Error
	if !errors.As(err, &re) || re.Code != 400 {
		t.Fatalf("expected rpc error 400, got %v", err)
	}
}

func TestConnTimeoutCloses(t *testing.T) {
	r := newRouter(t)
	c := pipe(t, r, r.Binding())

	// A nil reply is never answered.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Call(ctx, "auth.getCode", map[string]any{"email": "nobody@x"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	if _, err := c.Call(context.Background(), "auth.getCode", map[string]any{"email": "me@x"}); err == nil {
		t.Fatalf("connection must be closed after a timed out call")
	}
}

func TestConnDropsUnrequestedPackets(t *testing.T) {
	r := newRouter(t)
	server, peer := net.Pipe()
	c := NewConn(peer, r.Binding(), 0)
	defer c.Close()

	stray, err := r.Binding().Codec().Encode("ERROR", map[string]any{"code": 9, "text": "stray"})
	if err != nil {
		t.Fatal(err)
	}
	if err := protocol.WritePacket(server, stray); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(time.Second)
	for len(c.answers) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("stray packet never reached the connection")
		}
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.ServeConn(ctx, server)

	p, err := c.Hello(context.Background())
	if err != nil {
		t.Fatalf("Hello took the stray packet: %v", err)
	}
	if p.Header.SchemaName != "PROTO" {
		t.Fatalf("Hello answer: %+v", p.Header)
	}
	p, err = c.Call(context.Background(), "auth.getCode", map[string]any{"email": "me@x"})
	if err != nil || p.Header.Method != "auth.session" {
		t.Fatalf("call after stray packet: %+v %v", p, err)
	}
}

func TestConnHeartbeat(t *testing.T) {
	r := newRouter(t)
	server, peer := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.ServeConn(ctx, server)

	c := NewConn(peer, r.Binding(), 5*time.Millisecond)
	defer c.Close()

	// PONGs to the heartbeat are not handed to calls.
	time.Sleep(30 * time.Millisecond)
	p, err := c.Call(context.Background(), "auth.getCode", map[string]any{"email": "me@x"})
	if err != nil || p.Header.Method != "auth.session" {
		t.Fatalf("call after heartbeats: %+v %v", p, err)
	}
}

func TestListenAndServeShutdown(t *testing.T) {
	r := newRouter(t)
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("no loopback listener: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.ServeListener(ctx, listener) }()

	c, err := Dial(context.Background(), "tcp", listener.Addr().String(), r.Binding(), 0)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if _, err := c.Call(context.Background(), "auth.getCode", map[string]any{"email": "me@x"}); err != nil {
		t.Fatalf("Call failed: %v", err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("ServeListener: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("ServeListener did not stop")
	}
}
