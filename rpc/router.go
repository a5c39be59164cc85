package rpc

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"utp/message"
	"utp/middleware"
	"utp/protocol"
	"utp/schema"
)

// Router answers incoming packets. Serve handles one packet at a time;
// ServeConn runs it over a connection.
type Router struct {
	// MaxPacketSize bounds packets read by ServeConn. Zero means
	// protocol.DefaultMaxPacketSize.
	MaxPacketSize uint32

	binding *Binding

	mu          sync.RWMutex
	handlers    map[string]middleware.HandlerFunc // method -> handler
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // middleware(middleware(...(dispatch)))
}

// NewRouter returns a router encoding its answers with b.
func NewRouter(b *Binding) *Router {
	r := &Router{
		binding:  b,
		handlers: make(map[string]middleware.HandlerFunc),
	}
	r.handler = r.dispatch
	return r
}

// Binding returns the binding the router encodes with.
func (r *Router) Binding() *Binding {
	return r.binding
}

// Use registers a middleware. Middlewares run in the order they are added.
func (r *Router) Use(mw middleware.Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middlewares = append(r.middlewares, mw)
	// Chain(A, B)(dispatch) -> A(B(dispatch))
	r.handler = middleware.Chain(r.middlewares...)(r.dispatch)
}

// Handle sets the handler of a bound method.
func (r *Router) Handle(method string, h middleware.HandlerFunc) error {
	if _, ok := r.binding.Codec().Registry().State().Method(method); !ok {
		return fmt.Errorf("%w: rpc method %q is not registered", protocol.ErrInvalidInputDataValue, method)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = h
	return nil
}

// Serve decodes one packet and returns the answer, nil when the packet
// needs none. Packets that fail to decode and failed calls are answered
// with an ERROR packet. An error is returned only when the answer itself
// cannot be encoded.
func (r *Router) Serve(ctx context.Context, packet []byte) ([]byte, error) {
	c := r.binding.Codec()
	p, err := c.Decode(packet)
	if err != nil {
		log.Debug().Err(err).Int("bytes", len(packet)).Msg("undecodable packet")
		return r.errorPacket(err)
	}

	switch p.Header.SchemaName {
	case schema.PingName:
		return c.Encode(schema.PongName, map[string]any{"packetIndex": p.Header.PacketIndex})
	case schema.HelloName:
		return c.EncodeProto()
	case schema.PongName, schema.ProtoName:
		return nil, nil
	case schema.ErrorName:
		log.Warn().Err(AsError(p)).Uint16("packet", p.Header.PacketIndex).Msg("peer reported an error")
		return nil, nil
	case schema.RPCName:
		return r.call(ctx, p)
	}
	log.Debug().Str("schema", p.Header.SchemaName).Msg("no route for packet")
	return nil, nil
}

func (r *Router) call(ctx context.Context, p *message.Packet) ([]byte, error) {
	r.mu.RLock()
	handler := r.handler
	r.mu.RUnlock()

	reply := handler(ctx, &message.Call{
		Method: p.Header.Method,
		Header: p.Header,
		Data:   p.Data,
	})
	if reply == nil {
		return nil, nil
	}
	if reply.Err != nil {
		return r.errorPacket(reply.Err)
	}
	method := reply.Method
	if method == "" {
		method = p.Header.Method
	}
	b, err := r.binding.Encode(method, reply.Data)
	if err != nil {
		log.Warn().Err(err).Str("method", method).Msg("reply does not encode")
		return r.errorPacket(err)
	}
	return b, nil
}

// dispatch is the innermost handler: it looks up the method's handler.
func (r *Router) dispatch(ctx context.Context, call *message.Call) *message.Reply {
	r.mu.RLock()
	h, ok := r.handlers[call.Method]
	r.mu.RUnlock()
	if !ok {
		return &message.Reply{Err: fmt.Errorf("%w: no handler for %q", protocol.ErrInvalidRPCInputData, call.Method)}
	}
	return h(ctx, call)
}

func (r *Router) errorPacket(err error) ([]byte, error) {
	return r.binding.Codec().Encode(schema.ErrorName, errorData(err))
}
