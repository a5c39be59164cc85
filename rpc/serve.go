package rpc

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog/log"

	"utp/protocol"
)

// ListenAndServe accepts connections on address and serves each with
// ServeConn until ctx is done. Connections still open at that point are
// closed after their in-flight packets are answered.
func (r *Router) ListenAndServe(ctx context.Context, network, address string) error {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, network, address)
	if err != nil {
		return err
	}
	return r.ServeListener(ctx, listener)
}

// ServeListener is ListenAndServe on an existing listener. It closes the
// listener before returning.
func (r *Router) ServeListener(ctx context.Context, listener net.Listener) error {
	stop := context.AfterFunc(ctx, func() { listener.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	log.Info().Str("addr", listener.Addr().String()).Msg("serving")
	for {
		conn, err := listener.Accept()
		if err != nil {
			// Accept fails once the listener is closed for shutdown.
			if ctx.Err() != nil {
				return nil
			}
			listener.Close()
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.ServeConn(ctx, conn); err != nil {
				log.Debug().Err(err).Str("peer", conn.RemoteAddr().String()).Msg("connection closed")
			}
		}()
	}
}

// ServeConn reads packets from conn one at a time and answers each in its
// own goroutine. Answers are written under a per-connection lock, so they
// may leave in a different order than the requests arrived. It returns nil
// when the peer closes the connection, and closes conn before returning.
func (r *Router) ServeConn(ctx context.Context, conn net.Conn) error {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	var (
		wg      sync.WaitGroup
		writeMu sync.Mutex
	)
	defer wg.Wait()

	for {
		packet, err := protocol.ReadPacket(conn, r.maxPacketSize())
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			answer, err := r.Serve(ctx, packet)
			if err != nil {
				log.Warn().Err(err).Msg("answer does not encode")
				return
			}
			if answer == nil {
				return
			}
			writeMu.Lock()
			defer writeMu.Unlock()
			if err := protocol.WritePacket(conn, answer); err != nil {
				log.Debug().Err(err).Msg("write answer")
			}
		}()
	}
}

func (r *Router) maxPacketSize() uint32 {
	if r.MaxPacketSize > 0 {
		return r.MaxPacketSize
	}
	return protocol.DefaultMaxPacketSize
}
