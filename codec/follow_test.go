package codec

import (
	"context"
	"sync"
	"testing"
	"time"

	"utp/registry"
	"utp/schema"
)

// memStore is an in-process registry.Store.
type memStore struct {
	mu    sync.Mutex
	pubs  []registry.Publication
	watch chan registry.Publication
}

func newMemStore() *memStore {
	return &memStore{watch: make(chan registry.Publication, 8)}
}

func (s *memStore) Publish(_ context.Context, packet []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pubs = append(s.pubs, registry.Publication{Node: "local", Packet: packet})
	return nil
}

func (s *memStore) Fetch(context.Context) ([]registry.Publication, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]registry.Publication(nil), s.pubs...), nil
}

func (s *memStore) Watch(ctx context.Context) <-chan registry.Publication {
	out := make(chan registry.Publication)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case p := <-s.watch:
				select {
				case out <- p:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func (s *memStore) Close() error { return nil }

func TestFollow(t *testing.T) {
	peer := newCodec(t, schema.Definition{Name: "V2", Fields: []schema.Field{{Name: "x", Type: schema.Uint8}}})
	peer.Registry().SetVersion(2)

	store := newMemStore()
	if err := store.Publish(context.Background(), mustEncode(t, peer, "", nil)); err != nil {
		t.Fatal(err)
	}

	local := newCodec(t)
	local.Registry().SetLock(false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Follow(ctx, store, local) }()

	waitVersion(t, local, 2)
	if _, _, err := local.Registry().Lookup("V2"); err != nil {
		t.Fatalf("fetched protocol not applied: %v", err)
	}

	if err := peer.Registry().AddSchema("V3", []schema.Field{{Name: "y", Type: schema.String}}); err != nil {
		t.Fatal(err)
	}
	peer.Registry().SetVersion(3)
	store.watch <- registry.Publication{Node: "garbage", Packet: []byte{1, 2, 3}}
	store.watch <- registry.Publication{Node: "peer", Packet: mustEncode(t, peer, "", nil)}

	waitVersion(t, local, 3)
	if _, _, err := local.Registry().Lookup("V3"); err != nil {
		t.Fatalf("watched protocol not applied: %v", err)
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("Follow returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Follow did not stop")
	}
}

func waitVersion(t *testing.T, c *Codec, want uint32) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for c.Registry().Version() != want {
		if time.Now().After(deadline) {
			t.Fatalf("version: got %d, want %d", c.Registry().Version(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
