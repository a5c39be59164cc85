package registry

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdStore implements Store on etcd v3.
//
// Each node publishes its PROTO packet under a key of its own, attached to
// a TTL lease that is kept alive while the store is open:
//
//	Key:   {prefix}/proto/{node uuid}
//	Value: encoded PROTO packet
//
// If the node dies the lease expires and the entry disappears, so Fetch
// only ever sees live protocols.
type EtcdStore struct {
	client *clientv3.Client // thread-safe, shared by all goroutines
	prefix string
	node   string
	ttl    int64

	mu    sync.Mutex
	lease clientv3.LeaseID
	stop  context.CancelFunc
}

// EtcdOptions configures an EtcdStore.
type EtcdOptions struct {
	Endpoints   []string
	Prefix      string        // defaults to "/utp"
	TTL         int64         // lease seconds, defaults to 10
	DialTimeout time.Duration // defaults to 5s
}

// NewEtcdStore connects to etcd. The store gets a random node id so it can
// recognise its own publications.
func NewEtcdStore(opts EtcdOptions) (*EtcdStore, error) {
	if len(opts.Endpoints) == 0 {
		return nil, errors.New("registry: no etcd endpoints")
	}
	if opts.Prefix == "" {
		opts.Prefix = "/utp"
	}
	if opts.TTL <= 0 {
		opts.TTL = 10
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   opts.Endpoints,
		DialTimeout: opts.DialTimeout,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdStore{
		client: c,
		prefix: strings.TrimSuffix(opts.Prefix, "/") + "/proto/",
		node:   uuid.NewString(),
		ttl:    opts.TTL,
	}, nil
}

// Node returns the id this store publishes under.
func (s *EtcdStore) Node() string {
	return s.node
}

// Publish stores packet under this node's key.
//
// The first call grants a lease and starts KeepAlive; later calls overwrite
// the value under the same lease.
func (s *EtcdStore) Publish(ctx context.Context, packet []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lease == 0 {
		lease, err := s.client.Grant(ctx, s.ttl)
		if err != nil {
			return err
		}
		// KeepAlive must outlive ctx, it runs until Close.
		kaCtx, cancel := context.WithCancel(context.Background())
		ch, err := s.client.KeepAlive(kaCtx, lease.ID)
		if err != nil {
			cancel()
			return err
		}
		// Drain responses so the channel never fills up.
		go func() {
			for range ch {
			}
		}()
		s.lease = lease.ID
		s.stop = cancel
	}

	if _, err := s.client.Put(ctx, s.prefix+s.node, string(packet), clientv3.WithLease(s.lease)); err != nil {
		return err
	}
	log.Debug().Str("node", s.node).Int("bytes", len(packet)).Msg("protocol published")
	return nil
}

// Fetch returns all live publications, newest first.
func (s *EtcdStore) Fetch(ctx context.Context) ([]Publication, error) {
	resp, err := s.client.Get(ctx, s.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	kvs := resp.Kvs
	sort.Slice(kvs, func(i, j int) bool { return kvs[i].ModRevision > kvs[j].ModRevision })

	out := make([]Publication, 0, len(kvs))
	for _, kv := range kvs {
		out = append(out, Publication{
			Node:   strings.TrimPrefix(string(kv.Key), s.prefix),
			Packet: kv.Value,
		})
	}
	return out, nil
}

// Watch streams publications of other nodes. The channel is closed when
// ctx is done or the watch fails.
func (s *EtcdStore) Watch(ctx context.Context) <-chan Publication {
	ch := make(chan Publication, 1)
	go func() {
		defer close(ch)
		for resp := range s.client.Watch(ctx, s.prefix, clientv3.WithPrefix()) {
			if err := resp.Err(); err != nil {
				log.Warn().Err(err).Msg("protocol watch failed")
				return
			}
			for _, ev := range resp.Events {
				if !ev.IsCreate() && !ev.IsModify() {
					continue // deletions and lease expirations
				}
				node := strings.TrimPrefix(string(ev.Kv.Key), s.prefix)
				if node == s.node {
					continue
				}
				select {
				case ch <- Publication{Node: node, Packet: ev.Kv.Value}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch
}

// Close revokes the lease, removing this node's publication, and closes the
// client.
func (s *EtcdStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		s.stop()
		s.stop = nil
	}
	if s.lease != 0 {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_, err := s.client.Revoke(ctx, s.lease)
		cancel()
		if err != nil {
			log.Warn().Err(err).Msg("lease revoke failed")
		}
		s.lease = 0
	}
	return s.client.Close()
}
