package registry

import "context"

// Publication is one PROTO packet published by a node.
type Publication struct {
	Node   string // publisher id
	Packet []byte // encoded PROTO packet
}

// Store distributes encoded PROTO packets between nodes, so peers that
// never exchanged a HELLO still converge on the newest protocol.
type Store interface {
	// Publish announces packet as this node's protocol. The entry lives as
	// long as the store is open.
	Publish(ctx context.Context, packet []byte) error
	// Fetch returns every live publication.
	Fetch(ctx context.Context) ([]Publication, error)
	// Watch streams publications made by other nodes until ctx is done.
	Watch(ctx context.Context) <-chan Publication
	// Close withdraws this node's publication and releases the store.
	Close() error
}
