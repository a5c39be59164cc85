package codec

import (
	"context"

	"github.com/rs/zerolog/log"

	"utp/registry"
)

// Follow applies PROTO packets published in store until ctx is done: first
// every live publication, then each new one as it arrives. Decoding does
// the work, so the registry's lock and version rules apply as for packets
// received from a peer. Malformed publications are logged and skipped.
func Follow(ctx context.Context, store registry.Store, c *Codec) error {
	pubs, err := store.Fetch(ctx)
	if err != nil {
		return err
	}
	for _, pub := range pubs {
		c.apply(pub)
	}
	for pub := range store.Watch(ctx) {
		c.apply(pub)
	}
	return ctx.Err()
}

func (c *Codec) apply(pub registry.Publication) {
	before := c.reg.Version()
	p, err := c.Decode(pub.Packet)
	if err != nil {
		log.Warn().Err(err).Str("node", pub.Node).Msg("ignoring publication")
		return
	}
	if after := c.reg.Version(); after != before {
		log.Info().
			Str("node", pub.Node).
			Str("schema", p.Header.SchemaName).
			Uint32("version", after).
			Msg("protocol followed")
	}
}
