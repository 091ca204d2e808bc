// Package link glues the datagram codec to sessions: multi-chunk
// message reassembly, outbound transfer tracking with selective
// acknowledgment, and per-peer capability caching. It owns no I/O; the
// engine feeds it decoded messages and transmits what it returns.
package link

import (
	"fmt"

	"github.com/kf7mix/axlink/internal/ax25"
)

// Key identifies one logical link: the remote station, the digipeater
// path used to reach it, and the KISS channel. Capabilities and
// transfers learned on one key never leak to another, since a different
// path or channel can mean a completely different radio.
type Key struct {
	Peer    string
	Path    string
	Channel uint8
}

// NewKey builds a key from decoded frame addressing.
func NewKey(peer ax25.Address, path []ax25.Address, channel uint8) Key {
	return Key{
		Peer:    peer.String(),
		Path:    ax25.PathSignature(path),
		Channel: channel,
	}
}

func (k Key) String() string {
	if k.Path == "" {
		return fmt.Sprintf("%s/%d", k.Peer, k.Channel)
	}
	return fmt.Sprintf("%s via %s/%d", k.Peer, k.Path, k.Channel)
}
