package broker

import (
	"fmt"
	"strings"

	ma "github.com/multiformats/go-multiaddr"
)

// Content topic shared by every broker topic carried over waku relay.
const (
	wakuPubsubTopic  = "/waku/2/default-waku/proto"
	wakuContentTopic = "/sphinx-onion/1/broker/json"
)

// wakuFrame is the relay payload; subscribers filter frames by Topic locally.
type wakuFrame struct {
	Topic    string `json:"topic"`
	Payload  []byte `json:"payload"`
	ClientID string `json:"client_id,omitempty"`
}

// ParseBootstrapNodes validates bootstrap peers as multiaddrs, skipping blanks
// and duplicates.
func ParseBootstrapNodes(raw []string) ([]ma.Multiaddr, error) {
	out := make([]ma.Multiaddr, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, item := range raw {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		addr, err := ma.NewMultiaddr(item)
		if err != nil {
			return nil, fmt.Errorf("bootstrap node %q: %w", item, err)
		}
		key := addr.String()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, addr)
	}
	return out, nil
}
