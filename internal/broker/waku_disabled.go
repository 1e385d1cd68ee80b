//go:build !real_waku

package broker

import (
	"log/slog"

	ma "github.com/multiformats/go-multiaddr"
)

func newWakuTransport(int, []ma.Multiaddr, *slog.Logger) Transport {
	return nil
}
