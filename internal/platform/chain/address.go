// Package chain provides the ChainAdapter implementations the settlement
// worker broadcasts through: an in-process mock and an HTTP client for the
// light-client adapter service.
package chain

import (
	"strings"

	"github.com/alanyoungcy/shieldmarket/internal/domain"
)

// Networks reported by ParseAddress.
const (
	NetworkMainnet = "mainnet"
	NetworkTestnet = "testnet"
)

type addressPrefix struct {
	prefix  string
	txType  domain.TxType
	network string
}

// Longer prefixes first so "utest1" wins over "u1".
var addressPrefixes = []addressPrefix{
	{"ztestsapling", domain.TxTypeShielded, NetworkTestnet},
	{"utest1", domain.TxTypeShielded, NetworkTestnet},
	{"zs1", domain.TxTypeShielded, NetworkMainnet},
	{"u1", domain.TxTypeShielded, NetworkMainnet},
	{"t1", domain.TxTypeTransparent, NetworkMainnet},
	{"t3", domain.TxTypeTransparent, NetworkMainnet},
	{"tm", domain.TxTypeTransparent, NetworkTestnet},
	{"t2", domain.TxTypeTransparent, NetworkTestnet},
}

// ParseAddress classifies an address by its prefix. The body after the
// prefix must be non-empty and alphanumeric. When network is not empty the
// address must belong to it.
func ParseAddress(addr, network string) domain.AddressInfo {
	for _, p := range addressPrefixes {
		if !strings.HasPrefix(addr, p.prefix) {
			continue
		}
		body := addr[len(p.prefix):]
		valid := body != "" && alphanumeric(body) && (network == "" || network == p.network)
		return domain.AddressInfo{Valid: valid, Type: p.txType, Network: p.network}
	}
	return domain.AddressInfo{}
}

func alphanumeric(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}
