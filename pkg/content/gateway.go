package content

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multiaddr"

	"github.com/DeBrosOfficial/datamarket/pkg/errors"
)

// gatewayPath is appended to multiaddr gateways.
const gatewayPath = "/ipfs/"

// ParseGateway turns a gateway entry into a base URL ending in "/". Entries
// are either base URLs ("https://ipfs.io/ipfs/") or multiaddrs
// ("/dns4/ipfs.io/tcp/443/https", "/ip4/127.0.0.1/tcp/8080/http").
func ParseGateway(entry string) (string, error) {
	entry = strings.TrimSpace(entry)
	if strings.HasPrefix(entry, "/") {
		return gatewayFromMultiaddr(entry)
	}

	u, err := url.Parse(entry)
	if err != nil {
		return "", fmt.Errorf("invalid gateway url %q: %w", entry, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("gateway %q must use http or https", entry)
	}
	if u.Host == "" {
		return "", fmt.Errorf("gateway %q has no host", entry)
	}
	if !strings.HasSuffix(entry, "/") {
		entry += "/"
	}
	return entry, nil
}

func gatewayFromMultiaddr(entry string) (string, error) {
	ma, err := multiaddr.NewMultiaddr(entry)
	if err != nil {
		return "", fmt.Errorf("invalid gateway multiaddr %q: %w", entry, err)
	}

	var host, port string
	scheme := "http"
	multiaddr.ForEach(ma, func(c multiaddr.Component) bool {
		switch c.Protocol().Code {
		case multiaddr.P_IP4, multiaddr.P_DNS4, multiaddr.P_DNS6, multiaddr.P_DNS:
			host = c.Value()
		case multiaddr.P_IP6:
			host = "[" + c.Value() + "]"
		case multiaddr.P_TCP:
			port = c.Value()
		case multiaddr.P_TLS, multiaddr.P_HTTPS:
			scheme = "https"
		}
		return true
	})

	if host == "" {
		return "", fmt.Errorf("gateway multiaddr %q has no host", entry)
	}
	if port == "" {
		return "", fmt.Errorf("gateway multiaddr %q has no tcp port", entry)
	}
	if (scheme == "https" && port == "443") || (scheme == "http" && port == "80") {
		return scheme + "://" + host + gatewayPath, nil
	}
	if strings.HasPrefix(host, "[") {
		return scheme + "://" + host + ":" + port + gatewayPath, nil
	}
	return scheme + "://" + net.JoinHostPort(host, port) + gatewayPath, nil
}

// ParseContentID validates id as a CID and returns its canonical string.
// CIDv0 ids stay in base58 so gateway URLs match what sellers published.
func ParseContentID(id string) (string, error) {
	id = strings.TrimSpace(id)
	c, err := cid.Decode(id)
	if err != nil {
		return "", errors.WithKind(errors.ErrInvalidContentID, fmt.Sprintf("invalid content id %q", id), err)
	}
	return c.String(), nil
}
