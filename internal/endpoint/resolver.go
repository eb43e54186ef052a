// Package endpoint derives the chat transport URL from the ambient origin and an identity.
package endpoint

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/samber/lo"
)

const (
	// DefaultDevGateway is the ingress address of the local development cluster.
	DefaultDevGateway = "192.168.49.2"

	defaultHost = "localhost"
)

// DefaultDevHosts are the origin hostnames treated as local development.
var DefaultDevHosts = []string{"localhost", "127.0.0.1"}

// Resolver maps an identity to a transport URL.
type Resolver struct {
	Origin     *url.URL
	DevGateway string
	DevHosts   []string
}

// New creates a Resolver for the given origin.
// An empty gateway falls back to DefaultDevGateway.
func New(origin *url.URL, gateway string) *Resolver {
	if gateway == "" {
		gateway = DefaultDevGateway
	}
	return &Resolver{
		Origin:     origin,
		DevGateway: gateway,
		DevHosts:   DefaultDevHosts,
	}
}

// Parse creates a Resolver from a raw origin URL such as "https://chat.example.com".
func Parse(rawOrigin, gateway string) (*Resolver, error) {
	origin, err := url.Parse(rawOrigin)
	if err != nil {
		return nil, fmt.Errorf("failed to parse origin %q: %w", rawOrigin, err)
	}
	return New(origin, gateway), nil
}

// Resolve returns <ws|wss>://<host>/ws/<escaped identity>.
// The origin port is kept in <host>. A browser page served by the gateway would
// use the bare hostname, but a CLI origin may point at a different listener.
func (r *Resolver) Resolve(identity string) string {
	scheme, host := "ws", defaultHost
	hostname := defaultHost
	if r.Origin != nil {
		if strings.EqualFold(r.Origin.Scheme, "https") || strings.EqualFold(r.Origin.Scheme, "wss") {
			scheme = "wss"
		}
		if r.Origin.Host != "" {
			host = r.Origin.Host
			hostname = r.Origin.Hostname()
		}
	}

	if lo.Contains(r.DevHosts, hostname) {
		scheme, host = "ws", r.DevGateway
	}

	return fmt.Sprintf("%s://%s/ws/%s", scheme, host, url.PathEscape(identity))
}
