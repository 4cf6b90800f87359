// Package proxy owns the egress proxy identities for each user and tracks
// their health: rolling latency, time-boxed blacklisting after slow or failed
// calls, and a per-identity circuit breaker over consecutive transport
// errors.
package proxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	xproxy "golang.org/x/net/proxy"

	"github.com/jesus-bazan-entel/apimovil/internal/models"
)

// Identity is one concrete (ip, port, credential) egress point. Immutable
// once loaded for a run.
type Identity struct {
	ProxyID   int64
	IP        string
	Port      string
	Username  string
	Password  string
	OwnerUser string
}

// Key returns the stable identifier used for health, breaker and audit
// bookkeeping.
func (id *Identity) Key() string {
	return fmt.Sprintf("%s@%s:%s/%s", id.OwnerUser, id.IP, id.Port, id.Username)
}

// Transport builds an HTTP transport that dials through this identity's
// SOCKS5 proxy. Hostnames are resolved by the proxy, not locally.
func (id *Identity) Transport() (*http.Transport, error) {
	auth := &xproxy.Auth{
		User:     id.Username,
		Password: id.Password,
	}

	dialer, err := xproxy.SOCKS5("tcp", net.JoinHostPort(id.IP, id.Port), auth, xproxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("failed to build SOCKS5 dialer for %s: %w", id.Key(), err)
	}

	dialContext := func(ctx context.Context, network, addr string) (net.Conn, error) {
		if cd, ok := dialer.(xproxy.ContextDialer); ok {
			return cd.DialContext(ctx, network, addr)
		}
		return dialer.Dial(network, addr)
	}

	return &http.Transport{
		DialContext:           dialContext,
		MaxIdleConns:          4,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 40 * time.Second,
	}, nil
}

// ExpandIdentities expands proxy records into identities. A record whose
// username field carries multiple lines yields one identity per line, all
// sharing the record's endpoint and password.
func ExpandIdentities(records []*models.ProxyRecord) []*Identity {
	var identities []*Identity
	for _, rec := range records {
		for _, line := range strings.Split(rec.Username, "\n") {
			username := strings.TrimSpace(line)
			if username == "" {
				continue
			}
			identities = append(identities, &Identity{
				ProxyID:   rec.ID,
				IP:        rec.IP,
				Port:      rec.Port,
				Username:  username,
				Password:  rec.Password,
				OwnerUser: rec.OwnerUser,
			})
		}
	}
	return identities
}
