package carrier

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/jesus-bazan-entel/apimovil/internal/config"
	"github.com/jesus-bazan-entel/apimovil/internal/errors"
	"github.com/jesus-bazan-entel/apimovil/internal/proxy"
)

// Client performs single operator lookups against the store backend. Each
// Query issues exactly one network call; classification of the raw response
// is the caller's only signal about what to do next.
type Client struct {
	cfg      config.CarrierConfig
	sessions *SessionManager
}

// NewClient creates a lookup client sharing the manager's per-identity
// HTTP clients and cookie state.
func NewClient(cfg config.CarrierConfig, sessions *SessionManager) *Client {
	return &Client{cfg: cfg, sessions: sessions}
}

// Query asks the backend which operator owns the number, through the given
// identity's session. The returned outcome is always one of the closed set;
// it never panics on malformed bodies.
func (c *Client) Query(ctx context.Context, id *proxy.Identity, phone string) Outcome {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.QueryTimeout)
	defer cancel()

	lookupURL := fmt.Sprintf("%s/v2/operators/by-line-code/%s", c.cfg.APIURL, phone)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, lookupURL, nil)
	if err != nil {
		return fatalOutcome(fmt.Sprintf("build request: %v", err))
	}
	browserHeaders(req, c.cfg.StoreURL)

	httpClient, err := c.sessions.Client(id)
	if err != nil {
		return transientOutcome(errors.TransientConnection, err.Error())
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		kind := classifyTransport(err)
		return transientOutcome(kind, err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return transientOutcome(classifyTransport(err), fmt.Sprintf("read body: %v", err))
	}
	return Classify(resp.StatusCode, body)
}

// Classify maps one raw backend response to an outcome:
//
//	200 with an operator name        -> success
//	404 "Operator not found"         -> the carrier's own sentinel operator
//	401 / 498                        -> session expired, re-authenticate
//	200/404 with unexpected body     -> transient decode error
//	anything else                    -> fatal
func Classify(status int, body []byte) Outcome {
	switch status {
	case http.StatusOK:
		var payload struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return transientOutcome(errors.TransientDecode, fmt.Sprintf("decode 200 body: %v", err))
		}
		if payload.Name == "" {
			return transientOutcome(errors.TransientDecode, "200 body missing operator name")
		}
		return successOutcome(payload.Name)

	case http.StatusNotFound:
		var payload struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return transientOutcome(errors.TransientDecode, fmt.Sprintf("decode 404 body: %v", err))
		}
		if payload.Message == "Operator not found" {
			return sentinelOutcome()
		}
		return fatalOutcome(fmt.Sprintf("404 with message %q", payload.Message))

	case http.StatusUnauthorized, 498:
		return authExpiredOutcome()

	default:
		return fatalOutcome(fmt.Sprintf("unexpected status %d", status))
	}
}

// classifyTransport attributes a transport-level error to one of the
// transient kinds used by the proxy pool's health accounting.
func classifyTransport(err error) errors.TransientKind {
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return errors.TransientTimeout
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.TransientTimeout
	}

	var recordErr tls.RecordHeaderError
	if stderrors.As(err, &recordErr) {
		return errors.TransientTLS
	}
	var certErr x509.CertificateInvalidError
	var unknownAuthErr x509.UnknownAuthorityError
	var hostErr x509.HostnameError
	if stderrors.As(err, &certErr) || stderrors.As(err, &unknownAuthErr) || stderrors.As(err, &hostErr) {
		return errors.TransientTLS
	}
	if strings.Contains(err.Error(), "tls:") || strings.Contains(err.Error(), "handshake failure") {
		return errors.TransientTLS
	}
	return errors.TransientConnection
}
