package carrier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jesus-bazan-entel/apimovil/internal/config"
	"github.com/jesus-bazan-entel/apimovil/internal/errors"
	"github.com/jesus-bazan-entel/apimovil/internal/logging"
	"github.com/jesus-bazan-entel/apimovil/internal/proxy"
)

// accessTokenCookie is the cookie the backend sets after a successful login
const accessTokenCookie = "store_access_token"

// cartProductID is the catalog item the backend expects on a shopping cart
// before it will validate numbers against that cart.
const cartProductID = 1488

// Session is an authenticated state bound to one proxy identity. Preorder and
// CartLine are only populated when a cart-dependent operation asked for them.
type Session struct {
	ID        string
	Token     string
	Preorder  string
	CartLine  string
	CreatedAt time.Time
}

// SessionManager owns one cookie-jar HTTP client per proxy identity and the
// session state established through it. All methods are safe for concurrent
// use; the handshake for a given identity is serialized.
type SessionManager struct {
	cfg    config.CarrierConfig
	logger *logging.Logger

	mu       sync.Mutex
	clients  map[string]*http.Client
	sessions map[string]*Session
}

// NewSessionManager creates a session manager for the configured endpoints
func NewSessionManager(cfg config.CarrierConfig, logger *logging.Logger) *SessionManager {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &SessionManager{
		cfg:      cfg,
		logger:   logger.WithField("component", "carrier_session"),
		clients:  make(map[string]*http.Client),
		sessions: make(map[string]*Session),
	}
}

// Client returns the HTTP client bound to the identity, creating it with a
// fresh cookie jar on first use. The client dials through the identity's
// proxy transport only.
func (m *SessionManager) Client(id *proxy.Identity) (*http.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clientLocked(id)
}

func (m *SessionManager) clientLocked(id *proxy.Identity) (*http.Client, error) {
	key := id.Key()
	if c, ok := m.clients[key]; ok {
		return c, nil
	}
	transport, err := id.Transport()
	if err != nil {
		return nil, fmt.Errorf("build transport for %s: %w", key, err)
	}
	jar, _ := cookiejar.New(nil)
	c := &http.Client{
		Transport: transport,
		Jar:       jar,
	}
	m.clients[key] = c
	return c, nil
}

// Ensure returns the current session for the identity, performing the
// two-step cookie handshake if none exists: a GET against the storefront to
// collect baseline cookies, then an empty POST to the backend login endpoint
// which answers with the access token cookie.
func (m *SessionManager) Ensure(ctx context.Context, id *proxy.Identity) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := id.Key()
	if sess, ok := m.sessions[key]; ok {
		return sess, nil
	}

	client, err := m.clientLocked(id)
	if err != nil {
		return nil, errors.NewAuthError("transport", err)
	}
	token, err := m.handshake(ctx, client)
	if err != nil {
		return nil, err
	}

	sess := &Session{
		ID:        uuid.New().String(),
		Token:     token,
		CreatedAt: time.Now(),
	}
	m.sessions[key] = sess
	m.logger.WithFields(map[string]interface{}{
		"identity": key,
		"session":  sess.ID,
	}).Debug("carrier session established")
	return sess, nil
}

// Invalidate discards the identity's session and cookies so the next Ensure
// performs a full handshake.
func (m *SessionManager) Invalidate(id *proxy.Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := id.Key()
	delete(m.sessions, key)
	if c, ok := m.clients[key]; ok {
		jar, _ := cookiejar.New(nil)
		c.Jar = jar
	}
}

// handshake runs the storefront GET followed by the backend login POST and
// extracts the access token cookie. Callers hold m.mu.
func (m *SessionManager) handshake(ctx context.Context, client *http.Client) (string, error) {
	warmCtx, cancel := context.WithTimeout(ctx, m.cfg.LoginTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(warmCtx, http.MethodGet, m.cfg.StoreURL+"/", nil)
	if err != nil {
		return "", errors.NewAuthError("storefront", err)
	}
	browserHeaders(req, m.cfg.StoreURL)
	resp, err := client.Do(req)
	if err != nil {
		return "", errors.NewAuthError("storefront", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return "", errors.NewAuthError("storefront", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	loginCtx, cancel := context.WithTimeout(ctx, m.cfg.LoginTimeout)
	defer cancel()

	loginURL := m.cfg.APIURL + "/v2/login/online"
	req, err = http.NewRequestWithContext(loginCtx, http.MethodPost, loginURL, bytes.NewReader(nil))
	if err != nil {
		return "", errors.NewAuthError("login", err)
	}
	browserHeaders(req, m.cfg.StoreURL)
	req.Header.Set("Content-Type", "application/json")
	resp, err = client.Do(req)
	if err != nil {
		return "", errors.NewAuthError("login", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", errors.NewAuthError("login", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	token := m.cookieValue(client, accessTokenCookie)
	if token == "" {
		return "", errors.NewAuthError("login", fmt.Errorf("cookie %s not granted", accessTokenCookie))
	}
	return token, nil
}

// cookieValue looks the named cookie up in the client's jar under the backend URL
func (m *SessionManager) cookieValue(client *http.Client, name string) string {
	u, err := url.Parse(m.cfg.APIURL)
	if err != nil {
		return ""
	}
	for _, c := range client.Jar.Cookies(u) {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

// EnsureCart returns a session that additionally carries a preorder and a
// validated shopping cart line, creating them if missing. Only cart-dependent
// operations need this; plain lookups use Ensure.
func (m *SessionManager) EnsureCart(ctx context.Context, id *proxy.Identity) (*Session, error) {
	sess, err := m.Ensure(ctx, id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if sess.Preorder != "" && sess.CartLine != "" {
		return sess, nil
	}
	client, err := m.clientLocked(id)
	if err != nil {
		return nil, errors.NewAuthError("transport", err)
	}

	if sess.Preorder == "" {
		tracking, err := m.createPreorder(ctx, client)
		if err != nil {
			return nil, err
		}
		sess.Preorder = tracking
	}
	if sess.CartLine == "" {
		line, err := m.attachCart(ctx, client, sess.Preorder)
		if err != nil {
			return nil, err
		}
		sess.CartLine = line
	}
	return sess, nil
}

func (m *SessionManager) createPreorder(ctx context.Context, client *http.Client) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, m.cfg.LoginTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, m.cfg.APIURL+"/v1/preorders", bytes.NewReader([]byte("{}")))
	if err != nil {
		return "", errors.NewAuthError("preorder", err)
	}
	browserHeaders(req, m.cfg.StoreURL)
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return "", errors.NewAuthError("preorder", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusCreated {
		return "", errors.NewAuthError("preorder", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var payload struct {
		Result struct {
			TrackingNumber string `json:"trackingNumber"`
		} `json:"_result"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Result.TrackingNumber == "" {
		return "", errors.NewAuthError("preorder", fmt.Errorf("missing tracking number in response"))
	}
	return payload.Result.TrackingNumber, nil
}

func (m *SessionManager) attachCart(ctx context.Context, client *http.Client, preorder string) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, m.cfg.LoginTimeout)
	defer cancel()

	payload := map[string]interface{}{
		"products":          []int{cartProductID},
		"contractId":        nil,
		"removePackagesIds": []int{},
	}
	encoded, _ := json.Marshal(payload)

	cartURL := fmt.Sprintf("%s/v2/preorders/%s/shopping-carts", m.cfg.APIURL, preorder)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPut, cartURL, bytes.NewReader(encoded))
	if err != nil {
		return "", errors.NewAuthError("cart", err)
	}
	browserHeaders(req, m.cfg.StoreURL)
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return "", errors.NewAuthError("cart", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", errors.NewAuthError("cart", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var cart struct {
		Items []struct {
			ItemValidated struct {
				ShoppingCartLineID string `json:"shoppingCartLineId"`
			} `json:"itemValidated"`
		} `json:"items"`
	}
	if err := json.Unmarshal(body, &cart); err != nil || len(cart.Items) == 0 ||
		cart.Items[0].ItemValidated.ShoppingCartLineID == "" {
		return "", errors.NewAuthError("cart", fmt.Errorf("missing cart line in response"))
	}
	return cart.Items[0].ItemValidated.ShoppingCartLineID, nil
}

// browserHeaders sets the header profile the storefront expects
func browserHeaders(req *http.Request, origin string) {
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Accept-Language", "es-ES,es;q=0.9,en;q=0.8")
	req.Header.Set("Origin", origin)
	req.Header.Set("Referer", origin+"/")
}
