// Package gateway is the single entry point for HTTP calls to the
// management server. It attaches the bearer token, refreshes it when it
// is about to expire, classifies failures into the uniform error kinds,
// and drops responses that straddle a revocation.
package gateway

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/fleetview/fleetview-client/credentials"
	clienterrors "github.com/fleetview/fleetview-client/internal/errors"
	"github.com/fleetview/fleetview-client/internal/logging"
	"github.com/fleetview/fleetview-client/internal/metrics"
	"github.com/fleetview/fleetview-client/token"
)

const defaultRequestTimeout = 30 * time.Second

// Result is the uniform shape every authenticated request resolves to.
// UsedFallback marks outcomes where the caller should fall back to the
// mirrored cache or a shadow write.
type Result struct {
	Data         json.RawMessage
	UsedFallback bool
}

// errorBody is the server's error envelope: {"error": "..."} or
// {"message": "..."}.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Field   string `json:"field"`
}

func (b errorBody) text() string {
	if b.Error != "" {
		return b.Error
	}
	return b.Message
}

// Client issues requests against the HTTP API base URL.
type Client struct {
	baseURL   string
	http      *http.Client
	store     credentials.Store
	lifecycle *token.Lifecycle
	margin    time.Duration
	nowFunc   func() time.Time
}

type ClientOption func(*Client)

// WithHTTPClient replaces the underlying transport (primarily for testing).
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.http = hc
	}
}

// WithNowFunc sets the now time function (primarily for testing)
func WithNowFunc(now func() time.Time) ClientOption {
	return func(c *Client) {
		c.nowFunc = now
	}
}

// WithExpiryMargin overrides how close to expiry a stored token
// triggers a pre-request refresh.
func WithExpiryMargin(d time.Duration) ClientOption {
	return func(c *Client) {
		c.margin = d
	}
}

func New(baseURL string, store credentials.Store, lifecycle *token.Lifecycle, options ...ClientOption) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		http:      &http.Client{Timeout: defaultRequestTimeout},
		store:     store,
		lifecycle: lifecycle,
		margin:    token.ExpiryMargin,
		nowFunc:   time.Now,
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Do issues an authenticated request. See the package doc for the
// classification rules.
func (c *Client) Do(ctx context.Context, method, path string, body interface{}) (Result, error) {
	accessToken := c.store.Token()
	if accessToken == "" {
		return Result{UsedFallback: true}, clienterrors.ErrAuthRequired
	}

	if claims, err := token.Decode(accessToken); err == nil && claims.ExpiredWithin(c.nowFunc(), c.margin) {
		fresh, err := c.lifecycle.Refresh(ctx)
		if err != nil {
			return Result{UsedFallback: true}, clienterrors.ErrSessionExpired
		}
		accessToken = fresh.AccessToken
	}

	epoch := c.lifecycle.Epoch()
	result, err := c.send(ctx, method, path, body, accessToken, true)

	// A revoke that started while this request was in flight wins: the
	// pre-revoke response is discarded.
	if c.lifecycle.Epoch() != epoch {
		return Result{UsedFallback: true}, clienterrors.ErrSessionExpired
	}
	return result, err
}

// DoUnauth issues a request without a bearer header. Used for login,
// refresh, verify-token, forgot-password, reset-password and
// complete-registration.
func (c *Client) DoUnauth(ctx context.Context, method, path string, body interface{}) (Result, error) {
	return c.send(ctx, method, path, body, "", false)
}

// DoWithToken issues a request authenticated by an explicit token in
// place of stored credentials (invitation completion). A rejection of
// the explicit token never touches the stored session.
func (c *Client) DoWithToken(ctx context.Context, method, path string, body interface{}, bearer string) (Result, error) {
	return c.send(ctx, method, path, body, bearer, false)
}

// sessionAuth marks requests carrying the stored session's access
// token; only those may revoke the session on a 401.
func (c *Client) send(ctx context.Context, method, path string, body interface{}, bearer string, sessionAuth bool) (Result, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return Result{}, errors.Wrap(err, "[Client.send] marshal body")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return Result{}, errors.Wrap(err, "[Client.send] build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			// Keep the context error visible so callers can tell a
			// cancelled request apart from a transport failure.
			return Result{}, errors.Wrap(ctx.Err(), "[Client.send] request cancelled")
		}
		metrics.HTTPRequestsTotal.WithLabelValues(method, "network_error").Inc()
		logging.Debug().Err(err).Str("method", method).Str("path", path).Msg("request failed")
		return Result{UsedFallback: true}, clienterrors.ErrNetwork
	}
	defer resp.Body.Close()

	metrics.HTTPRequestsTotal.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{UsedFallback: true}, clienterrors.ErrNetwork
	}

	return c.classify(resp.StatusCode, data, sessionAuth)
}

func (c *Client) classify(status int, data []byte, authenticated bool) (Result, error) {
	if status >= 200 && status < 300 {
		return Result{Data: data}, nil
	}

	var body errorBody
	_ = json.Unmarshal(data, &body)

	if status == http.StatusUnauthorized || expiredTokenMarker(body.text()) {
		if authenticated {
			c.lifecycle.Revoke(token.ReasonExpired)
		}
		return Result{UsedFallback: true}, clienterrors.ErrSessionExpired
	}

	switch status {
	case http.StatusConflict:
		return Result{}, clienterrors.ErrConflict
	case http.StatusNotFound:
		return Result{}, clienterrors.ErrNotFound
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		if body.Field != "" {
			return Result{}, &clienterrors.ValidationError{Field: body.Field, Reason: body.text()}
		}
	}

	message := body.text()
	if message == "" {
		message = http.StatusText(status)
	}
	return Result{}, &clienterrors.ServerError{Status: status, Message: message}
}

// expiredTokenMarker recognizes the server's jwt-expired/invalid error
// strings regardless of status code.
func expiredTokenMarker(message string) bool {
	m := strings.ToLower(message)
	return strings.Contains(m, "jwt expired") ||
		strings.Contains(m, "jwt malformed") ||
		strings.Contains(m, "invalid token") ||
		strings.Contains(m, "token expired")
}
