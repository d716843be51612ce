package qq

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/nextlevelbuilder/qqbridge/internal/metrics"
	"github.com/nextlevelbuilder/qqbridge/internal/tracing"
)

const (
	tokenEndpoint       = "/app/getAppAccessToken"
	tokenRefreshBuffer  = 60 * time.Second
	defaultTokenExpiry  = 300 * time.Second
	defaultCallTimeout  = 10 * time.Second
	defaultProbeTimeout = 4 * time.Second
)

// Credentials identify one bot registration on the platform.
type Credentials struct {
	APIBaseURL string
	TokenURL   string
	AppID      string
	AppSecret  string
}

// TokenError reports a failed access-token fetch.
type TokenError struct {
	Message string
	Err     error
}

func (e *TokenError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *TokenError) Unwrap() error { return e.Err }

type tokenEntry struct {
	token     string
	expiresAt time.Time
}

// TokenCache caches access tokens keyed by appId:appSecret so accounts that
// share credentials share a token. Concurrent misses may fetch twice; the
// last write wins.
type TokenCache struct {
	httpClient *http.Client

	mu      sync.RWMutex
	entries map[string]tokenEntry
	now     func() time.Time
}

// NewTokenCache creates a cache using httpClient (http.DefaultClient when nil).
func NewTokenCache(httpClient *http.Client) *TokenCache {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &TokenCache{
		httpClient: httpClient,
		entries:    make(map[string]tokenEntry),
		now:        time.Now,
	}
}

var sharedTokens = NewTokenCache(nil)

// Token returns a cached token that is still outside the refresh buffer, or
// fetches a new one bounded by timeout.
func (c *TokenCache) Token(ctx context.Context, creds Credentials, timeout time.Duration) (string, error) {
	appID := strings.TrimSpace(creds.AppID)
	appSecret := strings.TrimSpace(creds.AppSecret)
	if appID == "" {
		return "", &TokenError{Message: "QQ official appId is required"}
	}
	if appSecret == "" {
		return "", &TokenError{Message: "QQ official appSecret is required"}
	}

	key := creds.AppID + ":" + creds.AppSecret
	now := c.now()
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && entry.expiresAt.Add(-tokenRefreshBuffer).After(now) {
		return entry.token, nil
	}

	token, expiresIn, err := c.fetch(ctx, creds.TokenURL, appID, appSecret, timeout)
	if err != nil {
		metrics.Default().IncTokenFetch("error")
		return "", err
	}
	metrics.Default().IncTokenFetch("ok")

	c.mu.Lock()
	c.entries[key] = tokenEntry{token: token, expiresAt: now.Add(expiresIn)}
	c.mu.Unlock()
	return token, nil
}

func (c *TokenCache) fetch(ctx context.Context, tokenURL, appID, appSecret string, timeout time.Duration) (string, time.Duration, error) {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctx, span := tracing.Tracer().Start(ctx, "qq.token.fetch")
	defer span.End()
	span.SetAttributes(attribute.String("qq.app_id", appID))

	token, expiresIn, err := c.doFetch(ctx, normalizeTokenURL(tokenURL), appID, appSecret)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return token, expiresIn, err
}

func (c *TokenCache) doFetch(ctx context.Context, base, appID, appSecret string) (string, time.Duration, error) {
	body, _ := json.Marshal(map[string]string{
		"appId":        appID,
		"clientSecret": appSecret,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+tokenEndpoint, bytes.NewReader(body))
	if err != nil {
		return "", 0, &TokenError{Message: "QQ token API request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, &TokenError{Message: "QQ token API request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", 0, &TokenError{Message: fmt.Sprintf("QQ token API failed: HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, &TokenError{Message: "QQ token API read failed", Err: err}
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", 0, &TokenError{Message: "QQ token API returned malformed JSON", Err: err}
	}

	if code, ok := payload["code"].(float64); ok && code != 0 {
		return "", 0, &TokenError{Message: apiErrorMessage(payload, "QQ token API rejected credentials")}
	}
	token, _ := payload["access_token"].(string)
	token = strings.TrimSpace(token)
	if token == "" {
		return "", 0, &TokenError{Message: "QQ token API returned empty access_token"}
	}
	return token, parseExpiresIn(payload["expires_in"]), nil
}

// parseExpiresIn accepts a positive number or a numeric string and falls
// back to five minutes.
func parseExpiresIn(v any) time.Duration {
	switch x := v.(type) {
	case float64:
		if x > 0 {
			return time.Duration(x * float64(time.Second))
		}
	case string:
		s := strings.TrimSpace(x)
		end := 0
		for end < len(s) && s[end] >= '0' && s[end] <= '9' {
			end++
		}
		if n, err := strconv.Atoi(s[:end]); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return defaultTokenExpiry
}

// apiErrorMessage picks the richest error detail from a decoded API payload:
// message, then err_code, then code, then fallback.
func apiErrorMessage(payload any, fallback string) string {
	record, ok := payload.(map[string]any)
	if !ok {
		return fallback
	}
	if msg, ok := record["message"].(string); ok && strings.TrimSpace(msg) != "" {
		return strings.TrimSpace(msg)
	}
	if n, ok := record["err_code"].(float64); ok {
		return "err_code " + formatNumber(n)
	}
	if n, ok := record["code"].(float64); ok {
		return "code " + formatNumber(n)
	}
	return fallback
}

func formatNumber(n float64) string {
	return strconv.FormatFloat(n, 'f', -1, 64)
}
