// Package connectors holds the pieces shared by every provider connector:
// OAuth token resolution, rate limited HTTP and error mapping.
package connectors

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/jscharber/coursemirror/pkg/storage"
	"github.com/jscharber/coursemirror/pkg/storage/credentials"
)

// TokenSkew is how long before expiry a cached access token stops being used
const TokenSkew = 60 * time.Second

// Config contains settings common to every connector
type Config struct {
	// RootFolderID is the remote folder courses are created under; empty means the drive root
	RootFolderID string `yaml:"root_folder_id" json:"root_folder_id" env:"ROOT_FOLDER_ID"`
	RedirectURL  string `yaml:"redirect_url" json:"redirect_url" env:"REDIRECT_URL"`

	// BaseURL overrides the provider API endpoint
	BaseURL string `yaml:"base_url" json:"base_url" env:"BASE_URL"`
	// TokenURL overrides the provider token endpoint
	TokenURL string `yaml:"token_url" json:"token_url" env:"TOKEN_URL"`

	Timeout           time.Duration `yaml:"timeout" json:"timeout" env:"TIMEOUT"`
	RequestsPerSecond float64       `yaml:"requests_per_second" json:"requests_per_second" env:"REQUESTS_PER_SECOND"`
	BurstLimit        int           `yaml:"burst_limit" json:"burst_limit" env:"BURST_LIMIT"`
	MaxRetries        int           `yaml:"max_retries" json:"max_retries" env:"MAX_RETRIES"`
	RetryDelay        time.Duration `yaml:"retry_delay" json:"retry_delay" env:"RETRY_DELAY"`
}

// DefaultConfig returns default connector configuration
func DefaultConfig() Config {
	return Config{
		Timeout:           20 * time.Second,
		RequestsPerSecond: 10,
		BurstLimit:        20,
		MaxRetries:        2,
		RetryDelay:        500 * time.Millisecond,
	}
}

// withDefaults fills zero values from DefaultConfig
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = d.RequestsPerSecond
	}
	if c.BurstLimit <= 0 {
		c.BurstLimit = d.BurstLimit
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	return c
}

// Base implements token handling and HTTP plumbing for one provider
type Base struct {
	provider    storage.Provider
	config      Config
	endpoint    oauth2.Endpoint
	scopes      []string
	credentials credentials.Provider
	httpClient  *http.Client
	limiter     *rate.Limiter
	logger      *zap.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

// NewBase creates the shared connector core
func NewBase(provider storage.Provider, config Config, endpoint oauth2.Endpoint, scopes []string, creds credentials.Provider, logger *zap.Logger) *Base {
	config = config.withDefaults()
	if config.TokenURL != "" {
		endpoint.TokenURL = config.TokenURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Base{
		provider:    provider,
		config:      config,
		endpoint:    endpoint,
		scopes:      scopes,
		credentials: creds,
		httpClient:  &http.Client{Timeout: config.Timeout},
		limiter:     rate.NewLimiter(rate.Limit(config.RequestsPerSecond), config.BurstLimit),
		logger:      logger.With(zap.String("provider", provider.String())),
		tracer:      otel.Tracer(provider.String() + "-connector"),
		now:         time.Now,
	}
}

// Provider returns the provider this core serves
func (b *Base) Provider() storage.Provider {
	return b.provider
}

// Config returns the effective configuration
func (b *Base) Config() Config {
	return b.config
}

// Logger returns the provider scoped logger
func (b *Base) Logger() *zap.Logger {
	return b.logger
}

// HTTPClient returns the client used for API calls
func (b *Base) HTTPClient() *http.Client {
	return b.httpClient
}

// Wait blocks until the rate limiter admits one request
func (b *Base) Wait(ctx context.Context) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return storage.NewStorageError(storage.ErrorCodeNetworkError, "rate limiter wait aborted", b.provider, "", err)
	}
	return nil
}

// StartSpan starts a connector span
func (b *Base) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("provider", b.provider.String()))
	return b.tracer.Start(ctx, b.provider.String()+"."+name, trace.WithAttributes(attrs...))
}

// EndSpan records err on span and ends it
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// OAuthConfig builds the oauth2 config from stored client credentials
func (b *Base) OAuthConfig(creds credentials.Credentials) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		RedirectURL:  b.config.RedirectURL,
		Scopes:       b.scopes,
		Endpoint:     b.endpoint,
	}
}

// AuthCodeURL builds the authorize URL for the stored client
func (b *Base) AuthCodeURL(ctx context.Context, state string, opts ...oauth2.AuthCodeOption) (string, error) {
	creds, err := b.credentials.Get(ctx, b.provider)
	if err != nil {
		return "", b.authUnavailable("failed to load credentials", err)
	}
	if !creds.HasClient() {
		return "", b.authUnavailable("client id and secret are not configured", nil)
	}
	return b.OAuthConfig(creds).AuthCodeURL(state, opts...), nil
}

// Exchange trades an authorization code for tokens and persists them
func (b *Base) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	ctx, span := b.StartSpan(ctx, "exchange")
	var err error
	defer func() { EndSpan(span, err) }()

	creds, err := b.credentials.Get(ctx, b.provider)
	if err != nil {
		return nil, b.authUnavailable("failed to load credentials", err)
	}
	if !creds.HasClient() {
		err = b.authUnavailable("client id and secret are not configured", nil)
		return nil, err
	}

	token, err := b.OAuthConfig(creds).Exchange(b.oauthContext(ctx), code)
	if err != nil {
		b.logger.Error("authorization code exchange failed", zap.Error(err))
		err = storage.NewStorageError(storage.ErrorCodeAuthenticationFailed, "code exchange failed", b.provider, b.endpoint.TokenURL, err)
		return nil, err
	}
	if token.RefreshToken == "" {
		b.logger.Warn("provider returned no refresh token")
	}

	if err = b.persistToken(ctx, token); err != nil {
		return nil, err
	}
	b.logger.Info("provider authorized")
	return token, nil
}

// AccessToken returns a usable access token, refreshing it when needed.
// A failed refresh leaves the stored credentials untouched.
func (b *Base) AccessToken(ctx context.Context) (string, error) {
	creds, err := b.credentials.Get(ctx, b.provider)
	if err != nil {
		return "", b.authUnavailable("failed to load credentials", err)
	}
	if !creds.Connected() {
		return "", b.authUnavailable("provider is not connected", nil)
	}
	if creds.AccessTokenValid(b.now(), TokenSkew) {
		return creds.AccessToken, nil
	}

	source := b.OAuthConfig(creds).TokenSource(b.oauthContext(ctx), &oauth2.Token{
		RefreshToken: creds.RefreshToken,
	})
	token, err := source.Token()
	if err != nil {
		b.logger.Error("access token refresh failed", zap.Error(err))
		return "", storage.NewStorageError(storage.ErrorCodeAuthenticationFailed, "token refresh failed", b.provider, b.endpoint.TokenURL, err)
	}

	if token.RefreshToken == creds.RefreshToken {
		token.RefreshToken = ""
	}
	if err := b.persistToken(ctx, token); err != nil {
		return "", err
	}
	return token.AccessToken, nil
}

// ForgetTokens clears refresh and access tokens, keeping the client credentials
func (b *Base) ForgetTokens(ctx context.Context) error {
	zero := time.Time{}
	err := b.credentials.Set(ctx, b.provider, credentials.Update{
		RefreshToken:   credentials.String(""),
		AccessToken:    credentials.String(""),
		TokenExpiresAt: &zero,
	})
	if err != nil {
		return fmt.Errorf("failed to clear tokens: %w", err)
	}
	return nil
}

// StoredTokens returns the current refresh and access tokens without refreshing
func (b *Base) StoredTokens(ctx context.Context) (refresh, access string, err error) {
	creds, err := b.credentials.Get(ctx, b.provider)
	if err != nil {
		return "", "", b.authUnavailable("failed to load credentials", err)
	}
	return creds.RefreshToken, creds.AccessToken, nil
}

// HTTPError carries the status and body of a failed API call
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("status %d: %s", e.StatusCode, e.Body)
}

// StatusCode returns the HTTP status behind err, or 0
func StatusCode(err error) int {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode
	}
	return 0
}

// Request describes one JSON API call
type Request struct {
	Method string
	URL    string
	Body   interface{}
	Header http.Header
}

// DoJSON sends req with a bearer token and decodes the response into out.
// Rate limited responses are retried with backoff.
func (b *Base) DoJSON(ctx context.Context, req Request, out interface{}) error {
	token, err := b.AccessToken(ctx)
	if err != nil {
		return err
	}

	var payload []byte
	if req.Body != nil {
		payload, err = json.Marshal(req.Body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= b.config.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := b.backoff(ctx, attempt); err != nil {
				return err
			}
		}

		lastErr = b.doOnce(ctx, req, payload, token, out)
		if lastErr == nil || !retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// Helper methods

func (b *Base) doOnce(ctx context.Context, req Request, payload []byte, token string, out interface{}) error {
	if err := b.Wait(ctx); err != nil {
		return err
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		b.logger.Warn("request failed", zap.String("url", req.URL), zap.Error(err))
		return storage.NewStorageError(storage.ErrorCodeNetworkError, "request failed", b.provider, req.URL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return storage.NewStorageError(storage.ErrorCodeNetworkError, "failed to read response", b.provider, req.URL, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return b.MapStatus(resp.StatusCode, string(data), resp.Header.Get("Retry-After"), req.URL)
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return storage.NewStorageError(storage.ErrorCodeInvalidResponse, "failed to decode response", b.provider, req.URL, err)
	}
	return nil
}

// MapStatus converts a non-2xx response into a StorageError
func (b *Base) MapStatus(status int, body, retryAfter, url string) error {
	if len(body) > 512 {
		body = body[:512]
	}
	cause := &HTTPError{StatusCode: status, Body: body}

	var code string
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		code = storage.ErrorCodeAuthenticationFailed
	case status == http.StatusNotFound:
		code = storage.ErrorCodeNotFound
	case status == http.StatusTooManyRequests:
		code = storage.ErrorCodeRateLimited
	default:
		code = storage.ErrorCodeRemoteError
	}

	b.logger.Warn("provider api error",
		zap.String("url", url),
		zap.Int("status", status),
		zap.String("retry_after", retryAfter),
		zap.String("body", body),
	)
	return storage.NewStorageError(code, fmt.Sprintf("provider returned status %d", status), b.provider, url, cause)
}

func (b *Base) backoff(ctx context.Context, attempt int) error {
	delay := b.config.RetryDelay * time.Duration(1<<uint(attempt-1))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

func retryable(err error) bool {
	if storage.ErrorCode(err) == storage.ErrorCodeRateLimited {
		return true
	}
	switch StatusCode(err) {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func (b *Base) persistToken(ctx context.Context, token *oauth2.Token) error {
	update := credentials.Update{
		AccessToken:    credentials.String(token.AccessToken),
		TokenExpiresAt: &token.Expiry,
	}
	if token.RefreshToken != "" {
		update.RefreshToken = credentials.String(token.RefreshToken)
	}

	if err := b.credentials.Set(ctx, b.provider, update); err != nil {
		return fmt.Errorf("failed to persist tokens: %w", err)
	}
	return nil
}

func (b *Base) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, b.httpClient)
}

func (b *Base) authUnavailable(message string, cause error) error {
	return storage.NewStorageError(storage.ErrorCodeAuthUnavailable, message, b.provider, "", cause)
}
