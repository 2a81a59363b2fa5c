// Package authflow implements the interactive authorization-code grant: a
// browser navigation to the remote authorize page, a one-shot local callback
// listener, and the code-for-token exchange.
package authflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
)

// ErrAuthTimeout indicates no authorization code arrived within the wait window.
var ErrAuthTimeout = errors.New("authflow: timed out waiting for authorization code")

// BindError indicates the callback port from the redirect URI was unavailable.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("authflow: cannot bind callback listener on %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// TokenExchangeError indicates the token endpoint rejected the code exchange.
type TokenExchangeError struct {
	Status int
	Body   string
}

func (e *TokenExchangeError) Error() string {
	return fmt.Sprintf("authflow: token exchange failed with status %d: %s", e.Status, e.Body)
}

// Config holds the OAuth client settings for one acquisition.
type Config struct {
	ClientID     string
	ClientSecret string
	AuthorizeURL string
	TokenURL     string
	RedirectURI  string
	Scope        string
	WaitTimeout  time.Duration
	// OpenBrowser launches the user's browser at the authorize URL. When nil
	// the URL is only logged and the user visits it by hand.
	OpenBrowser func(url string) error
}

// Acquirer obtains a bearer token through the authorization-code flow. All
// waiting state is scoped to a single Acquire call, so independent
// acquisitions never share anything.
type Acquirer struct {
	cfg    Config
	httpc  *http.Client
	logger *slog.Logger
}

// New constructs an Acquirer.
func New(cfg Config, logger *slog.Logger) *Acquirer {
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 120 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Acquirer{
		cfg:    cfg,
		httpc:  &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

// AuthorizeURL builds the URL the user must visit to grant access.
func (a *Acquirer) AuthorizeURL() (string, error) {
	u, err := url.Parse(a.cfg.AuthorizeURL)
	if err != nil {
		return "", fmt.Errorf("authflow: parse authorize url: %w", err)
	}
	q := u.Query()
	q.Set("client_id", a.cfg.ClientID)
	q.Set("redirect_uri", a.cfg.RedirectURI)
	q.Set("response_type", "code")
	if a.cfg.Scope != "" {
		q.Set("scope", a.cfg.Scope)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Acquire runs the full flow: bind the callback listener on the exact host and
// port of the redirect URI, direct the user to the authorize page, wait for
// the code, then exchange it for an access token. The listener is closed on
// every exit path.
func (a *Acquirer) Acquire(ctx context.Context) (string, error) {
	redirect, err := url.Parse(a.cfg.RedirectURI)
	if err != nil {
		return "", fmt.Errorf("authflow: parse redirect uri: %w", err)
	}
	callbackPath := redirect.Path
	if callbackPath == "" {
		callbackPath = "/"
	}

	ln, err := net.Listen("tcp", redirect.Host)
	if err != nil {
		return "", &BindError{Addr: redirect.Host, Err: err}
	}

	codeCh := make(chan string, 1)
	router := chi.NewRouter()
	router.Use(httprate.LimitByIP(30, time.Minute))
	router.Get(callbackPath, func(w http.ResponseWriter, r *http.Request) {
		code := r.URL.Query().Get("code")
		if code == "" {
			http.Error(w, "missing code parameter", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, callbackSuccessPage)
		select {
		case codeCh <- code:
		default:
		}
	})

	server := &http.Server{Handler: router}
	go func() {
		_ = server.Serve(ln)
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	authorizeURL, err := a.AuthorizeURL()
	if err != nil {
		return "", err
	}
	a.logger.Info("waiting for oauth callback",
		slog.String("authorize_url", authorizeURL),
		slog.String("listen", redirect.Host),
		slog.Duration("timeout", a.cfg.WaitTimeout))
	if a.cfg.OpenBrowser != nil {
		if err := a.cfg.OpenBrowser(authorizeURL); err != nil {
			a.logger.Warn("could not open browser, visit the URL manually", slog.Any("error", err))
		}
	}

	timer := time.NewTimer(a.cfg.WaitTimeout)
	defer timer.Stop()
	var code string
	select {
	case code = <-codeCh:
	case <-timer.C:
		return "", ErrAuthTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}

	return a.exchange(ctx, code)
}

// exchange posts the authorization code to the token endpoint. A failed
// exchange is terminal; this component never retries.
func (a *Acquirer) exchange(ctx context.Context, code string) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("client_id", a.cfg.ClientID)
	form.Set("client_secret", a.cfg.ClientSecret)
	form.Set("redirect_uri", a.cfg.RedirectURI)
	form.Set("code", code)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("authflow: build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("authflow: token request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &TokenExchangeError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var payload struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("authflow: decode token response: %w", err)
	}
	if payload.AccessToken == "" {
		return "", errors.New("authflow: token response carried no access_token")
	}
	return payload.AccessToken, nil
}

const callbackSuccessPage = `<!DOCTYPE html>
<html>
<head><title>Authorization complete</title></head>
<body>
<h1>Authorization complete</h1>
<p>You can close this window and return to the terminal.</p>
</body>
</html>
`
