package game

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// Credentials holds the session material obtained from a successful login.
type Credentials struct {
	LaravelSession string
	XSRFToken      string
	APIToken       string
}

// browser-like headers; the web endpoints reject obvious non-browser clients.
var defaultHeaders = map[string]string{
	"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
	"Accept-Language": "en-US,en;q=0.9",
	"User-Agent": "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
		"AppleWebKit/537.36 (KHTML, like Gecko) " +
		"Chrome/120.0.0.0 Safari/537.36",
}

var (
	csrfInputPattern    = regexp.MustCompile(`(?i)<input[^>]*name=["']_token["'][^>]*value=["']([^"']+)["']`)
	csrfInputAltPattern = regexp.MustCompile(`(?i)<input[^>]*value=["']([^"']+)["'][^>]*name=["']_token["']`)
	csrfMetaPattern     = regexp.MustCompile(`(?i)<meta[^>]*name=["']csrf-token["'][^>]*content=["']([^"']+)["']`)

	apiTokenPattern    = regexp.MustCompile(`(?i)<meta[^>]*name=["']api-token["'][^>]*content=["']([^"']+)["']`)
	apiTokenAltPattern = regexp.MustCompile(`(?i)<meta[^>]*content=["']([^"']+)["'][^>]*name=["']api-token["']`)
)

// Authenticator performs the web login flow and extracts session material.
type Authenticator struct {
	webBaseURL string
	httpc      *http.Client
}

// NewAuthenticator creates an authenticator against the given web base URL.
func NewAuthenticator(webBaseURL string) *Authenticator {
	jar, _ := cookiejar.New(nil)
	return &Authenticator{
		webBaseURL: strings.TrimRight(webBaseURL, "/"),
		httpc: &http.Client{
			Timeout: 30 * time.Second,
			Jar:     jar,
		},
	}
}

// Login performs the full login flow: fetch the login page for the CSRF
// token, post the credentials, capture session cookies, then extract the
// API token from the landing page (falling back to /home).
func (a *Authenticator) Login(ctx context.Context, email, password string) (*Credentials, error) {
	if email == "" || password == "" {
		return nil, fmt.Errorf("%w: email and password required", ErrAuth)
	}

	loginPageURL := a.webBaseURL + "/login/credentials"
	pageBody, _, err := a.get(ctx, loginPageURL)
	if err != nil {
		return nil, fmt.Errorf("fetch login page: %w", err)
	}

	csrfToken := extractCSRFToken(pageBody)
	if csrfToken == "" {
		return nil, fmt.Errorf("%w: no CSRF token in login page", ErrAuth)
	}

	form := url.Values{
		"_token":   {csrfToken},
		"email":    {email},
		"password": {password},
		"remember": {"on"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.webBaseURL+"/login", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build login request: %w", err)
	}
	a.applyHeaders(req)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Origin", a.webBaseURL)
	req.Header.Set("Referer", loginPageURL)

	resp, err := a.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post login: %w", err)
	}
	body, err := io.ReadAll(resp.Body)
	if closeErr := resp.Body.Close(); closeErr != nil {
		slog.Debug("failed to close login response body", "error", closeErr)
	}
	if err != nil {
		return nil, fmt.Errorf("read login response: %w", err)
	}

	// A failed login lands back on the credentials form; success redirects
	// to home or travel.
	finalURL := resp.Request.URL.String()
	if strings.Contains(finalURL, "/login") && strings.Contains(finalURL, "credentials") {
		return nil, fmt.Errorf("%w: credentials rejected", ErrAuth)
	}

	creds := &Credentials{}
	base, err := url.Parse(a.webBaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse web base url: %w", err)
	}
	for _, cookie := range a.httpc.Jar.Cookies(base) {
		switch cookie.Name {
		case "laravelsession":
			creds.LaravelSession = cookie.Value
		case "XSRF-TOKEN":
			if decoded, err := url.QueryUnescape(cookie.Value); err == nil {
				creds.XSRFToken = decoded
			} else {
				creds.XSRFToken = cookie.Value
			}
		}
	}
	if creds.LaravelSession == "" || creds.XSRFToken == "" {
		return nil, fmt.Errorf("%w: login succeeded but session cookies missing", ErrAuth)
	}

	creds.APIToken = extractAPIToken(string(body))
	if creds.APIToken == "" {
		homeBody, _, err := a.get(ctx, a.webBaseURL+"/home")
		if err != nil {
			slog.Warn("failed to fetch home page for api token", "error", err)
		} else {
			creds.APIToken = extractAPIToken(homeBody)
		}
	}
	if creds.APIToken == "" {
		return nil, fmt.Errorf("%w: could not extract api token", ErrAuth)
	}

	slog.Info("login successful", "email", email)
	return creds, nil
}

// Cookies returns the authenticator's cookies for the web base URL, so the
// captcha fetcher can reuse the authenticated web session.
func (a *Authenticator) Cookies() []*http.Cookie {
	base, err := url.Parse(a.webBaseURL)
	if err != nil {
		return nil
	}
	return a.httpc.Jar.Cookies(base)
}

func (a *Authenticator) get(ctx context.Context, rawURL string) (string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", 0, fmt.Errorf("build request: %w", err)
	}
	a.applyHeaders(req)

	resp, err := a.httpc.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("do request: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Debug("failed to close response body", "error", closeErr)
		}
	}()

	if resp.StatusCode >= 400 {
		return "", resp.StatusCode, &HTTPError{StatusCode: resp.StatusCode}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", resp.StatusCode, fmt.Errorf("read body: %w", err)
	}
	return string(body), resp.StatusCode, nil
}

func (a *Authenticator) applyHeaders(req *http.Request) {
	for k, v := range defaultHeaders {
		req.Header.Set(k, v)
	}
}

func extractCSRFToken(html string) string {
	for _, pattern := range []*regexp.Regexp{csrfInputPattern, csrfInputAltPattern, csrfMetaPattern} {
		if m := pattern.FindStringSubmatch(html); m != nil {
			return m[1]
		}
	}
	return ""
}

func extractAPIToken(html string) string {
	for _, pattern := range []*regexp.Regexp{apiTokenPattern, apiTokenAltPattern} {
		if m := pattern.FindStringSubmatch(html); m != nil {
			return m[1]
		}
	}
	return ""
}
