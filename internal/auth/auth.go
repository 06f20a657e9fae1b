// Package auth supplies Google OAuth2 credentials for the mailbox and the
// spreadsheet. Tokens are cached in a local file and refreshed transparently.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
	sheets "google.golang.org/api/sheets/v4"

	"payout-sheet-sync/internal/config"
)

// ErrAuth marks a credential acquisition or refresh failure. It is always fatal.
var ErrAuth = errors.New("authentication failed")

// Scopes are the scopes needed to read payout mail and append to the sheet
var Scopes = []string{gmail.GmailReadonlyScope, sheets.SpreadsheetsScope}

// AuthorizeFunc obtains a brand new token, usually by asking the user to
// approve access in a browser.
type AuthorizeFunc func(ctx context.Context, oc *oauth2.Config) (*oauth2.Token, error)

// Provider hands out token sources backed by a token file
type Provider struct {
	cfg       *config.AuthConfig
	authorize AuthorizeFunc
}

// NewProvider creates a provider that falls back to the loopback browser
// flow, printing the consent URL to out.
func NewProvider(cfg *config.AuthConfig, out io.Writer) *Provider {
	return &Provider{
		cfg:       cfg,
		authorize: LoopbackAuthorize(out),
	}
}

// WithAuthorizer replaces the interactive authorization step
func (p *Provider) WithAuthorizer(fn AuthorizeFunc) *Provider {
	p.authorize = fn
	return p
}

// TokenSource returns a token source for the given scopes. The first token is
// fetched eagerly so that credential problems surface before any API call.
func (p *Provider) TokenSource(ctx context.Context, scopes ...string) (oauth2.TokenSource, error) {
	oc, err := p.oauthConfig(scopes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuth, err)
	}

	tok, err := p.initialToken(ctx, oc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuth, err)
	}

	fts := &fileTokenSource{
		base: oc.TokenSource(ctx, tok),
		path: p.cfg.TokenFile,
		last: tok,
	}
	ts := oauth2.ReuseTokenSource(tok, fts)

	if _, err := ts.Token(); err != nil {
		return nil, fmt.Errorf("%w: failed to refresh token: %v", ErrAuth, err)
	}

	return ts, nil
}

// oauthConfig builds the client configuration from explicit client
// credentials or, failing that, from the downloaded credentials file.
func (p *Provider) oauthConfig(scopes []string) (*oauth2.Config, error) {
	if p.cfg.ClientID != "" && p.cfg.ClientSecret != "" {
		return &oauth2.Config{
			ClientID:     p.cfg.ClientID,
			ClientSecret: p.cfg.ClientSecret,
			Scopes:       scopes,
			Endpoint:     google.Endpoint,
		}, nil
	}

	data, err := os.ReadFile(p.cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read client secret file: %w", err)
	}

	oc, err := google.ConfigFromJSON(data, scopes...)
	if err != nil {
		return nil, fmt.Errorf("unable to parse client secret file: %w", err)
	}
	return oc, nil
}

// initialToken resolves the starting token: the cached file, then a configured
// refresh token, then interactive authorization.
func (p *Provider) initialToken(ctx context.Context, oc *oauth2.Config) (*oauth2.Token, error) {
	tok, err := TokenFromFile(p.cfg.TokenFile)
	switch {
	case err == nil && (tok.Valid() || tok.RefreshToken != ""):
		return tok, nil
	case err == nil:
		logrus.Info("Cached token is expired and cannot be refreshed")
	case errors.Is(err, os.ErrNotExist):
		logrus.Debugf("No cached token at %s", p.cfg.TokenFile)
	default:
		logrus.Warnf("Ignoring unreadable token file %s: %v", p.cfg.TokenFile, err)
	}

	if p.cfg.RefreshToken != "" {
		return &oauth2.Token{RefreshToken: p.cfg.RefreshToken}, nil
	}

	if p.authorize == nil {
		return nil, errors.New("no usable token and interactive authorization is disabled")
	}

	tok, err = p.authorize(ctx, oc)
	if err != nil {
		return nil, fmt.Errorf("authorization failed: %w", err)
	}

	if err := SaveToken(p.cfg.TokenFile, tok); err != nil {
		return nil, err
	}
	return tok, nil
}

// fileTokenSource writes every newly minted token back to the token file
type fileTokenSource struct {
	mu   sync.Mutex
	base oauth2.TokenSource
	path string
	last *oauth2.Token
}

func (s *fileTokenSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}

	if s.last == nil || tok.AccessToken != s.last.AccessToken {
		if err := SaveToken(s.path, tok); err != nil {
			logrus.Warnf("Failed to cache refreshed token: %v", err)
		}
		s.last = tok
	}
	return tok, nil
}

// TokenFromFile reads a cached token
func TokenFromFile(path string) (*oauth2.Token, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	tok := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(tok); err != nil {
		return nil, fmt.Errorf("failed to decode token: %w", err)
	}
	return tok, nil
}

// SaveToken caches a token, readable only by the current user
func SaveToken(path string, tok *oauth2.Token) error {
	logrus.Debugf("Saving credential file to: %s", path)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("unable to cache oauth token: %w", err)
	}
	defer f.Close()

	if err := json.NewEncoder(f).Encode(tok); err != nil {
		return fmt.Errorf("unable to cache oauth token: %w", err)
	}
	return nil
}
