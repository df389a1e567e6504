package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/mbrt/gmailctl/cmd/gmailctl/localcred"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// AuthOptions selects how gmailtail obtains an authenticated Gmail service.
// Exactly one mode applies, checked in order: gmailctl credential dir,
// service account key, OAuth client credentials with a cached user token.
type AuthOptions struct {
	GmailctlDir     string
	ServiceAccount  string
	CredentialsFile string
	TokenFile       string
}

// NewGmailService builds a read-only Gmail service for the configured auth
// mode.
func NewGmailService(ctx context.Context, opts AuthOptions) (*gmail.Service, error) {
	switch {
	case opts.GmailctlDir != "":
		svc, err := (localcred.Provider{}).Service(ctx, opts.GmailctlDir)
		if err != nil {
			return nil, fmt.Errorf("gmailctl credentials in %s: %w", opts.GmailctlDir, err)
		}
		return svc, nil
	case opts.ServiceAccount != "":
		svc, err := gmail.NewService(ctx,
			option.WithCredentialsFile(opts.ServiceAccount),
			option.WithScopes(gmail.GmailReadonlyScope),
		)
		if err != nil {
			return nil, fmt.Errorf("service account %s: %w", opts.ServiceAccount, err)
		}
		return svc, nil
	case opts.CredentialsFile != "":
		client, err := oauthClient(ctx, opts.CredentialsFile, opts.TokenFile)
		if err != nil {
			return nil, err
		}
		svc, err := gmail.NewService(ctx, option.WithHTTPClient(client))
		if err != nil {
			return nil, fmt.Errorf("create gmail service: %w", err)
		}
		return svc, nil
	}
	return nil, fmt.Errorf("no credentials configured: set --auth-dir, --auth-json or --credentials")
}

func oauthClient(ctx context.Context, credentialsFile, tokenFile string) (*http.Client, error) {
	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read credentials file: %w", err)
	}
	config, err := google.ConfigFromJSON(b, gmail.GmailReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("parse credentials file: %w", err)
	}
	tok, err := tokenFromFile(tokenFile)
	if err != nil {
		tok, err = tokenFromWeb(ctx, config)
		if err != nil {
			return nil, err
		}
		if saveErr := saveToken(tokenFile, tok); saveErr != nil {
			return nil, saveErr
		}
	}
	return config.Client(ctx, tok), nil
}

func tokenFromFile(path string) (*oauth2.Token, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(tok); err != nil {
		return nil, fmt.Errorf("decode token file: %w", err)
	}
	return tok, nil
}

// tokenFromWeb runs the out-of-band consent flow on the terminal.
func tokenFromWeb(ctx context.Context, config *oauth2.Config) (*oauth2.Token, error) {
	authURL := config.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
	fmt.Fprintf(os.Stderr, "Open the following link in your browser, then paste the authorization code:\n%v\n", authURL)
	var code string
	if _, err := fmt.Scan(&code); err != nil {
		return nil, fmt.Errorf("read authorization code: %w", err)
	}
	tok, err := config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}
	return tok, nil
}

func saveToken(path string, tok *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("save oauth token: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("save oauth token: %w", err)
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(tok); err != nil {
		return fmt.Errorf("encode oauth token: %w", err)
	}
	return nil
}

// DefaultLogger returns the process logger: text on stderr at the given
// level.
func DefaultLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
