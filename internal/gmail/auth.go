package gmail

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"golang.org/x/oauth2"
)

const (
	credentialsFile = "credentials.json"
	tokenFile       = "token.json"

	readScope = "https://www.googleapis.com/auth/gmail.readonly"
)

// NotConfiguredError reports that the mail source cannot be used until the
// user supplies or reloads credentials.
type NotConfiguredError struct {
	Reason string
}

func (e *NotConfiguredError) Error() string {
	return e.Reason
}

// Manager owns the OAuth client-secret and token files in the data directory
// and hands out authorized HTTP clients.
type Manager struct {
	dataDir string
}

func NewManager(dataDir string) *Manager {
	return &Manager{dataDir: dataDir}
}

func (m *Manager) credentialsPath() string {
	return filepath.Join(m.dataDir, credentialsFile)
}

func (m *Manager) tokenPath() string {
	return filepath.Join(m.dataDir, tokenFile)
}

// Configured returns nil when both the client secret and a saved token exist.
func (m *Manager) Configured() error {
	if _, err := os.Stat(m.credentialsPath()); err != nil {
		return &NotConfiguredError{Reason: "credentials not found; load the credentials file in the settings panel"}
	}
	if _, err := os.Stat(m.tokenPath()); err != nil {
		return &NotConfiguredError{Reason: "mail token missing; reload credentials in the settings panel to re-authenticate"}
	}
	return nil
}

// clientSecret matches the Google client-secret file layout for installed
// and web application credentials.
type clientSecret struct {
	Installed *clientSecretEntry `json:"installed"`
	Web       *clientSecretEntry `json:"web"`
}

type clientSecretEntry struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

func (m *Manager) oauthConfig() (*oauth2.Config, error) {
	data, err := os.ReadFile(m.credentialsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &NotConfiguredError{Reason: "credentials not found; load the credentials file in the settings panel"}
		}
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	var secret clientSecret
	if err := json.Unmarshal(data, &secret); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	entry := secret.Installed
	if entry == nil {
		entry = secret.Web
	}
	if entry == nil || entry.ClientID == "" {
		return nil, &NotConfiguredError{Reason: "credentials file has no installed-app client; re-export it and reload"}
	}
	return &oauth2.Config{
		ClientID:     entry.ClientID,
		ClientSecret: entry.ClientSecret,
		Scopes:       []string{readScope},
		Endpoint: oauth2.Endpoint{
			AuthURL:  "https://accounts.google.com/o/oauth2/auth",
			TokenURL: "https://oauth2.googleapis.com/token",
		},
	}, nil
}

func (m *Manager) loadToken() (*oauth2.Token, error) {
	data, err := os.ReadFile(m.tokenPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &NotConfiguredError{Reason: "mail token missing; reload credentials in the settings panel to re-authenticate"}
		}
		return nil, fmt.Errorf("read token: %w", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	return &tok, nil
}

func (m *Manager) saveToken(tok *oauth2.Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	return writeFileAtomic(m.tokenPath(), data, 0o600)
}

// HTTPClient returns an authorized client that refreshes the saved token as
// needed and persists the refreshed token for the next run.
func (m *Manager) HTTPClient(ctx context.Context) (*http.Client, error) {
	conf, err := m.oauthConfig()
	if err != nil {
		return nil, err
	}
	tok, err := m.loadToken()
	if err != nil {
		return nil, err
	}
	src := &persistingTokenSource{
		mgr:  m,
		src:  conf.TokenSource(ctx, tok),
		last: tok.AccessToken,
	}
	return oauth2.NewClient(ctx, src), nil
}

// persistingTokenSource saves refreshed tokens back to disk so a refresh
// survives process restarts. A failed refresh invalidates the saved token:
// the user must reload credentials, matching the settings-panel flow.
type persistingTokenSource struct {
	mgr  *Manager
	src  oauth2.TokenSource
	last string
}

func (p *persistingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := p.src.Token()
	if err != nil {
		p.mgr.removeToken()
		return nil, &NotConfiguredError{Reason: "mail access was revoked or expired; reload credentials in the settings panel to re-authorize"}
	}
	if tok.AccessToken != p.last {
		p.last = tok.AccessToken
		if err := p.mgr.saveToken(tok); err != nil {
			return nil, err
		}
	}
	return tok, nil
}

func (m *Manager) removeToken() {
	os.Remove(m.tokenPath())
}

// ClearCredentials removes the saved token, forcing re-authorization, and
// returns a log of the actions taken.
func (m *Manager) ClearCredentials() ([]string, error) {
	var logs []string
	if _, err := os.Stat(m.tokenPath()); err == nil {
		if err := os.Remove(m.tokenPath()); err != nil {
			return logs, fmt.Errorf("remove token: %w", err)
		}
		logs = append(logs, "Removed saved mail token.")
	}
	logs = append(logs, "Credentials cleared.")
	return logs, nil
}

// LoadCredentials installs an uploaded client-secret file and drops any stale
// token so the next populate re-authorizes against the new client.
func (m *Manager) LoadCredentials(r io.Reader) ([]string, error) {
	var logs []string
	data, err := io.ReadAll(r)
	if err != nil {
		return logs, fmt.Errorf("read upload: %w", err)
	}
	var secret clientSecret
	if err := json.Unmarshal(data, &secret); err != nil {
		return logs, fmt.Errorf("uploaded file is not a client-secret JSON: %w", err)
	}
	if secret.Installed == nil && secret.Web == nil {
		return logs, fmt.Errorf("uploaded file has no installed or web client entry")
	}

	if err := os.MkdirAll(m.dataDir, 0o755); err != nil {
		return logs, fmt.Errorf("create data directory: %w", err)
	}
	if err := writeFileAtomic(m.credentialsPath(), data, 0o600); err != nil {
		return logs, err
	}
	logs = append(logs, "Saved credentials file.")

	if _, err := os.Stat(m.tokenPath()); err == nil {
		if err := os.Remove(m.tokenPath()); err != nil {
			return logs, fmt.Errorf("remove stale token: %w", err)
		}
		logs = append(logs, "Removed existing mail token.")
	}
	return logs, nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
