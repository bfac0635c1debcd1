// Package lease obtains and caches the app access token of an OAuth platform.
package lease

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"live-notifier/internal/metrics"
	"live-notifier/internal/models"
)

const (
	DefaultLifetime = 15 * 24 * time.Hour
	DefaultTokenURL = "https://id.twitch.tv/oauth2/token"
)

type IssueError struct {
	StatusCode int
	Err        error
}

func (e *IssueError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("token issuance failed with status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("token issuance failed: %v", e.Err)
}

func (e *IssueError) Unwrap() error { return e.Err }

// Storage persists the lease between restarts.
type Storage interface {
	LoadLease(ctx context.Context, platform models.Platform) (*models.CredentialLease, error)
	SaveLease(ctx context.Context, platform models.Platform, l models.CredentialLease) error
}

type Config struct {
	Platform     models.Platform
	ClientID     string
	ClientSecret string
	TokenURL     string
	Lifetime     time.Duration
	HTTPClient   *http.Client
}

// Manager hands out a bearer token, reusing the in-memory or persisted lease
// while it is younger than the lifetime.
type Manager struct {
	cfg     Config
	storage Storage
	clock   clockwork.Clock
	logger  *slog.Logger

	mu       sync.Mutex
	current  *models.CredentialLease
	rejected string
}

func NewManager(cfg Config, storage Storage, clock clockwork.Clock, logger *slog.Logger) *Manager {
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = DefaultLifetime
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:     cfg,
		storage: storage,
		clock:   clock,
		logger:  logger.With("platform", cfg.Platform),
	}
}

// Lease returns a usable token: the in-memory one, else a young enough
// persisted one, else a freshly issued one.
func (m *Manager) Lease(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if m.current != nil && m.current.ValidAt(now, m.cfg.Lifetime) {
		return m.current.AccessToken, nil
	}

	stored, err := m.storage.LoadLease(ctx, m.cfg.Platform)
	if err != nil {
		m.logger.Warn("Failed to load persisted lease, requesting a new one", "error", err)
	}
	if stored != nil && stored.AccessToken != m.rejected && stored.ValidAt(now, m.cfg.Lifetime) {
		m.logger.Info("Using persisted token", "age", now.Sub(stored.IssuedAt).Round(time.Second))
		m.current = stored
		return stored.AccessToken, nil
	}

	m.logger.Info("Requesting new app access token")
	token, err := m.issue(ctx)
	if err != nil {
		return "", err
	}
	metrics.LeaseIssuedTotal.WithLabelValues(string(m.cfg.Platform)).Inc()

	l := models.CredentialLease{AccessToken: token, IssuedAt: now.UTC()}
	if err := m.storage.SaveLease(ctx, m.cfg.Platform, l); err != nil {
		m.logger.Error("Failed to persist lease", "error", err)
	}
	m.current = &l
	return token, nil
}

// Invalidate drops the given token after the platform rejected it. A stale
// token (already replaced by another caller) is ignored.
func (m *Manager) Invalidate(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rejected = token
	if m.current != nil && m.current.AccessToken == token {
		m.current = nil
	}
}

func (m *Manager) issue(ctx context.Context) (string, error) {
	data := url.Values{}
	data.Set("client_id", m.cfg.ClientID)
	data.Set("client_secret", m.cfg.ClientSecret)
	data.Set("grant_type", "client_credentials")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return "", &IssueError{Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", &IssueError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &IssueError{Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return "", &IssueError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s", strings.TrimSpace(string(body))),
		}
	}

	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", &IssueError{Err: err}
	}
	if result.AccessToken == "" {
		return "", &IssueError{Err: fmt.Errorf("response carried no access_token")}
	}

	return result.AccessToken, nil
}
