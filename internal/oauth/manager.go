package oauth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/dayflowhq/dayflow-sync/internal/audit"
	"github.com/dayflowhq/dayflow-sync/internal/crypto"
	"github.com/dayflowhq/dayflow-sync/internal/db"
	"github.com/dayflowhq/dayflow-sync/internal/integration"
)

const (
	// StateExpiry bounds how long an authorization attempt may take.
	StateExpiry = 10 * time.Minute

	// TokenExpiryBuffer refreshes tokens slightly before they expire so a
	// sync never starts with a token that dies mid-run.
	TokenExpiryBuffer = 5 * time.Minute
)

// ClientCredentials holds the OAuth app credentials for one service.
type ClientCredentials struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// Manager owns the OAuth lifecycle: authorization URLs, callback handling,
// token refresh, and disconnect. One instance is shared and injected into
// the web layer and sync engine.
type Manager struct {
	db          *db.DB
	encryptor   *crypto.Encryptor
	registry    *integration.Registry
	credentials map[string]ClientCredentials
	httpClient  *http.Client
	audit       audit.Sink

	mu         sync.Mutex
	refreshing map[string]*sync.Mutex // per-integration refresh locks
}

// NewManager creates an OAuth manager.
func NewManager(database *db.DB, encryptor *crypto.Encryptor, registry *integration.Registry, credentials map[string]ClientCredentials, httpClient *http.Client, sink audit.Sink) *Manager {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if sink == nil {
		sink = audit.NopSink{}
	}
	return &Manager{
		db:          database,
		encryptor:   encryptor,
		registry:    registry,
		credentials: credentials,
		httpClient:  httpClient,
		audit:       sink,
		refreshing:  make(map[string]*sync.Mutex),
	}
}

// AuthorizationURL starts an authorization attempt for a user and service.
// The returned URL is where the user's browser should be sent.
func (m *Manager) AuthorizationURL(service, userID string) (string, error) {
	cfg, err := m.registry.Config(service)
	if err != nil {
		return "", err
	}
	if cfg.UsesBasicAuth {
		return "", integration.ValidationError(service, "service uses basic auth, not OAuth")
	}
	creds, ok := m.credentials[service]
	if !ok {
		return "", integration.ValidationError(service, "no OAuth client credentials configured")
	}

	state, err := generateState()
	if err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}

	record := &db.OAuthState{State: state, Service: service, UserID: userID}

	opts := []oauth2.AuthCodeOption{}
	if cfg.SupportsRefresh {
		opts = append(opts, oauth2.AccessTypeOffline)
	}
	if cfg.UsesPKCE {
		verifier, err := generateCodeVerifier()
		if err != nil {
			return "", fmt.Errorf("failed to generate code verifier: %w", err)
		}
		record.CodeVerifier = verifier
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", codeChallengeFromVerifier(verifier)),
			oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		)
	}

	if err := m.db.CreateOAuthState(record); err != nil {
		return "", err
	}

	return m.oauthConfig(cfg, creds).AuthCodeURL(state, opts...), nil
}

// HandleCallback completes an authorization attempt. The state is consumed
// so a replayed callback fails. On success the integration row exists with
// encrypted tokens.
func (m *Manager) HandleCallback(ctx context.Context, state, code string) (*db.UserIntegration, error) {
	record, err := m.db.ConsumeOAuthState(state, StateExpiry)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, integration.ValidationError("", "invalid or expired oauth state")
		}
		return nil, err
	}

	cfg, err := m.registry.Config(record.Service)
	if err != nil {
		return nil, err
	}
	creds := m.credentials[record.Service]

	opts := []oauth2.AuthCodeOption{}
	if record.CodeVerifier != "" {
		opts = append(opts, oauth2.SetAuthURLParam("code_verifier", record.CodeVerifier))
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
	token, err := m.oauthConfig(cfg, creds).Exchange(ctx, code, opts...)
	if err != nil {
		m.audit.Emit(audit.Event{
			UserID:   record.UserID,
			Action:   "oauth.connect",
			Resource: record.Service,
			Success:  false,
			Error:    "token exchange failed",
		})
		return nil, integration.AuthenticationError(record.Service, "token exchange failed", err)
	}

	ui, err := m.storeToken(record.UserID, record.Service, token)
	if err != nil {
		return nil, err
	}
	m.audit.Emit(audit.Event{
		UserIntegrationID: ui.ID,
		UserID:            ui.UserID,
		Action:            "oauth.connect",
		Resource:          ui.Service,
		Success:           true,
	})
	return ui, nil
}

// ConnectBasicAuth creates an integration for services that authenticate
// with username and password against a user-supplied endpoint.
func (m *Manager) ConnectBasicAuth(userID, service, username, password, endpoint string) (*db.UserIntegration, error) {
	cfg, err := m.registry.Config(service)
	if err != nil {
		return nil, err
	}
	if !cfg.UsesBasicAuth {
		return nil, integration.ValidationError(service, "service requires OAuth")
	}
	if username == "" || password == "" || endpoint == "" {
		return nil, integration.ValidationError(service, "username, password, and endpoint are required")
	}

	encrypted, err := m.encryptor.Encrypt(password)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt credentials: %w", err)
	}

	ui := &db.UserIntegration{
		UserID:      userID,
		Service:     service,
		AccessToken: encrypted,
		Username:    username,
		Endpoint:    endpoint,
		Enabled:     true,
	}
	if err := m.db.CreateUserIntegration(ui); err != nil {
		return nil, err
	}
	m.audit.Emit(audit.Event{
		UserIntegrationID: ui.ID,
		UserID:            userID,
		Action:            "integration.connect",
		Resource:          service,
		Success:           true,
	})
	return ui, nil
}

// Token returns decrypted, usable credentials for an integration,
// refreshing the access token first when it is within the expiry buffer.
// Concurrent callers for the same integration share one refresh.
func (m *Manager) Token(ctx context.Context, ui *db.UserIntegration) (integration.Token, error) {
	cfg, err := m.registry.Config(ui.Service)
	if err != nil {
		return integration.Token{}, err
	}

	if cfg.SupportsRefresh && m.needsRefresh(ui.TokenExpiresAt) {
		refreshed, err := m.refresh(ctx, cfg, ui)
		if err != nil {
			return integration.Token{}, err
		}
		ui = refreshed
	}

	return m.decryptToken(ui)
}

func (m *Manager) needsRefresh(expiresAt *time.Time) bool {
	return expiresAt != nil && time.Until(*expiresAt) < TokenExpiryBuffer
}

// refresh performs the refresh grant under a per-integration lock. The
// loser of the race re-reads the row and finds a fresh token.
func (m *Manager) refresh(ctx context.Context, cfg *integration.ServiceConfig, ui *db.UserIntegration) (*db.UserIntegration, error) {
	lock := m.refreshLock(ui.ID)
	lock.Lock()
	defer lock.Unlock()

	current, err := m.db.GetUserIntegrationByID(ui.ID)
	if err != nil {
		return nil, err
	}
	if !m.needsRefresh(current.TokenExpiresAt) {
		return current, nil
	}

	if current.RefreshToken == "" {
		return nil, integration.AuthenticationError(ui.Service, "token expired and no refresh token available", nil)
	}
	refreshToken, err := m.encryptor.Decrypt(current.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}

	creds := m.credentials[ui.Service]
	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
	source := m.oauthConfig(cfg, creds).TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})

	token, err := source.Token()
	if err != nil {
		return nil, integration.AuthenticationError(ui.Service, "token refresh failed", err)
	}

	log.Printf("[oauth] refreshed token for integration %s (%s)", ui.ID, ui.Service)
	return m.persistToken(current, token)
}

func (m *Manager) refreshLock(integrationID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.refreshing[integrationID]
	if !ok {
		lock = &sync.Mutex{}
		m.refreshing[integrationID] = lock
	}
	return lock
}

// Disconnect removes the integration. Mappings, jobs, and webhook
// registrations go with it through foreign keys; canonical items stay.
func (m *Manager) Disconnect(ui *db.UserIntegration) error {
	if err := m.db.DeleteUserIntegration(ui.ID); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.refreshing, ui.ID)
	m.mu.Unlock()
	log.Printf("[oauth] disconnected integration %s (%s) for user %s", ui.ID, ui.Service, ui.UserID)
	m.audit.Emit(audit.Event{
		UserIntegrationID: ui.ID,
		UserID:            ui.UserID,
		Action:            "integration.disconnect",
		Resource:          ui.Service,
		Success:           true,
	})
	return nil
}

func (m *Manager) storeToken(userID, service string, token *oauth2.Token) (*db.UserIntegration, error) {
	encAccess, err := m.encryptor.Encrypt(token.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt access token: %w", err)
	}
	encRefresh := ""
	if token.RefreshToken != "" {
		encRefresh, err = m.encryptor.Encrypt(token.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
	}
	var expiresAt *time.Time
	if !token.Expiry.IsZero() {
		t := token.Expiry.UTC()
		expiresAt = &t
	}

	existing, err := m.db.GetUserIntegration(userID, service)
	switch {
	case err == nil:
		// Reconnect: keep settings, swap credentials.
		if err := m.db.UpdateIntegrationTokens(existing.ID, encAccess, encRefresh, expiresAt); err != nil {
			return nil, err
		}
		return m.db.GetUserIntegrationByID(existing.ID)
	case errors.Is(err, db.ErrNotFound):
		ui := &db.UserIntegration{
			UserID:         userID,
			Service:        service,
			AccessToken:    encAccess,
			RefreshToken:   encRefresh,
			TokenExpiresAt: expiresAt,
			Enabled:        true,
		}
		if err := m.db.CreateUserIntegration(ui); err != nil {
			return nil, err
		}
		log.Printf("[oauth] connected %s for user %s", service, userID)
		return ui, nil
	default:
		return nil, err
	}
}

func (m *Manager) persistToken(ui *db.UserIntegration, token *oauth2.Token) (*db.UserIntegration, error) {
	encAccess, err := m.encryptor.Encrypt(token.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt access token: %w", err)
	}
	// Services may rotate the refresh token; keep the old one otherwise.
	encRefresh := ui.RefreshToken
	if token.RefreshToken != "" {
		encRefresh, err = m.encryptor.Encrypt(token.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
	}
	var expiresAt *time.Time
	if !token.Expiry.IsZero() {
		t := token.Expiry.UTC()
		expiresAt = &t
	}

	if err := m.db.UpdateIntegrationTokens(ui.ID, encAccess, encRefresh, expiresAt); err != nil {
		return nil, err
	}
	return m.db.GetUserIntegrationByID(ui.ID)
}

func (m *Manager) decryptToken(ui *db.UserIntegration) (integration.Token, error) {
	access, err := m.encryptor.Decrypt(ui.AccessToken)
	if err != nil {
		return integration.Token{}, fmt.Errorf("failed to decrypt access token: %w", err)
	}
	token := integration.Token{
		AccessToken: access,
		ExpiresAt:   ui.TokenExpiresAt,
		Username:    ui.Username,
		Endpoint:    ui.Endpoint,
	}
	if ui.RefreshToken != "" {
		refresh, err := m.encryptor.Decrypt(ui.RefreshToken)
		if err != nil {
			return integration.Token{}, fmt.Errorf("failed to decrypt refresh token: %w", err)
		}
		token.RefreshToken = refresh
	}
	return token, nil
}

func (m *Manager) oauthConfig(cfg *integration.ServiceConfig, creds ClientCredentials) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		RedirectURL:  creds.RedirectURL,
		Scopes:       cfg.OAuth.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  cfg.OAuth.AuthURL,
			TokenURL: cfg.OAuth.TokenURL,
		},
	}
}
