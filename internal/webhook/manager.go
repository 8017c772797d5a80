// Package webhook handles both directions of event notification: inbound
// vendor callbacks that trigger targeted reconciliation, and outbound
// deliveries to user-registered endpoints.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/dayflowhq/dayflow-sync/internal/audit"
	"github.com/dayflowhq/dayflow-sync/internal/db"
	"github.com/dayflowhq/dayflow-sync/internal/integration"
	"github.com/dayflowhq/dayflow-sync/internal/validator"
)

// Consecutive delivery failures before a registration is deactivated.
const deactivationThreshold = 5

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Webhook-Signature"

// Reconciler applies one external change to local state. Implemented by
// the sync engine.
type Reconciler interface {
	ReconcileSingle(ctx context.Context, ui *db.UserIntegration, event *integration.WebhookEvent) error
}

// Manager owns webhook registrations and routes inbound vendor events to
// the reconciler.
type Manager struct {
	db        *db.DB
	registry  *integration.Registry
	reconcile Reconciler
	validate  *validator.Validator
	audit     audit.Sink
}

// NewManager creates a webhook manager.
func NewManager(database *db.DB, registry *integration.Registry, reconcile Reconciler, v *validator.Validator, sink audit.Sink) *Manager {
	if v == nil {
		v = validator.New()
	}
	if sink == nil {
		sink = audit.NopSink{}
	}
	return &Manager{
		db:        database,
		registry:  registry,
		reconcile: reconcile,
		validate:  v,
		audit:     sink,
	}
}

// Register creates a registration for an integration: validates the
// target, generates a signing secret, and subscribes with the vendor when
// the service supports it. The secret is returned once; it is not
// retrievable later.
func (m *Manager) Register(ctx context.Context, ui *db.UserIntegration, targetURL string, events []string) (*db.WebhookRegistration, string, error) {
	if err := m.validate.ValidateWebhookURL(targetURL); err != nil {
		return nil, "", integration.ValidationError(ui.Service, fmt.Sprintf("invalid webhook URL: %v", err))
	}

	secret, err := generateSecret()
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate webhook secret: %w", err)
	}

	reg := &db.WebhookRegistration{
		UserIntegrationID: ui.ID,
		Service:           ui.Service,
		URL:               targetURL,
		Secret:            secret,
	}
	if len(events) > 0 {
		encoded, err := json.Marshal(events)
		if err != nil {
			return nil, "", fmt.Errorf("failed to encode subscribed events: %w", err)
		}
		reg.SubscribedEvents = string(encoded)
	}

	cfg, err := m.registry.Config(ui.Service)
	if err != nil {
		return nil, "", err
	}
	if cfg.SupportsWebhook {
		adapter, err := m.registry.New(ui.Service, nil)
		if err != nil {
			return nil, "", err
		}
		externalID, err := adapter.RegisterWebhook(ctx, targetURL)
		if err != nil {
			return nil, "", err
		}
		reg.ExternalWebhookID = externalID
	}

	if err := m.db.CreateWebhookRegistration(reg); err != nil {
		return nil, "", err
	}

	log.Printf("Registered webhook %s for integration %s -> %s", reg.ID, ui.ID, targetURL)
	m.audit.Emit(audit.Event{
		UserIntegrationID: ui.ID,
		UserID:            ui.UserID,
		Action:            "webhook.register",
		Resource:          reg.ID,
		Details:           map[string]interface{}{"url": targetURL},
		Success:           true,
	})
	return reg, secret, nil
}

// Unregister removes a registration and tears down the vendor-side
// subscription where one exists.
func (m *Manager) Unregister(ctx context.Context, registrationID string) error {
	reg, err := m.db.GetWebhookRegistration(registrationID)
	if err != nil {
		return err
	}

	if reg.ExternalWebhookID != "" {
		adapter, err := m.registry.New(reg.Service, nil)
		if err == nil {
			if err := adapter.UnregisterWebhook(ctx, reg.ExternalWebhookID); err != nil {
				// Vendor-side teardown is best effort; the local row still
				// goes away so deliveries stop.
				log.Printf("Failed to unregister vendor webhook %s: %v", reg.ExternalWebhookID, err)
			}
		}
	}

	if err := m.db.DeleteWebhookRegistration(registrationID); err != nil {
		return err
	}
	m.audit.Emit(audit.Event{
		UserIntegrationID: reg.UserIntegrationID,
		Action:            "webhook.unregister",
		Resource:          reg.ID,
		Success:           true,
	})
	return nil
}

// Reactivate clears a deactivated registration's failure count and turns
// it back on.
func (m *Manager) Reactivate(registrationID string) error {
	return m.db.ReactivateRegistration(registrationID)
}

// HandleInbound processes one vendor callback: parse it with the
// service's adapter, then reconcile the referenced item for every
// integration with an active registration subscribed to the event.
// Returns the number of integrations the event was dispatched to.
func (m *Manager) HandleInbound(ctx context.Context, service string, body []byte, headers http.Header) (int, error) {
	adapter, err := m.registry.New(service, nil)
	if err != nil {
		return 0, err
	}

	event, err := adapter.ParseWebhook(body, headers)
	if err != nil {
		return 0, err
	}
	// Vendor pings (Google's "sync" message) acknowledge the channel but
	// reference no item.
	if event.Action == "sync" || event.ExternalID == "" {
		return 0, nil
	}

	regs, err := m.db.GetActiveRegistrationsByService(service)
	if err != nil {
		return 0, err
	}

	signature := headers.Get(SignatureHeader)
	dispatched := 0
	for _, reg := range regs {
		// A signed request must verify against the registration's secret;
		// a mismatch aborts processing for that registration.
		if reg.Secret != "" && signature != "" && !VerifySignature(reg.Secret, body, signature) {
			log.Printf("Webhook signature mismatch for registration %s", reg.ID)
			continue
		}
		if !subscribed(reg.SubscribedEvents, event) {
			continue
		}

		ui, err := m.db.GetUserIntegrationByID(reg.UserIntegrationID)
		if err != nil || !ui.Enabled {
			continue
		}

		if err := m.reconcile.ReconcileSingle(ctx, ui, event); err != nil {
			log.Printf("Webhook reconcile failed for integration %s: %v", ui.ID, err)
			count, ferr := m.db.RecordRegistrationFailure(reg.ID, deactivationThreshold)
			if ferr != nil {
				log.Printf("Failed to record webhook failure for %s: %v", reg.ID, ferr)
			} else if count >= deactivationThreshold {
				log.Printf("Webhook registration %s deactivated after %d consecutive failures", reg.ID, count)
			}
			continue
		}

		if reg.FailureCount > 0 {
			if err := m.db.ResetRegistrationFailures(reg.ID); err != nil {
				log.Printf("Failed to reset webhook failures for %s: %v", reg.ID, err)
			}
		}
		dispatched++
	}
	return dispatched, nil
}

// subscribed reports whether a registration's event list covers the
// event. Entries match the full "type.action" key, the bare type, or the
// "*" wildcard.
func subscribed(encoded string, event *integration.WebhookEvent) bool {
	if encoded == "" {
		return true
	}
	var events []string
	if err := json.Unmarshal([]byte(encoded), &events); err != nil {
		return false
	}

	key := event.Type + "." + event.Action
	for _, entry := range events {
		if entry == "*" || entry == key || entry == event.Type {
			return true
		}
	}
	return false
}

// Sign computes the hex HMAC-SHA256 of payload under secret. Outbound
// deliveries carry it; endpoint owners recompute it to authenticate us.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a hex HMAC-SHA256 signature in constant time.
func VerifySignature(secret string, payload []byte, signature string) bool {
	expected := Sign(secret, payload)
	return hmac.Equal([]byte(expected), []byte(strings.TrimSpace(signature)))
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// NewEventID returns a unique identifier for an outbound event.
func NewEventID() string {
	return uuid.New().String()
}
