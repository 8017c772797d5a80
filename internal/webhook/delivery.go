package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	gosync "sync"
	"time"

	"github.com/dayflowhq/dayflow-sync/internal/db"
)

const (
	maxDeliveryAttempts = 3
	baseRetryDelay      = 30 * time.Second
	maxRetryDelay       = 5 * time.Minute
	pollInterval        = 5 * time.Second
	deliveryBatchSize   = 50
	deliveryTimeout     = 15 * time.Second
)

// Event describes one local change worth notifying endpoints about.
type Event struct {
	Type   string      `json:"type"`   // task | event | sync
	Action string      `json:"action"` // created | updated | deleted | completed
	ItemID string      `json:"item_id,omitempty"`
	Data   interface{} `json:"data,omitempty"`
}

// Payload is the body of one outbound delivery.
type Payload struct {
	EventID   string      `json:"event_id"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Deliverer queues and delivers outbound webhook notifications. Queued
// deliveries are durable rows, so pending notifications survive restarts.
type Deliverer struct {
	db     *db.DB
	client *http.Client

	mu      gosync.Mutex
	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	once    gosync.Once
}

// NewDeliverer creates a delivery worker. The client should be the
// validator's dialing client so private targets stay unreachable.
func NewDeliverer(database *db.DB, client *http.Client) *Deliverer {
	if client == nil {
		client = &http.Client{Timeout: deliveryTimeout}
	}
	return &Deliverer{
		db:     database,
		client: client,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Enqueue stores one notification per matching active registration of the
// integration. Delivery happens asynchronously.
func (d *Deliverer) Enqueue(integrationID string, event *Event) error {
	regs, err := d.db.GetRegistrationsForIntegration(integrationID)
	if err != nil {
		return err
	}

	payload := Payload{
		EventID:   NewEventID(),
		Timestamp: time.Now().UTC(),
		Data:      event,
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	for _, reg := range regs {
		if !reg.Active {
			continue
		}
		delivery := &db.WebhookDelivery{
			RegistrationID: reg.ID,
			EventID:        payload.EventID,
			Payload:        string(encoded),
		}
		if err := d.db.EnqueueWebhookDelivery(delivery); err != nil {
			return err
		}
	}
	return nil
}

// Start launches the delivery loop.
func (d *Deliverer) Start() {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	go d.loop()
}

// Stop shuts the delivery loop down and waits for the in-flight batch.
func (d *Deliverer) Stop() {
	d.once.Do(func() { close(d.stopCh) })

	d.mu.Lock()
	started := d.started
	d.mu.Unlock()
	if started {
		<-d.doneCh
	}
}

func (d *Deliverer) loop() {
	defer close(d.doneCh)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.DeliverDue()
		}
	}
}

// DeliverDue attempts every delivery whose retry time has arrived.
// Exported so tests and manual flushes can drive the queue without the
// polling loop.
func (d *Deliverer) DeliverDue() {
	deliveries, err := d.db.GetDueDeliveries(deliveryBatchSize)
	if err != nil {
		log.Printf("Failed to load due webhook deliveries: %v", err)
		return
	}

	for _, delivery := range deliveries {
		d.attempt(delivery)
	}
}

func (d *Deliverer) attempt(delivery *db.WebhookDelivery) {
	reg, err := d.db.GetWebhookRegistration(delivery.RegistrationID)
	if err != nil {
		// Registration is gone; the delivery has nowhere to go.
		d.fail(delivery, "registration no longer exists", true)
		return
	}
	if !reg.Active {
		d.fail(delivery, "registration is deactivated", true)
		return
	}

	if err := d.post(reg, delivery); err != nil {
		attempts := delivery.Attempts + 1
		exhausted := attempts >= maxDeliveryAttempts
		d.fail(delivery, err.Error(), exhausted)

		if _, ferr := d.db.RecordRegistrationFailure(reg.ID, deactivationThreshold); ferr != nil {
			log.Printf("Failed to record delivery failure for %s: %v", reg.ID, ferr)
		}
		log.Printf("Webhook delivery %s to %s failed (attempt %d): %v", delivery.ID, reg.URL, attempts, err)
		return
	}

	if err := d.db.MarkDeliveryDelivered(delivery.ID); err != nil {
		log.Printf("Failed to mark delivery %s delivered: %v", delivery.ID, err)
	}
	if reg.FailureCount > 0 {
		if err := d.db.ResetRegistrationFailures(reg.ID); err != nil {
			log.Printf("Failed to reset failures for %s: %v", reg.ID, err)
		}
	}
}

func (d *Deliverer) post(reg *db.WebhookRegistration, delivery *db.WebhookDelivery) error {
	body := []byte(delivery.Payload)

	req, err := http.NewRequest(http.MethodPost, reg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(reg.Secret, body))

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

func (d *Deliverer) fail(delivery *db.WebhookDelivery, reason string, exhausted bool) {
	next := time.Now().UTC().Add(retryDelay(delivery.Attempts + 1))
	if err := d.db.MarkDeliveryFailed(delivery.ID, next, reason, exhausted); err != nil {
		log.Printf("Failed to mark delivery %s failed: %v", delivery.ID, err)
	}
}

// retryDelay doubles per attempt and caps at maxRetryDelay.
func retryDelay(attempt int) time.Duration {
	delay := baseRetryDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return delay
}
