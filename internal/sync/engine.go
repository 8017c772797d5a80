// Package sync orchestrates synchronization runs between canonical items
// and external services: job lifecycle, per-item reconciliation, conflict
// handling, and the two-way push of unmapped local items.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	gosync "sync"
	"time"

	"github.com/dayflowhq/dayflow-sync/internal/audit"
	"github.com/dayflowhq/dayflow-sync/internal/db"
	"github.com/dayflowhq/dayflow-sync/internal/integration"
	"github.com/dayflowhq/dayflow-sync/internal/transform"
	"github.com/dayflowhq/dayflow-sync/internal/webhook"
)

const syncTimeout = 10 * time.Minute

// TokenSource provides fresh credentials for an integration. Implemented
// by the OAuth manager; tests substitute a stub.
type TokenSource interface {
	Token(ctx context.Context, ui *db.UserIntegration) (integration.Token, error)
}

// Notifier queues outbound notifications for local item changes.
// Implemented by the webhook deliverer; nil disables notification.
type Notifier interface {
	Enqueue(integrationID string, event *webhook.Event) error
}

// Engine runs sync jobs. Jobs are durable rows; the engine owns the
// in-process execution and cooperative cancellation of the jobs it
// started. Jobs interrupted by a crash are failed at startup and converge
// on the next run because reconciliation is idempotent.
type Engine struct {
	db          *db.DB
	registry    *integration.Registry
	transformer *transform.Transformer
	detector    *transform.Detector
	tokens      TokenSource
	audit       audit.Sink
	notify      Notifier
	httpClient  *http.Client

	mu      gosync.Mutex
	cancels map[string]context.CancelFunc
	wg      gosync.WaitGroup
}

// NewEngine creates a sync engine.
func NewEngine(database *db.DB, registry *integration.Registry, transformer *transform.Transformer, tokens TokenSource, sink audit.Sink, notify Notifier, httpClient *http.Client) *Engine {
	if sink == nil {
		sink = audit.NopSink{}
	}
	return &Engine{
		db:          database,
		registry:    registry,
		transformer: transformer,
		detector:    transform.NewDetector(),
		tokens:      tokens,
		audit:       sink,
		notify:      notify,
		httpClient:  httpClient,
		cancels:     make(map[string]context.CancelFunc),
	}
}

// RecoverInterrupted fails jobs left non-terminal by a previous process.
// Called once at startup before the scheduler starts.
func (e *Engine) RecoverInterrupted() error {
	n, err := e.db.FailInterruptedJobs("interrupted by restart")
	if err != nil {
		return err
	}
	if n > 0 {
		log.Printf("Failed %d sync jobs interrupted by restart", n)
	}
	return nil
}

// StartJob creates a job and begins executing it in the background. The
// returned job carries the identifier callers poll with; it is valid
// immediately, before any work happens.
func (e *Engine) StartJob(integrationID string, kind db.JobKind) (*db.SyncJob, error) {
	job, ui, ctx, err := e.prepare(integrationID, kind)
	if err != nil {
		return nil, err
	}

	e.wg.Add(1)
	go e.run(ctx, job, ui)

	return job, nil
}

// RunSync executes one sync to completion and returns the finished job.
// Used by the scheduler, which serializes runs per integration itself.
func (e *Engine) RunSync(integrationID string, kind db.JobKind) (*db.SyncJob, error) {
	job, ui, ctx, err := e.prepare(integrationID, kind)
	if err != nil {
		return nil, err
	}

	e.wg.Add(1)
	e.run(ctx, job, ui)

	return e.db.GetSyncJob(job.ID)
}

// prepare validates the request, writes the pending job row, and registers
// the cancellation handle.
func (e *Engine) prepare(integrationID string, kind db.JobKind) (*db.SyncJob, *db.UserIntegration, context.Context, error) {
	if !kind.IsValid() {
		return nil, nil, nil, integration.ValidationError("", fmt.Sprintf("invalid job kind %q", kind))
	}
	ui, err := e.db.GetUserIntegrationByID(integrationID)
	if err != nil {
		return nil, nil, nil, err
	}
	if !ui.Enabled {
		return nil, nil, nil, integration.ValidationError(ui.Service, "integration is disabled")
	}

	job := &db.SyncJob{UserIntegrationID: ui.ID, Kind: kind}
	if err := e.db.CreateSyncJob(job); err != nil {
		return nil, nil, nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
	e.mu.Lock()
	e.cancels[job.ID] = cancel
	e.mu.Unlock()

	return job, ui, ctx, nil
}

// Cancel requests cooperative cancellation of a running job. Items already
// reconciled stay applied; there is no rollback. The next sync converges
// whatever was left undone.
func (e *Engine) Cancel(jobID string) error {
	e.mu.Lock()
	cancel, ok := e.cancels[jobID]
	e.mu.Unlock()
	if ok {
		cancel()
		return nil
	}

	job, err := e.db.GetSyncJob(jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return integration.ValidationError("", fmt.Sprintf("job already %s", job.Status))
	}
	return integration.ValidationError("", "job is not running in this process")
}

// Wait blocks until all in-flight jobs finish. Used during shutdown.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) run(ctx context.Context, job *db.SyncJob, ui *db.UserIntegration) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		if cancel, ok := e.cancels[job.ID]; ok {
			cancel()
			delete(e.cancels, job.ID)
		}
		e.mu.Unlock()
	}()

	if err := e.db.MarkJobRunning(job.ID); err != nil {
		log.Printf("Sync job %s could not start: %v", job.ID, err)
		return
	}
	if err := e.db.UpdateIntegrationSyncStatus(ui.ID, db.SyncStatusSyncing); err != nil {
		log.Printf("Failed to update sync status for %s: %v", ui.ID, err)
	}

	start := time.Now()
	result := &integration.SyncResult{}
	err := e.execute(ctx, job, ui, result)
	result.Duration = time.Since(start)

	e.finishJob(job, ui, result, err)
}

func (e *Engine) execute(ctx context.Context, job *db.SyncJob, ui *db.UserIntegration, result *integration.SyncResult) error {
	adapter, err := e.adapter(ctx, ui)
	if err != nil {
		return err
	}
	defer adapter.Disconnect(context.Background())

	cfg := adapter.Config()

	var modifiedSince *time.Time
	if job.Kind == db.JobIncrementalSync && ui.LastSyncAt != nil {
		modifiedSince = ui.LastSyncAt
	}

	switch job.Kind {
	case db.JobTaskSync:
		if !cfg.Supports(integration.CapabilityTasks) {
			return integration.UnsupportedError(ui.Service, "task_sync")
		}
		return e.syncTasks(ctx, job, ui, adapter, modifiedSince, result)
	case db.JobEventSync:
		if !cfg.Supports(integration.CapabilityCalendar) {
			return integration.UnsupportedError(ui.Service, "event_sync")
		}
		return e.syncEvents(ctx, job, ui, adapter, modifiedSince, result)
	default: // full or incremental: every capability the service has
		if cfg.Supports(integration.CapabilityTasks) {
			if err := e.syncTasks(ctx, job, ui, adapter, modifiedSince, result); err != nil {
				return err
			}
		}
		if cfg.Supports(integration.CapabilityCalendar) {
			if err := e.syncEvents(ctx, job, ui, adapter, modifiedSince, result); err != nil {
				return err
			}
		}
		return nil
	}
}

// adapter builds an authenticated adapter instance for one integration.
func (e *Engine) adapter(ctx context.Context, ui *db.UserIntegration) (integration.Adapter, error) {
	adapter, err := e.registry.New(ui.Service, e.httpClient)
	if err != nil {
		return nil, err
	}
	if err := adapter.Initialize(ctx); err != nil {
		return nil, err
	}
	token, err := e.tokens.Token(ctx, ui)
	if err != nil {
		return nil, err
	}
	if err := adapter.Authenticate(token); err != nil {
		return nil, err
	}
	return adapter, nil
}

// syncTasks reconciles external tasks into local state and, for two-way
// integrations, pushes unmapped local tasks out. Item failures are
// recorded and skipped; only list-level failures abort the run.
func (e *Engine) syncTasks(ctx context.Context, job *db.SyncJob, ui *db.UserIntegration, adapter integration.Adapter, modifiedSince *time.Time, result *integration.SyncResult) error {
	externals, err := adapter.ListTasks(ctx, modifiedSince)
	if err != nil {
		return err
	}

	locals, err := e.db.GetTasksByUser(ui.UserID)
	if err != nil {
		return err
	}
	mapped, err := e.mappedInternalIDs(ui.ID)
	if err != nil {
		return err
	}

	for i := range externals {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.reconcileTask(job, ui, &externals[i], locals, mapped, result); err != nil {
			result.Errors = append(result.Errors, integration.SyncError{
				ExternalID: externals[i].ID,
				ItemType:   string(integration.ItemTypeTask),
				Message:    err.Error(),
			})
			result.Skipped++
		}
	}

	if ui.SyncDirection == db.SyncDirectionTwoWay {
		if err := e.pushTasks(ctx, ui, adapter, result); err != nil {
			return err
		}
	}
	return nil
}

// reconcileTask folds one external task into local state and updates the
// run counters for the bucket the item landed in.
func (e *Engine) reconcileTask(job *db.SyncJob, ui *db.UserIntegration, ext *integration.ExternalTask, locals []*db.Task, mapped map[string]bool, result *integration.SyncResult) error {
	incoming, err := e.transformer.TaskFromExternal(ui.Service, ext)
	if err != nil {
		return err
	}
	incoming.UserID = ui.UserID

	mapping, err := e.db.GetExternalItem(ui.ID, ext.ID)
	switch {
	case err == nil:
		return e.reconcileMappedTask(job, ui, ext, incoming, mapping, result)
	case errors.Is(err, db.ErrNotFound):
		return e.reconcileUnmappedTask(job, ui, ext, incoming, locals, mapped, result)
	default:
		return err
	}
}

func (e *Engine) reconcileMappedTask(job *db.SyncJob, ui *db.UserIntegration, ext *integration.ExternalTask, incoming *integration.Task, mapping *db.ExternalItem, result *integration.SyncResult) error {
	row, err := e.db.GetTask(mapping.InternalItemID)
	if errors.Is(err, db.ErrNotFound) {
		// Local side was erased out of band; recreate from the external
		// record and repoint the mapping.
		return e.createTaskFromExternal(ui, ext, incoming, result)
	}
	if err != nil {
		return err
	}

	local := taskFromRow(row)
	detection := e.detector.DetectTask(local, incoming)

	if detection.HasConflicts() {
		if ui.ConflictResolution == db.ResolutionManual {
			e.recordConflict(job, ui, integration.ItemTypeTask, row.ID, ext.ID, detection, result)
			return nil
		}
		winner := resolveTask(ui.ConflictResolution, local, incoming, row.UpdatedAt, ext.ModifiedAt)
		return e.updateTaskFromExternal(ui, ext, winner, row, mapping, result)
	}

	if tasksEqual(local, incoming) {
		result.Skipped++
		return nil
	}
	// A stale external snapshot must not clobber a later local edit. The
	// external copy is applied only when it is strictly newer; vendors that
	// report no modification time cannot be aged and are applied as is.
	if !ext.ModifiedAt.IsZero() && !ext.ModifiedAt.After(row.UpdatedAt) {
		result.Skipped++
		return nil
	}
	return e.updateTaskFromExternal(ui, ext, incoming, row, mapping, result)
}

func (e *Engine) reconcileUnmappedTask(job *db.SyncJob, ui *db.UserIntegration, ext *integration.ExternalTask, incoming *integration.Task, locals []*db.Task, mapped map[string]bool, result *integration.SyncResult) error {
	candidates := matchTasks(withoutMappedTasks(locals, mapped), incoming)

	switch len(candidates) {
	case 0:
		return e.createTaskFromExternal(ui, ext, incoming, result)
	case 1:
		row := candidates[0]
		local := taskFromRow(row)
		detection := e.detector.DetectTask(local, incoming)

		if detection.HasConflicts() && ui.ConflictResolution == db.ResolutionManual {
			e.recordConflict(job, ui, integration.ItemTypeTask, row.ID, ext.ID, detection, result)
			return nil
		}

		winner := incoming
		if detection.HasConflicts() {
			winner = resolveTask(ui.ConflictResolution, local, incoming, row.UpdatedAt, ext.ModifiedAt)
		}
		mapping := &db.ExternalItem{
			UserIntegrationID:  ui.ID,
			ExternalID:         ext.ID,
			ExternalService:    ui.Service,
			ExternalModifiedAt: modifiedAtPtr(ext.ModifiedAt),
		}
		mapped[row.ID] = true
		return e.updateTaskFromExternal(ui, ext, winner, row, mapping, result)
	default:
		// Ambiguous correlation. Guessing wrong would merge unrelated
		// items, so surface it instead.
		detection := transform.Detection{Types: []transform.ConflictType{transform.ConflictDuplicate}}
		e.recordConflict(job, ui, integration.ItemTypeTask, candidates[0].ID, ext.ID, detection, result)
		return nil
	}
}

func (e *Engine) createTaskFromExternal(ui *db.UserIntegration, ext *integration.ExternalTask, incoming *integration.Task, result *integration.SyncResult) error {
	row := &db.Task{UserID: ui.UserID}
	applyTaskToRow(row, incoming)

	mapping := &db.ExternalItem{
		UserIntegrationID:  ui.ID,
		ExternalID:         ext.ID,
		ExternalService:    ui.Service,
		ExternalModifiedAt: modifiedAtPtr(ext.ModifiedAt),
	}
	if err := e.db.SaveTaskWithMapping(row, mapping, true); err != nil {
		return err
	}
	result.Created++
	e.notifyChange(ui, integration.ItemTypeTask, "created", row.ID)
	return nil
}

func (e *Engine) updateTaskFromExternal(ui *db.UserIntegration, ext *integration.ExternalTask, winner *integration.Task, row *db.Task, mapping *db.ExternalItem, result *integration.SyncResult) error {
	applyTaskToRow(row, winner)
	mapping.ExternalModifiedAt = modifiedAtPtr(ext.ModifiedAt)
	if err := e.db.SaveTaskWithMapping(row, mapping, false); err != nil {
		return err
	}
	result.Updated++
	e.notifyChange(ui, integration.ItemTypeTask, "updated", row.ID)
	return nil
}

// pushTasks creates external counterparts for local tasks that have no
// mapping yet. Only runs for two-way integrations.
func (e *Engine) pushTasks(ctx context.Context, ui *db.UserIntegration, adapter integration.Adapter, result *integration.SyncResult) error {
	locals, err := e.db.GetTasksByUser(ui.UserID)
	if err != nil {
		return err
	}
	mapped, err := e.mappedInternalIDs(ui.ID)
	if err != nil {
		return err
	}

	for _, row := range withoutMappedTasks(locals, mapped) {
		if err := ctx.Err(); err != nil {
			return err
		}

		ext, err := adapter.CreateTask(ctx, taskFromRow(row))
		if err != nil {
			result.Errors = append(result.Errors, integration.SyncError{
				ItemType: string(integration.ItemTypeTask),
				Message:  fmt.Sprintf("push %s: %v", row.ID, err),
			})
			result.Skipped++
			continue
		}

		mapping := &db.ExternalItem{
			UserIntegrationID:  ui.ID,
			ExternalID:         ext.ID,
			ExternalService:    ui.Service,
			ItemType:           string(integration.ItemTypeTask),
			InternalItemID:     row.ID,
			ExternalModifiedAt: modifiedAtPtr(ext.ModifiedAt),
		}
		if err := e.db.UpsertExternalItem(mapping); err != nil {
			result.Errors = append(result.Errors, integration.SyncError{
				ExternalID: ext.ID,
				ItemType:   string(integration.ItemTypeTask),
				Message:    err.Error(),
			})
			result.Skipped++
			continue
		}
		result.Created++
	}
	return nil
}

func (e *Engine) syncEvents(ctx context.Context, job *db.SyncJob, ui *db.UserIntegration, adapter integration.Adapter, modifiedSince *time.Time, result *integration.SyncResult) error {
	externals, err := adapter.ListEvents(ctx, modifiedSince)
	if err != nil {
		return err
	}

	locals, err := e.db.GetEventsByUser(ui.UserID)
	if err != nil {
		return err
	}
	mapped, err := e.mappedInternalIDs(ui.ID)
	if err != nil {
		return err
	}

	for i := range externals {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.reconcileEvent(job, ui, &externals[i], locals, mapped, result); err != nil {
			result.Errors = append(result.Errors, integration.SyncError{
				ExternalID: externals[i].ID,
				ItemType:   string(integration.ItemTypeEvent),
				Message:    err.Error(),
			})
			result.Skipped++
		}
	}

	if ui.SyncDirection == db.SyncDirectionTwoWay {
		if err := e.pushEvents(ctx, ui, adapter, result); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) reconcileEvent(job *db.SyncJob, ui *db.UserIntegration, ext *integration.ExternalEvent, locals []*db.Event, mapped map[string]bool, result *integration.SyncResult) error {
	incoming, err := e.transformer.EventFromExternal(ui.Service, ext)
	if err != nil {
		return err
	}
	incoming.UserID = ui.UserID

	mapping, err := e.db.GetExternalItem(ui.ID, ext.ID)
	switch {
	case err == nil:
		return e.reconcileMappedEvent(job, ui, ext, incoming, mapping, result)
	case errors.Is(err, db.ErrNotFound):
		return e.reconcileUnmappedEvent(job, ui, ext, incoming, locals, mapped, result)
	default:
		return err
	}
}

func (e *Engine) reconcileMappedEvent(job *db.SyncJob, ui *db.UserIntegration, ext *integration.ExternalEvent, incoming *integration.Event, mapping *db.ExternalItem, result *integration.SyncResult) error {
	row, err := e.db.GetEvent(mapping.InternalItemID)
	if errors.Is(err, db.ErrNotFound) {
		return e.createEventFromExternal(ui, ext, incoming, result)
	}
	if err != nil {
		return err
	}

	local := eventFromRow(row)
	detection := e.detector.DetectEvent(local, incoming)

	if detection.HasConflicts() {
		if ui.ConflictResolution == db.ResolutionManual {
			e.recordConflict(job, ui, integration.ItemTypeEvent, row.ID, ext.ID, detection, result)
			return nil
		}
		winner := resolveEvent(ui.ConflictResolution, local, incoming, row.UpdatedAt, ext.ModifiedAt)
		return e.updateEventFromExternal(ui, ext, winner, row, mapping, result)
	}

	if eventsEqual(local, incoming) {
		result.Skipped++
		return nil
	}
	if !ext.ModifiedAt.IsZero() && !ext.ModifiedAt.After(row.UpdatedAt) {
		result.Skipped++
		return nil
	}
	return e.updateEventFromExternal(ui, ext, incoming, row, mapping, result)
}

func (e *Engine) reconcileUnmappedEvent(job *db.SyncJob, ui *db.UserIntegration, ext *integration.ExternalEvent, incoming *integration.Event, locals []*db.Event, mapped map[string]bool, result *integration.SyncResult) error {
	candidates := matchEvents(withoutMappedEvents(locals, mapped), incoming)

	switch len(candidates) {
	case 0:
		return e.createEventFromExternal(ui, ext, incoming, result)
	case 1:
		row := candidates[0]
		local := eventFromRow(row)
		detection := e.detector.DetectEvent(local, incoming)

		if detection.HasConflicts() && ui.ConflictResolution == db.ResolutionManual {
			e.recordConflict(job, ui, integration.ItemTypeEvent, row.ID, ext.ID, detection, result)
			return nil
		}

		winner := incoming
		if detection.HasConflicts() {
			winner = resolveEvent(ui.ConflictResolution, local, incoming, row.UpdatedAt, ext.ModifiedAt)
		}
		mapping := &db.ExternalItem{
			UserIntegrationID:  ui.ID,
			ExternalID:         ext.ID,
			ExternalService:    ui.Service,
			ExternalModifiedAt: modifiedAtPtr(ext.ModifiedAt),
		}
		mapped[row.ID] = true
		return e.updateEventFromExternal(ui, ext, winner, row, mapping, result)
	default:
		detection := transform.Detection{Types: []transform.ConflictType{transform.ConflictDuplicate}}
		e.recordConflict(job, ui, integration.ItemTypeEvent, candidates[0].ID, ext.ID, detection, result)
		return nil
	}
}

func (e *Engine) createEventFromExternal(ui *db.UserIntegration, ext *integration.ExternalEvent, incoming *integration.Event, result *integration.SyncResult) error {
	row := &db.Event{UserID: ui.UserID}
	applyEventToRow(row, incoming)

	mapping := &db.ExternalItem{
		UserIntegrationID:  ui.ID,
		ExternalID:         ext.ID,
		ExternalService:    ui.Service,
		ExternalModifiedAt: modifiedAtPtr(ext.ModifiedAt),
	}
	if err := e.db.SaveEventWithMapping(row, mapping, true); err != nil {
		return err
	}
	result.Created++
	e.notifyChange(ui, integration.ItemTypeEvent, "created", row.ID)
	return nil
}

func (e *Engine) updateEventFromExternal(ui *db.UserIntegration, ext *integration.ExternalEvent, winner *integration.Event, row *db.Event, mapping *db.ExternalItem, result *integration.SyncResult) error {
	applyEventToRow(row, winner)
	mapping.ExternalModifiedAt = modifiedAtPtr(ext.ModifiedAt)
	if err := e.db.SaveEventWithMapping(row, mapping, false); err != nil {
		return err
	}
	result.Updated++
	e.notifyChange(ui, integration.ItemTypeEvent, "updated", row.ID)
	return nil
}

func (e *Engine) pushEvents(ctx context.Context, ui *db.UserIntegration, adapter integration.Adapter, result *integration.SyncResult) error {
	locals, err := e.db.GetEventsByUser(ui.UserID)
	if err != nil {
		return err
	}
	mapped, err := e.mappedInternalIDs(ui.ID)
	if err != nil {
		return err
	}

	for _, row := range withoutMappedEvents(locals, mapped) {
		if err := ctx.Err(); err != nil {
			return err
		}

		ext, err := adapter.CreateEvent(ctx, eventFromRow(row))
		if err != nil {
			result.Errors = append(result.Errors, integration.SyncError{
				ItemType: string(integration.ItemTypeEvent),
				Message:  fmt.Sprintf("push %s: %v", row.ID, err),
			})
			result.Skipped++
			continue
		}

		mapping := &db.ExternalItem{
			UserIntegrationID:  ui.ID,
			ExternalID:         ext.ID,
			ExternalService:    ui.Service,
			ItemType:           string(integration.ItemTypeEvent),
			InternalItemID:     row.ID,
			ExternalModifiedAt: modifiedAtPtr(ext.ModifiedAt),
		}
		if err := e.db.UpsertExternalItem(mapping); err != nil {
			result.Errors = append(result.Errors, integration.SyncError{
				ExternalID: ext.ID,
				ItemType:   string(integration.ItemTypeEvent),
				Message:    err.Error(),
			})
			result.Skipped++
			continue
		}
		result.Created++
	}
	return nil
}

// ReconcileSingle handles one inbound webhook notification: fetch the
// referenced item and fold it into local state the same way a sync run
// would.
func (e *Engine) ReconcileSingle(ctx context.Context, ui *db.UserIntegration, event *integration.WebhookEvent) error {
	if event.Action == "deleted" {
		return e.applyExternalDeletion(ui, event)
	}

	adapter, err := e.adapter(ctx, ui)
	if err != nil {
		return err
	}
	defer adapter.Disconnect(context.Background())

	job := &db.SyncJob{UserIntegrationID: ui.ID}
	result := &integration.SyncResult{}
	switch event.Type {
	case string(integration.ItemTypeTask):
		ext, err := adapter.GetTask(ctx, event.ExternalID)
		if err != nil {
			return err
		}
		locals, err := e.db.GetTasksByUser(ui.UserID)
		if err != nil {
			return err
		}
		mapped, err := e.mappedInternalIDs(ui.ID)
		if err != nil {
			return err
		}
		return e.reconcileTask(job, ui, ext, locals, mapped, result)
	case string(integration.ItemTypeEvent):
		ext, err := adapter.GetEvent(ctx, event.ExternalID)
		if err != nil {
			return err
		}
		locals, err := e.db.GetEventsByUser(ui.UserID)
		if err != nil {
			return err
		}
		mapped, err := e.mappedInternalIDs(ui.ID)
		if err != nil {
			return err
		}
		return e.reconcileEvent(job, ui, ext, locals, mapped, result)
	default:
		return integration.ValidationError(ui.Service, fmt.Sprintf("unhandled item type %q", event.Type))
	}
}

// applyExternalDeletion removes the local counterpart of an externally
// deleted item along with its mapping. An unknown external ID is a no-op.
func (e *Engine) applyExternalDeletion(ui *db.UserIntegration, event *integration.WebhookEvent) error {
	mapping, err := e.db.GetExternalItem(ui.ID, event.ExternalID)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	switch mapping.ItemType {
	case string(integration.ItemTypeTask):
		if err := e.db.DeleteTask(mapping.InternalItemID); err != nil && !errors.Is(err, db.ErrNotFound) {
			return err
		}
	case string(integration.ItemTypeEvent):
		if err := e.db.DeleteEvent(mapping.InternalItemID); err != nil && !errors.Is(err, db.ErrNotFound) {
			return err
		}
	}
	if err := e.db.DeleteExternalItem(ui.ID, event.ExternalID); err != nil {
		return err
	}
	e.notifyChange(ui, integration.ItemType(mapping.ItemType), "deleted", mapping.InternalItemID)
	return nil
}

// ResolveConflict applies a user's resolution choice to a pending
// conflict.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID string, choice db.ConflictResolution) error {
	if !choice.IsValid() {
		return integration.ValidationError("", fmt.Sprintf("invalid resolution %q", choice))
	}

	conflict, err := e.db.GetSyncConflict(conflictID)
	if err != nil {
		return err
	}
	if conflict.ResolvedAt != nil {
		return integration.ValidationError("", "conflict already resolved")
	}

	ui, err := e.db.GetUserIntegrationByID(conflict.UserIntegrationID)
	if err != nil {
		return err
	}

	if choice != db.ResolutionManual {
		if err := e.applyResolution(ctx, ui, conflict, choice); err != nil {
			return err
		}
	}
	if err := e.db.ResolveSyncConflict(conflictID, string(choice)); err != nil {
		return err
	}

	e.audit.Emit(audit.Event{
		UserIntegrationID: ui.ID,
		UserID:            ui.UserID,
		Action:            "conflict.resolve",
		Resource:          conflictID,
		Details:           map[string]interface{}{"resolution": string(choice)},
		Success:           true,
	})
	return nil
}

// applyResolution re-fetches the external side and applies the chosen
// policy to the conflicted pair.
func (e *Engine) applyResolution(ctx context.Context, ui *db.UserIntegration, conflict *db.SyncConflict, choice db.ConflictResolution) error {
	adapter, err := e.adapter(ctx, ui)
	if err != nil {
		return err
	}
	defer adapter.Disconnect(context.Background())

	mapping := &db.ExternalItem{
		UserIntegrationID: ui.ID,
		ExternalID:        conflict.ExternalID,
		ExternalService:   ui.Service,
	}

	switch conflict.ItemType {
	case string(integration.ItemTypeTask):
		ext, err := adapter.GetTask(ctx, conflict.ExternalID)
		if err != nil {
			return err
		}
		incoming, err := e.transformer.TaskFromExternal(ui.Service, ext)
		if err != nil {
			return err
		}
		incoming.UserID = ui.UserID

		row, err := e.db.GetTask(conflict.LocalItemID)
		if err != nil {
			return err
		}
		winner := resolveTask(choice, taskFromRow(row), incoming, row.UpdatedAt, ext.ModifiedAt)
		applyTaskToRow(row, winner)
		mapping.ExternalModifiedAt = modifiedAtPtr(ext.ModifiedAt)
		if err := e.db.SaveTaskWithMapping(row, mapping, false); err != nil {
			return err
		}
		e.notifyChange(ui, integration.ItemTypeTask, "updated", row.ID)
		return nil
	case string(integration.ItemTypeEvent):
		ext, err := adapter.GetEvent(ctx, conflict.ExternalID)
		if err != nil {
			return err
		}
		incoming, err := e.transformer.EventFromExternal(ui.Service, ext)
		if err != nil {
			return err
		}
		incoming.UserID = ui.UserID

		row, err := e.db.GetEvent(conflict.LocalItemID)
		if err != nil {
			return err
		}
		winner := resolveEvent(choice, eventFromRow(row), incoming, row.UpdatedAt, ext.ModifiedAt)
		applyEventToRow(row, winner)
		mapping.ExternalModifiedAt = modifiedAtPtr(ext.ModifiedAt)
		if err := e.db.SaveEventWithMapping(row, mapping, false); err != nil {
			return err
		}
		e.notifyChange(ui, integration.ItemTypeEvent, "updated", row.ID)
		return nil
	default:
		return integration.ValidationError(ui.Service, "unknown conflict item type")
	}
}

func (e *Engine) recordConflict(job *db.SyncJob, ui *db.UserIntegration, itemType integration.ItemType, localID, externalID string, detection transform.Detection, result *integration.SyncResult) {
	types, err := json.Marshal(detection.Types)
	if err != nil {
		types = []byte("[]")
	}
	conflict := &db.SyncConflict{
		JobID:             job.ID,
		UserIntegrationID: ui.ID,
		ItemType:          string(itemType),
		LocalItemID:       localID,
		ExternalID:        externalID,
		ConflictTypes:     string(types),
		Score:             detection.Score,
	}
	if err := e.db.CreateSyncConflict(conflict); err != nil {
		log.Printf("Failed to record conflict for %s: %v", externalID, err)
		return
	}
	result.Conflicts++
}

// finishJob writes the terminal job state and emits audit/log output.
func (e *Engine) finishJob(job *db.SyncJob, ui *db.UserIntegration, result *integration.SyncResult, runErr error) {
	switch {
	case runErr != nil && errors.Is(runErr, context.Canceled):
		job.Status = db.JobStatusCancelled
		result.Status = integration.SyncResultPartial
	case runErr != nil && errors.Is(runErr, context.DeadlineExceeded):
		job.Status = db.JobStatusFailed
		result.Status = integration.SyncResultError
		result.Errors = append(result.Errors, integration.SyncError{Message: "sync timed out"})
	case runErr != nil:
		job.Status = db.JobStatusFailed
		result.Status = integration.SyncResultError
		result.Errors = append(result.Errors, integration.SyncError{Message: runErr.Error()})
	case len(result.Errors) > 0 || result.Conflicts > 0:
		// Unresolved conflicts count against success the same way item
		// errors do; those items are still pending.
		job.Status = db.JobStatusCompleted
		result.Status = integration.SyncResultPartial
	default:
		job.Status = db.JobStatusCompleted
		result.Status = integration.SyncResultSuccess
	}

	job.ResultStatus = string(result.Status)
	job.Created = result.Created
	job.Updated = result.Updated
	job.Skipped = result.Skipped
	if len(result.Errors) > 0 {
		if encoded, err := json.Marshal(result.Errors); err == nil {
			job.Errors = string(encoded)
		}
	}

	if err := e.db.FinishJob(job); err != nil {
		log.Printf("Failed to finish sync job %s: %v", job.ID, err)
	}

	// Only a fully clean run advances the incremental watermark; partial
	// and cancelled runs keep it so unprocessed items are retried.
	syncStatus := db.SyncStatusError
	if result.Status == integration.SyncResultSuccess {
		syncStatus = db.SyncStatusSuccess
	}
	if err := e.db.UpdateIntegrationSyncStatus(ui.ID, syncStatus); err != nil {
		log.Printf("Failed to update sync status for %s: %v", ui.ID, err)
	}

	log.Printf("Sync job %s (%s/%s) finished %s: %d created, %d updated, %d skipped, %d conflicts in %v",
		job.ID, ui.Service, job.Kind, job.Status, result.Created, result.Updated, result.Skipped, result.Conflicts, result.Duration)

	e.audit.Emit(audit.Event{
		UserIntegrationID: ui.ID,
		UserID:            ui.UserID,
		Action:            "sync." + string(job.Kind),
		Resource:          job.ID,
		Details: map[string]interface{}{
			"created": result.Created,
			"updated": result.Updated,
			"skipped": result.Skipped,
		},
		Success: job.Status == db.JobStatusCompleted,
		Error:   job.Errors,
	})
}

func tasksEqual(a, b *integration.Task) bool {
	return a.Title == b.Title &&
		a.Description == b.Description &&
		a.Status == b.Status &&
		a.Priority == b.Priority &&
		timesEqual(a.DueDate, b.DueDate) &&
		a.Recurrence == b.Recurrence
}

func eventsEqual(a, b *integration.Event) bool {
	return a.Title == b.Title &&
		a.Description == b.Description &&
		a.Location == b.Location &&
		a.StartTime.Equal(b.StartTime) &&
		a.EndTime.Equal(b.EndTime) &&
		a.AllDay == b.AllDay &&
		a.Recurrence == b.Recurrence
}

func timesEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func modifiedAtPtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	utc := t.UTC()
	return &utc
}

// notifyChange queues an outbound notification for one local change.
// Enqueue failures are logged, not propagated; notification must never
// fail a sync.
func (e *Engine) notifyChange(ui *db.UserIntegration, itemType integration.ItemType, action, itemID string) {
	if e.notify == nil {
		return
	}
	event := &webhook.Event{
		Type:   string(itemType),
		Action: action,
		ItemID: itemID,
	}
	if err := e.notify.Enqueue(ui.ID, event); err != nil {
		log.Printf("Failed to queue outbound notification for %s: %v", itemID, err)
	}
}

// mappedInternalIDs returns the set of local item IDs that already have a
// mapping under this integration.
func (e *Engine) mappedInternalIDs(integrationID string) (map[string]bool, error) {
	items, err := e.db.GetExternalItems(integrationID)
	if err != nil {
		return nil, err
	}
	mapped := make(map[string]bool, len(items))
	for _, item := range items {
		mapped[item.InternalItemID] = true
	}
	return mapped, nil
}
