// Package tasks supplies the built-in job handlers (send-email,
// process-upload, cleanup-expired, sync-data) and the workflow task
// handlers the sample definitions reference.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/gtsbahamas/taxflow/internal/jobs"
	"github.com/gtsbahamas/taxflow/internal/jobs/domain"
	"github.com/gtsbahamas/taxflow/shared/rabbitmq"
)

// Handlers bundles the side-effect dependencies the built-in handlers
// need. Broker and DB may be nil in tests; handlers fail cleanly without
// them.
type Handlers struct {
	Logger *slog.Logger
	DB     *sqlx.DB
	Broker *rabbitmq.Client
}

// Register binds every built-in handler on the job registry.
func (h *Handlers) Register(registry *jobs.Registry) {
	registry.Register(domain.TypeSendEmail, h.SendEmail)
	registry.Register(domain.TypeProcessUpload, h.ProcessUpload)
	registry.Register(domain.TypeCleanupExpired, h.CleanupExpired)
	registry.Register(domain.TypeSyncData, h.SyncData)
}

// EmailPayload is the send-email job payload.
type EmailPayload struct {
	To       string         `json:"to"`
	Subject  string         `json:"subject"`
	Template string         `json:"template"`
	Data     map[string]any `json:"data,omitempty"`
}

// SendEmail forwards the message to the notifications exchange; actual
// delivery is the mail service's problem.
func (h *Handlers) SendEmail(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var p EmailPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, domain.NewInvalidPayloadError(err)
	}
	if p.To == "" || p.Template == "" {
		return nil, domain.NewError(domain.CodeInvalidPayload, false, "send-email needs to and template")
	}
	if h.Broker == nil {
		return nil, domain.NewError(domain.CodeExternalServiceError, true, "notification broker unavailable")
	}

	if err := h.Broker.PublishJSON(ctx, "notifications.email", p); err != nil {
		return nil, domain.NewError(domain.CodeExternalServiceError, true, "failed to hand off email: %s", err.Error())
	}

	h.Logger.Info("Email handed off to notifications",
		slog.String("to", p.To),
		slog.String("template", p.Template),
	)
	return json.Marshal(map[string]any{"queued": true, "to": p.To})
}

// CleanupPayload is the cleanup-expired job payload.
type CleanupPayload struct {
	Table           string `json:"table"`
	ExpirationField string `json:"expirationField"`
	OlderThanDays   int    `json:"olderThanDays"`
}

// Tables the cleanup job may touch, mapped to their allowed expiration
// columns. The payload names a table and column, so never interpolate
// them unchecked.
var cleanupTargets = map[string]map[string]bool{
	"sessions":  {"expires_at": true},
	"documents": {"expires_at": true, "deleted_at": true},
	"jobs":      {"completed_at": true},
}

// CleanupExpired deletes rows past their expiration in one of the
// whitelisted retention tables.
func (h *Handlers) CleanupExpired(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var p CleanupPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, domain.NewInvalidPayloadError(err)
	}
	fields, ok := cleanupTargets[p.Table]
	if !ok || !fields[p.ExpirationField] {
		return nil, domain.NewError(domain.CodeInvalidPayload, false,
			"cleanup target %s.%s is not allowed", p.Table, p.ExpirationField)
	}
	if p.OlderThanDays <= 0 {
		return nil, domain.NewError(domain.CodeInvalidPayload, false, "olderThanDays must be positive")
	}
	if h.DB == nil {
		return nil, domain.NewError(domain.CodeDatabaseError, true, "database unavailable")
	}

	cutoff := time.Now().AddDate(0, 0, -p.OlderThanDays)
	query := fmt.Sprintf("DELETE FROM %s WHERE %s < $1", p.Table, p.ExpirationField)
	res, err := h.DB.ExecContext(ctx, query, cutoff)
	if err != nil {
		return nil, domain.NewDatabaseError(err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return nil, domain.NewDatabaseError(err)
	}

	h.Logger.Info("Expired rows cleaned up",
		slog.String("table", p.Table),
		slog.Int64("deleted", deleted),
	)
	return json.Marshal(map[string]any{"deleted": deleted})
}

// UploadPayload is the process-upload job payload.
type UploadPayload struct {
	DocumentID string `json:"documentId"`
	Bucket     string `json:"bucket"`
	Path       string `json:"path"`
}

// ProcessUpload acknowledges a stored upload. Virus scanning and
// thumbnailing live behind the storage service; this handler records the
// hand-off.
func (h *Handlers) ProcessUpload(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var p UploadPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, domain.NewInvalidPayloadError(err)
	}
	if p.DocumentID == "" || p.Path == "" {
		return nil, domain.NewError(domain.CodeInvalidPayload, false, "process-upload needs documentId and path")
	}

	h.Logger.Info("Upload picked up for processing",
		slog.String("document_id", p.DocumentID),
		slog.String("path", p.Path),
	)
	return json.Marshal(map[string]any{"processed": true, "documentId": p.DocumentID})
}

// SyncPayload is the sync-data job payload.
type SyncPayload struct {
	Entity string `json:"entity"`
	Since  string `json:"since,omitempty"`
}

// SyncData triggers a downstream sync for one entity collection.
func (h *Handlers) SyncData(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var p SyncPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, domain.NewInvalidPayloadError(err)
	}
	if p.Entity == "" {
		return nil, domain.NewError(domain.CodeInvalidPayload, false, "sync-data needs an entity")
	}
	if h.Broker == nil {
		return nil, domain.NewError(domain.CodeExternalServiceError, true, "sync broker unavailable")
	}

	if err := h.Broker.PublishJSON(ctx, "sync.requested", p); err != nil {
		return nil, domain.NewError(domain.CodeExternalServiceError, true, "failed to request sync: %s", err.Error())
	}
	return json.Marshal(map[string]any{"requested": true, "entity": p.Entity})
}
