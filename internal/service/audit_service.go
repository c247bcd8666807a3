package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/iam-gate-api/internal/models"
	"github.com/noah-isme/iam-gate-api/pkg/jobs"
)

const auditJobType = "audit_log"

// AuditQueue accepts audit jobs without blocking the caller.
type AuditQueue interface {
	TryEnqueue(job jobs.Job) error
}

// AuditWriter persists audit entries.
type AuditWriter interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// AuditService records security events off the request path.
type AuditService struct {
	queue  AuditQueue
	logger *zap.Logger
}

// NewAuditService constructs an audit service. A nil queue drops every entry.
func NewAuditService(queue AuditQueue, logger *zap.Logger) *AuditService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditService{queue: queue, logger: logger}
}

// Record enqueues entry. A full queue loses the entry and logs it instead;
// authentication never waits on the audit trail.
func (s *AuditService) Record(entry *models.AuditLog) {
	if s == nil || entry == nil {
		return
	}
	if s.queue == nil {
		return
	}
	if err := s.queue.TryEnqueue(jobs.Job{ID: entry.ID, Type: auditJobType, Payload: entry}); err != nil {
		s.logger.Warn("audit entry dropped",
			zap.String("action", entry.Action),
			zap.String("resource", entry.Resource),
			zap.Error(err),
		)
	}
}

// NewAuditEntry builds an audit log entry for a security event.
func NewAuditEntry(action, userID string, meta models.RequestMeta, details map[string]interface{}) *models.AuditLog {
	entry := &models.AuditLog{
		ID:        uuid.NewString(),
		Action:    action,
		Resource:  "auth",
		IPAddress: meta.IP,
		UserAgent: meta.UserAgent,
	}
	if userID != "" {
		id := userID
		entry.UserID = &id
		entry.ResourceID = &id
	}
	if len(details) > 0 {
		if body, err := json.Marshal(details); err == nil {
			entry.NewValues = body
		}
	}
	return entry
}

// AuditWorker drains audit jobs into the writer.
type AuditWorker struct {
	writer AuditWriter
	logger *zap.Logger
}

// NewAuditWorker constructs the queue handler for audit jobs.
func NewAuditWorker(writer AuditWriter, logger *zap.Logger) *AuditWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditWorker{writer: writer, logger: logger}
}

// Handle processes a single audit job.
func (w *AuditWorker) Handle(ctx context.Context, job jobs.Job) error {
	entry, ok := job.Payload.(*models.AuditLog)
	if !ok || entry == nil {
		w.logger.Error("unexpected audit payload", zap.String("job_id", job.ID), zap.String("type", job.Type))
		return nil
	}
	if err := w.writer.CreateAuditLog(ctx, entry); err != nil {
		return fmt.Errorf("write audit log %s: %w", entry.Action, err)
	}
	return nil
}
