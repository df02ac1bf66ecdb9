package services

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hearthbudget/backend/internal/models"
	"github.com/hearthbudget/backend/pkg/logger"
	"gorm.io/gorm"
)

const (
	AuditCodeSent          = "auth.code_sent"
	AuditLogin             = "auth.login"
	AuditTwoFactorRequired = "auth.two_factor_required"
	AuditTwoFactorVerified = "auth.two_factor_verified"
	AuditLocked            = "auth.locked"
	AuditLogout            = "auth.logout"
	AuditDeviceTrusted     = "auth.device_trusted"
	AuditDevicesRevoked    = "auth.devices_revoked"
	AuditOAuthLinkExisting = "auth.oauth_link_existing"
	AuditTwoFactorSettings = "auth.two_factor_settings"
)

type AuditEntry struct {
	UserID    *uuid.UUID
	Action    string
	Details   map[string]interface{}
	IPAddress string
	RequestID string
}

type requestMetaKey struct{}

// RequestMeta is the caller context attached to audit rows.
type RequestMeta struct {
	IPAddress string
	RequestID string
	UserAgent string
}

func WithRequestMeta(ctx context.Context, meta RequestMeta) context.Context {
	return context.WithValue(ctx, requestMetaKey{}, meta)
}

func RequestMetaFrom(ctx context.Context) RequestMeta {
	meta, _ := ctx.Value(requestMetaKey{}).(RequestMeta)
	return meta
}

// AuditService writes audit rows from a single background goroutine so that
// request handlers never wait on the insert.
type AuditService struct {
	DB    *gorm.DB
	queue chan models.AuditLog
	done  chan struct{}
	once  sync.Once
}

func NewAuditService(db *gorm.DB, queueSize int) *AuditService {
	if queueSize <= 0 {
		queueSize = 1000
	}
	s := &AuditService{
		DB:    db,
		queue: make(chan models.AuditLog, queueSize),
		done:  make(chan struct{}),
	}
	go s.processQueue()
	return s
}

func (s *AuditService) LogAsync(entry AuditEntry) {
	if s == nil {
		return
	}

	row := models.AuditLog{
		UserID:    entry.UserID,
		Action:    entry.Action,
		Details:   entry.Details,
		IPAddress: entry.IPAddress,
		RequestID: entry.RequestID,
		CreatedAt: time.Now().UTC(),
	}

	defer func() {
		// Close raced us; the entry is lost but the caller must not panic.
		if recover() != nil {
			logger.Warn("audit_queue_closed", map[string]interface{}{"action": entry.Action})
		}
	}()

	select {
	case s.queue <- row:
	default:
		logger.Warn("audit_queue_full", map[string]interface{}{
			"action":  entry.Action,
			"dropped": true,
		})
	}
}

// Record queues an entry for userID using the request metadata carried by ctx.
func (s *AuditService) Record(ctx context.Context, userID uuid.UUID, action string, details map[string]interface{}) {
	meta := RequestMetaFrom(ctx)
	uid := userID
	s.LogAsync(AuditEntry{
		UserID:    &uid,
		Action:    action,
		Details:   details,
		IPAddress: meta.IPAddress,
		RequestID: meta.RequestID,
	})
}

func (s *AuditService) processQueue() {
	defer close(s.done)
	for row := range s.queue {
		if err := s.DB.Create(&row).Error; err != nil {
			logger.Error("audit_log_insert_failed", err, map[string]interface{}{
				"action": row.Action,
			})
		}
	}
}

// Close stops accepting entries and waits for queued rows to be written.
func (s *AuditService) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		close(s.queue)
		<-s.done
	})
}
