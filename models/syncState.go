package models

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// SyncWatermark is the per-workflow cursor into the external feed. It only
// moves forward, and only after a batch is durably stored.
type SyncWatermark struct {
	ID           int       `gorm:"primary_key" json:"id"`
	WorkflowName string    `gorm:"uniqueIndex;size:50;not null" json:"workflow_name"`
	LastSyncedAt time.Time `gorm:"not null" json:"last_synced_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// GetWatermark returns the workflow's watermark, or the zero time when the
// workflow has never synced.
func GetWatermark(tx *gorm.DB, workflowName string) (time.Time, error) {
	var wm SyncWatermark
	err := tx.Where("workflow_name = ?", workflowName).First(&wm).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	return wm.LastSyncedAt, nil
}

// AdvanceWatermark moves the workflow's watermark forward. Attempts to move it
// backward are ignored, which keeps the cursor monotonic under replays.
func AdvanceWatermark(tx *gorm.DB, workflowName string, to time.Time) error {
	if to.IsZero() {
		return nil
	}
	var wm SyncWatermark
	err := tx.Where("workflow_name = ?", workflowName).First(&wm).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return tx.Create(&SyncWatermark{WorkflowName: workflowName, LastSyncedAt: to}).Error
	}
	if err != nil {
		return err
	}
	if !to.After(wm.LastSyncedAt) {
		return nil
	}
	return tx.Model(&wm).Update("last_synced_at", to).Error
}

// WorkflowControl is the operator's enable/disable switch for one named
// background workflow, read by the scheduler before each run.
type WorkflowControl struct {
	ID           int        `gorm:"primary_key" json:"id"`
	WorkflowName string     `gorm:"uniqueIndex;size:50;not null" json:"workflow_name"`
	IsEnabled    *bool      `gorm:"not null;default:true" json:"is_enabled"`
	LastRunAt    *time.Time `json:"last_run_at"`
	UpdatedBy    string     `gorm:"size:100" json:"updated_by"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// GetOrCreateWorkflowControl lazily registers unknown workflows as enabled.
func GetOrCreateWorkflowControl(tx *gorm.DB, workflowName string) (*WorkflowControl, error) {
	var wc WorkflowControl
	err := tx.Where("workflow_name = ?", workflowName).First(&wc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		enabled := true
		wc = WorkflowControl{WorkflowName: workflowName, IsEnabled: &enabled}
		if err := tx.Create(&wc).Error; err != nil {
			return nil, err
		}
		return &wc, nil
	}
	if err != nil {
		return nil, err
	}
	return &wc, nil
}

func SetWorkflowEnabled(tx *gorm.DB, workflowName string, enabled bool, updatedBy string) (*WorkflowControl, error) {
	wc, err := GetOrCreateWorkflowControl(tx, workflowName)
	if err != nil {
		return nil, err
	}
	if err := tx.Model(wc).Updates(map[string]interface{}{
		"is_enabled": enabled,
		"updated_by": updatedBy,
	}).Error; err != nil {
		return nil, err
	}
	wc.IsEnabled = &enabled
	wc.UpdatedBy = updatedBy
	return wc, nil
}

func TouchWorkflowRun(tx *gorm.DB, workflowName string, at time.Time) error {
	wc, err := GetOrCreateWorkflowControl(tx, workflowName)
	if err != nil {
		return err
	}
	return tx.Model(wc).Update("last_run_at", at).Error
}

func ListWorkflowControls(tx *gorm.DB) ([]WorkflowControl, error) {
	var out []WorkflowControl
	err := tx.Order("workflow_name ASC").Find(&out).Error
	return out, err
}

// SyncRun is one execution of a sync workflow, for the operator surface.
type SyncRun struct {
	ID            int        `gorm:"primary_key" json:"id"`
	WorkflowName  string     `gorm:"index;size:50;not null" json:"workflow_name"`
	Status        string     `gorm:"size:20;not null" json:"status"`
	TriggeredBy   string     `gorm:"size:20" json:"triggered_by"`
	StatsJSON     []byte     `gorm:"type:json" json:"stats"`
	RecordsSynced int        `json:"records_synced"`
	ErrorCount    int        `json:"error_count"`
	ParentRunId   *int       `gorm:"index" json:"parent_run_id"`
	StartedAt     *time.Time `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at"`
	DurationMs    int64      `json:"duration_ms"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// SyncError is one per-entity failure inside a sync run. The order or line it
// names stays unprocessed for manual review; it is never silently dropped.
type SyncError struct {
	ID          int       `gorm:"primary_key" json:"id"`
	SyncRunId   int       `gorm:"index;not null" json:"sync_run_id"`
	EntityType  string    `gorm:"size:50" json:"entity_type"`
	ExternalId  string    `gorm:"size:128" json:"external_id"`
	ErrorCode   string    `gorm:"size:64" json:"error_code"`
	Message     string    `gorm:"type:text" json:"message"`
	PayloadJSON []byte    `gorm:"type:json" json:"payload"`
	Retryable   bool      `gorm:"default:false" json:"retryable"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func CreateSyncError(tx *gorm.DB, runId int, entityType, externalId, errorCode, message string, payload []byte, retryable bool) error {
	rec := SyncError{
		SyncRunId:   runId,
		EntityType:  entityType,
		ExternalId:  externalId,
		ErrorCode:   errorCode,
		Message:     message,
		PayloadJSON: payload,
		Retryable:   retryable,
	}
	return tx.Create(&rec).Error
}

// IdempotencyKey makes at-least-once delivery of external events safe: the
// first worker to insert STARTED owns the message.
type IdempotencyKey struct {
	ID          int       `gorm:"primary_key" json:"id"`
	HandlerName string    `gorm:"uniqueIndex:idx_idempotency,priority:1;size:100;not null" json:"handler_name"`
	MessageId   string    `gorm:"uniqueIndex:idx_idempotency,priority:2;size:128;not null" json:"message_id"`
	Status      string    `gorm:"size:20;not null" json:"status"`
	LastError   *string   `gorm:"type:text" json:"last_error"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
