package workflow

import (
	"errors"
	"strings"

	"bitbucket.org/mmdatafocus/fulfillment_backend/models"
	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

// BeginIdempotency claims an external message for processing by inserting a
// STARTED row. The unique (handler, message) index arbitrates: the first
// insert wins, every later attempt gets ErrDuplicateMessage unless the earlier
// attempt FAILED, in which case the claim is re-armed and processing may retry.
func BeginIdempotency(tx *gorm.DB, handlerName, messageId string) (*models.IdempotencyKey, error) {
	key := models.IdempotencyKey{
		HandlerName: handlerName,
		MessageId:   messageId,
		Status:      models.IdempotencyStatusStarted,
	}
	err := tx.Create(&key).Error
	if err == nil {
		return &key, nil
	}
	if !isDuplicateKeyError(err) {
		return nil, err
	}

	var existing models.IdempotencyKey
	if err := tx.Where("handler_name = ? AND message_id = ?", handlerName, messageId).
		First(&existing).Error; err != nil {
		return nil, err
	}
	if existing.Status != models.IdempotencyStatusFailed {
		return nil, ErrDuplicateMessage
	}
	if err := tx.Model(&existing).Updates(map[string]interface{}{
		"status":     models.IdempotencyStatusStarted,
		"last_error": nil,
	}).Error; err != nil {
		return nil, err
	}
	existing.Status = models.IdempotencyStatusStarted
	existing.LastError = nil
	return &existing, nil
}

func MarkIdempotencySucceeded(tx *gorm.DB, key *models.IdempotencyKey) error {
	return tx.Model(key).Update("status", models.IdempotencyStatusSucceeded).Error
}

func MarkIdempotencyFailed(tx *gorm.DB, key *models.IdempotencyKey, cause error) error {
	msg := cause.Error()
	return tx.Model(key).Updates(map[string]interface{}{
		"status":     models.IdempotencyStatusFailed,
		"last_error": msg,
	}).Error
}

func isDuplicateKeyError(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
		return true
	}
	// sqlite (tests) reports duplicates as a plain error string.
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
