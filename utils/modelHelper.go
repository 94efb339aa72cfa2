package utils

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

/* DB fetching */

// fetch model from db by primary key
// (may return RecordNotFound)
func FetchSingleModel[T any](db *gorm.DB, id int, associations ...string) (*T, error) {
	for _, field := range associations {
		db = db.Preload(field)
	}
	var result T
	err := db.First(&result, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrorRecordNotFound
		}
		return nil, err
	}
	return &result, nil
}

// check that no other row has the same value in the given column.
// id = 0 for create, the row's own id for update.
func ValidateUnique[T any](db *gorm.DB, column string, value interface{}, id int) error {
	var count int64
	var model T
	q := db.Model(&model).Where(fmt.Sprintf("%s = ?", column), value)
	if id > 0 {
		q = q.Where("id <> ?", id)
	}
	if err := q.Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return fmt.Errorf("%s already exists", column)
	}
	return nil
}
