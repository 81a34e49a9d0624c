package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/wagate/pkg/entities"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TenantRepository covers per-tenant configuration: webhooks, exclusion
// numbers and the business profile.
type TenantRepository interface {
	EnsureTenant(ctx context.Context, username string) error
	GetActiveWebhooks(ctx context.Context, username string) ([]entities.Webhook, error)
	ListWebhooks(ctx context.Context, username string) ([]entities.Webhook, error)
	CreateWebhook(ctx context.Context, hook entities.Webhook) (entities.Webhook, error)
	DeleteWebhook(ctx context.Context, username string, id uint) error
	GetExcludedNumbers(ctx context.Context, username string) (map[string]struct{}, error)
	AddExcludedNumber(ctx context.Context, username string, number string) error
	RemoveExcludedNumber(ctx context.Context, username string, number string) error
	GetBusinessInfo(ctx context.Context, username string) (*entities.BusinessInfo, error)
	UpsertBusinessInfo(ctx context.Context, info entities.BusinessInfo) error
}

func (r *repository) EnsureTenant(ctx context.Context, username string) error {
	tenant := entities.Tenant{Username: username}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "username"}},
		DoNothing: true,
	}).Create(&tenant).Error
}

func (r *repository) GetActiveWebhooks(ctx context.Context, username string) ([]entities.Webhook, error) {
	var hooks []entities.Webhook
	err := r.db.WithContext(ctx).
		Where("username = ? AND is_active = ?", username, true).
		Find(&hooks).Error
	return hooks, err
}

func (r *repository) ListWebhooks(ctx context.Context, username string) ([]entities.Webhook, error) {
	var hooks []entities.Webhook
	err := r.db.WithContext(ctx).Where("username = ?", username).Find(&hooks).Error
	return hooks, err
}

func (r *repository) CreateWebhook(ctx context.Context, hook entities.Webhook) (entities.Webhook, error) {
	err := r.db.WithContext(ctx).Create(&hook).Error
	return hook, err
}

func (r *repository) DeleteWebhook(ctx context.Context, username string, id uint) error {
	return r.db.WithContext(ctx).
		Where("username = ? AND id = ?", username, id).
		Delete(&entities.Webhook{}).Error
}

func (r *repository) GetExcludedNumbers(ctx context.Context, username string) (map[string]struct{}, error) {
	var rows []entities.ExcludedNumber
	if err := r.db.WithContext(ctx).Where("username = ?", username).Find(&rows).Error; err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		set[row.Number] = struct{}{}
	}
	return set, nil
}

func (r *repository) AddExcludedNumber(ctx context.Context, username string, number string) error {
	row := entities.ExcludedNumber{Username: username, Number: number}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "username"}, {Name: "number"}},
		DoNothing: true,
	}).Create(&row).Error
}

func (r *repository) RemoveExcludedNumber(ctx context.Context, username string, number string) error {
	return r.db.WithContext(ctx).
		Where("username = ? AND number = ?", username, number).
		Delete(&entities.ExcludedNumber{}).Error
}

func (r *repository) GetBusinessInfo(ctx context.Context, username string) (*entities.BusinessInfo, error) {
	var info entities.BusinessInfo
	err := r.db.WithContext(ctx).Where("username = ?", username).First(&info).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &info, nil
}

func (r *repository) UpsertBusinessInfo(ctx context.Context, info entities.BusinessInfo) error {
	info.LastUpdated = time.Now()
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "username"}},
		UpdateAll: true,
	}).Create(&info).Error
}

// MobileNumbers decodes the JSON-encoded number list of a business profile.
func MobileNumbers(info *entities.BusinessInfo) []string {
	if info == nil || info.MobileNumbers == "" {
		return nil
	}
	var numbers []string
	if err := json.Unmarshal([]byte(info.MobileNumbers), &numbers); err != nil {
		return nil
	}
	return numbers
}

// EncodeMobileNumbers encodes a number list for storage.
func EncodeMobileNumbers(numbers []string) string {
	if len(numbers) == 0 {
		return ""
	}
	raw, err := json.Marshal(numbers)
	if err != nil {
		return ""
	}
	return string(raw)
}
