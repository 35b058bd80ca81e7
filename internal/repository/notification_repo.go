package repository

import (
	"context"

	"storefront/internal/model"

	"gorm.io/gorm"
)

type NotificationRepository struct {
	db *gorm.DB
}

func NewNotificationRepository(db *gorm.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

func (r *NotificationRepository) Create(ctx context.Context, n *model.GatewayNotification) error {
	return r.db.WithContext(ctx).Create(n).Error
}

// ListByResult 按处理结果查询，UNMATCHED 和 REJECTED 需要人工跟进
func (r *NotificationRepository) ListByResult(ctx context.Context, limit int, results ...string) ([]*model.GatewayNotification, error) {
	var records []*model.GatewayNotification
	err := r.db.WithContext(ctx).
		Where("result IN ?", results).
		Order("id DESC").
		Limit(limit).
		Find(&records).Error
	return records, err
}
