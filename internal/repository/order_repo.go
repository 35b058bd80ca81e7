package repository

import (
	"context"
	"errors"
	"time"

	"storefront/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrOrderNotFound         = errors.New("订单不存在")
	ErrOrderStatusChanged    = errors.New("订单状态已变化")
	ErrInvalidOrderStatus    = errors.New("非法的订单状态")
	ErrPickupCodeMissing     = errors.New("取货码不能为空")
	ErrDuplicateTransaction  = errors.New("交易号已绑定其他订单")
	resolvedTransactionState = []model.OrderStatus{
		model.OrderStatusPaid,
		model.OrderStatusCompleted,
		model.OrderStatusCancelled,
		model.OrderStatusPaymentFailed,
	}
)

// OrderRepository 订单存储
// 状态流转是否合法由 LifecycleService 判断，这里只负责读写
type OrderRepository struct {
	db *gorm.DB
}

func NewOrderRepository(db *gorm.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// Create 新订单一律是 pending
func (r *OrderRepository) Create(ctx context.Context, tx *gorm.DB, order *model.Order) error {
	if order.PickupCode == "" {
		return ErrPickupCodeMissing
	}
	if tx == nil {
		tx = r.db
	}
	order.Status = model.OrderStatusPending
	return tx.WithContext(ctx).Create(order).Error
}

func (r *OrderRepository) Get(ctx context.Context, tx *gorm.DB, id int64) (*model.Order, error) {
	if tx == nil {
		tx = r.db
	}
	return r.first(tx.WithContext(ctx).Where("id = ?", id))
}

// GetForUpdate 事务内加行锁读取
func (r *OrderRepository) GetForUpdate(ctx context.Context, tx *gorm.DB, id int64) (*model.Order, error) {
	return r.first(tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id))
}

// GetByTransactionID 每次网关回调都会走这里，transaction_id 上有唯一索引
func (r *OrderRepository) GetByTransactionID(ctx context.Context, txID string) (*model.Order, error) {
	return r.first(r.db.WithContext(ctx).Where("transaction_id = ?", txID))
}

func (r *OrderRepository) first(query *gorm.DB) (*model.Order, error) {
	var order model.Order
	if err := query.First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

func statusUpdates(status model.OrderStatus) map[string]interface{} {
	updates := map[string]interface{}{
		"status": status,
	}
	if status == model.OrderStatusPaid {
		updates["paid_at"] = time.Now()
	}
	return updates
}

// SetStatus 无条件写状态
func (r *OrderRepository) SetStatus(ctx context.Context, tx *gorm.DB, id int64, status model.OrderStatus) error {
	if !status.Valid() {
		return ErrInvalidOrderStatus
	}
	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).
		Model(&model.Order{}).
		Where("id = ?", id).
		Updates(statusUpdates(status))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// CompareAndSetStatus 只有当前状态等于 from 时才改成 to。
// 同一订单上两个并发的状态变更最多只有一个成功。
func (r *OrderRepository) CompareAndSetStatus(ctx context.Context, tx *gorm.DB, id int64, from, to model.OrderStatus) error {
	if !to.Valid() {
		return ErrInvalidOrderStatus
	}
	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).
		Model(&model.Order{}).
		Where("id = ? AND status = ?", id, from).
		Updates(statusUpdates(to))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrOrderStatusChanged
	}
	return nil
}

// SetTransactionID 绑定网关交易号。
// 已结算、已终结（以及历史 NULL）或余额支付的订单保持原状态，其余改为 pending_payment，
// 防止迟到的回调把已处理的订单重新打开。
func (r *OrderRepository) SetTransactionID(ctx context.Context, tx *gorm.DB, id int64, txID string) error {
	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).
		Model(&model.Order{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"transaction_id": txID,
			"status": gorm.Expr("CASE WHEN status IS NULL OR status IN ? OR paid_with_balance = ? THEN status ELSE ? END",
				resolvedTransactionState, true, model.OrderStatusPendingPayment),
		})
	if result.Error != nil {
		if IsDuplicateKey(result.Error) {
			return ErrDuplicateTransaction
		}
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// ListOpen 管理员和对账关心的订单：pending / pending_payment / paid
func (r *OrderRepository) ListOpen(ctx context.Context) ([]*model.Order, error) {
	var orders []*model.Order
	err := r.db.WithContext(ctx).
		Where("status IN ?", []model.OrderStatus{
			model.OrderStatusPending,
			model.OrderStatusPendingPayment,
			model.OrderStatusPaid,
		}).
		Order("created_at DESC, id DESC").
		Find(&orders).Error
	return orders, err
}

// ListPendingPayments 已绑定交易号、等待网关结算的订单
func (r *OrderRepository) ListPendingPayments(ctx context.Context, limit int) ([]*model.Order, error) {
	var orders []*model.Order
	err := r.db.WithContext(ctx).
		Where("status = ? AND transaction_id IS NOT NULL", model.OrderStatusPendingPayment).
		Order("id ASC").
		Limit(limit).
		Find(&orders).Error
	return orders, err
}

func (r *OrderRepository) ListByUser(ctx context.Context, userID int64, page, pageSize int) ([]*model.Order, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	var orders []*model.Order
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Order{}).Where("user_id = ?", userID)

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("created_at DESC, id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&orders).Error

	return orders, total, err
}
