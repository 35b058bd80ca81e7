package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"storefront/internal/model"
	"storefront/pkg/idgen"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrAccountNotFound  = errors.New("账户不存在")
	ErrBalanceNotEnough = errors.New("余额不足")
	ErrNegativeBalance  = errors.New("余额不能为负数")
	ErrUIDExhausted     = errors.New("分配 uid 失败，请重试")
)

// LedgerEntry 写流水时附带的业务信息
type LedgerEntry struct {
	OrderID *int64
	Type    string
	Remark  string
}

// LedgerRepository 用户余额
//
// 扣款是一条带条件的 UPDATE：balance + delta >= 0 才生效，
// 检查和写入在同一条语句里完成，并发扣款不会把余额扣成负数。
type LedgerRepository struct {
	db            *gorm.DB
	retryAttempts int
}

func NewLedgerRepository(db *gorm.DB) *LedgerRepository {
	return &LedgerRepository{db: db, retryAttempts: DefaultRetryAttempts}
}

func (r *LedgerRepository) WithRetryAttempts(n int) *LedgerRepository {
	if n > 0 {
		r.retryAttempts = n
	}
	return r
}

// GetBalance 未知用户返回 0
func (r *LedgerRepository) GetBalance(ctx context.Context, userID int64) (decimal.Decimal, error) {
	account, err := r.GetByUserID(ctx, nil, userID)
	if errors.Is(err, ErrAccountNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return account.Balance, nil
}

func (r *LedgerRepository) GetByUserID(ctx context.Context, tx *gorm.DB, userID int64) (*model.UserBalance, error) {
	if tx == nil {
		tx = r.db
	}
	return r.getByUserID(tx.WithContext(ctx), userID)
}

func (r *LedgerRepository) getByUserID(query *gorm.DB, userID int64) (*model.UserBalance, error) {
	var account model.UserBalance
	err := query.Where("user_id = ?", userID).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// GetOrCreate 首次接触时开户，uid = MAX(uid)+1，撞号重试。
// 两次查询都是加锁读，事务内重试也能看到其他事务刚提交的账户和 uid。
// 在调用方事务里遇到锁冲突直接返回，由外层 WithRetry 重开事务。
func (r *LedgerRepository) GetOrCreate(ctx context.Context, tx *gorm.DB, userID int64) (*model.UserBalance, error) {
	inCallerTx := tx != nil
	if tx == nil {
		tx = r.db
	}
	locking := clause.Locking{Strength: "UPDATE"}

	for attempt := 0; attempt < r.retryAttempts; attempt++ {
		account, err := r.getByUserID(tx.WithContext(ctx).Clauses(locking), userID)
		if err == nil {
			return account, nil
		}
		if !errors.Is(err, ErrAccountNotFound) {
			return nil, err
		}

		var nextUID int64
		err = tx.WithContext(ctx).
			Model(&model.UserBalance{}).
			Clauses(locking).
			Select("COALESCE(MAX(uid), 0) + 1").
			Scan(&nextUID).Error
		if err != nil {
			return nil, err
		}

		account = &model.UserBalance{
			UserID:  userID,
			UID:     nextUID,
			Balance: decimal.Zero,
		}
		err = tx.WithContext(ctx).Create(account).Error
		if err == nil {
			return account, nil
		}
		if IsContention(err) && inCallerTx {
			return nil, err
		}
		if !IsDuplicateKey(err) && !IsContention(err) {
			return nil, err
		}

		// 另一个请求抢先开户或拿走了同一个 uid，等一下重新读
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(Backoff(attempt)):
		}
	}
	return nil, ErrUIDExhausted
}

// AdjustBalance 原子地执行 balance += delta 并记流水，delta 按两位小数取整。
// 扣款会导致余额为负时返回 ErrBalanceNotEnough，不修改任何数据。
// tx 为空时自己开事务，并对锁冲突重试；传入 tx 时调用方应先在事务外 GetOrCreate。
func (r *LedgerRepository) AdjustBalance(ctx context.Context, tx *gorm.DB, userID int64, delta decimal.Decimal, entry LedgerEntry) (*model.BalanceTransaction, error) {
	delta = delta.Round(2)
	if tx != nil {
		return r.adjust(ctx, tx, userID, delta, entry)
	}

	// 开户放在事务外，不受扣款事务快照影响
	if _, err := r.GetOrCreate(ctx, nil, userID); err != nil {
		return nil, err
	}

	var record *model.BalanceTransaction
	err := WithRetry(ctx, r.retryAttempts, func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			record, err = r.adjust(ctx, tx, userID, delta, entry)
			return err
		})
	})
	return record, err
}

func (r *LedgerRepository) adjust(ctx context.Context, tx *gorm.DB, userID int64, delta decimal.Decimal, entry LedgerEntry) (*model.BalanceTransaction, error) {
	if _, err := r.GetOrCreate(ctx, tx, userID); err != nil {
		return nil, err
	}

	result := tx.WithContext(ctx).
		Model(&model.UserBalance{}).
		Where("user_id = ? AND balance + CAST(? AS DECIMAL(12,2)) >= 0", userID, delta).
		Update("balance", gorm.Expr("balance + CAST(? AS DECIMAL(12,2))", delta))
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrBalanceNotEnough
	}

	account, err := r.GetByUserID(ctx, tx, userID)
	if err != nil {
		return nil, err
	}

	record := &model.BalanceTransaction{
		TransactionNo: idgen.GenerateTransactionNo(),
		UserID:        userID,
		OrderID:       entry.OrderID,
		Amount:        delta,
		Type:          entry.Type,
		BalanceBefore: account.Balance.Sub(delta),
		BalanceAfter:  account.Balance,
		Remark:        entry.Remark,
	}
	if err := tx.WithContext(ctx).Create(record).Error; err != nil {
		return nil, fmt.Errorf("写余额流水失败: %w", err)
	}
	return record, nil
}

// SetBalance 管理员直接覆盖余额，不做充足性校验
func (r *LedgerRepository) SetBalance(ctx context.Context, tx *gorm.DB, userID int64, amount decimal.Decimal, remark string) (*model.BalanceTransaction, error) {
	amount = amount.Round(2)
	if amount.IsNegative() {
		return nil, ErrNegativeBalance
	}

	set := func(tx *gorm.DB) (*model.BalanceTransaction, error) {
		account, err := r.GetOrCreate(ctx, tx, userID)
		if err != nil {
			return nil, err
		}

		err = tx.WithContext(ctx).
			Model(&model.UserBalance{}).
			Where("user_id = ?", userID).
			Update("balance", amount).Error
		if err != nil {
			return nil, err
		}

		record := &model.BalanceTransaction{
			TransactionNo: idgen.GenerateTransactionNo(),
			UserID:        userID,
			Amount:        amount.Sub(account.Balance),
			Type:          model.BalanceTxTypeSet,
			BalanceBefore: account.Balance,
			BalanceAfter:  amount,
			Remark:        remark,
		}
		if err := tx.WithContext(ctx).Create(record).Error; err != nil {
			return nil, fmt.Errorf("写余额流水失败: %w", err)
		}
		return record, nil
	}

	if tx != nil {
		return set(tx)
	}

	if _, err := r.GetOrCreate(ctx, nil, userID); err != nil {
		return nil, err
	}

	var record *model.BalanceTransaction
	err := WithRetry(ctx, r.retryAttempts, func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			record, err = set(tx)
			return err
		})
	})
	return record, err
}

// ListTransactions 用户最近的余额流水
func (r *LedgerRepository) ListTransactions(ctx context.Context, userID int64, limit int) ([]*model.BalanceTransaction, error) {
	var records []*model.BalanceTransaction
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id DESC").
		Limit(limit).
		Find(&records).Error
	return records, err
}
