package service

import (
	"context"
	"errors"
	"log"
	"strconv"
	"time"

	"storefront/internal/config"
	"storefront/internal/infrastructure/cache"
	"storefront/internal/model"
	"storefront/internal/repository"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// AccountService 余额读写。所有写操作成功后立即失效缓存，再返回给调用方。
type AccountService struct {
	db           *gorm.DB
	ledgerRepo   *repository.LedgerRepository
	balanceCache *cache.Store[decimal.Decimal]
}

func NewAccountService(db *gorm.DB, redisClient *redis.Client, cfg *config.Config) *AccountService {
	ttl := time.Duration(cfg.Business.BalanceCacheTTLSeconds) * time.Second
	return &AccountService{
		db:           db,
		ledgerRepo:   repository.NewLedgerRepository(db).WithRetryAttempts(cfg.Business.StoreRetryAttempts),
		balanceCache: cache.NewStore[decimal.Decimal](redisClient, "balance", ttl),
	}
}

func balanceKey(userID int64) string {
	return strconv.FormatInt(userID, 10)
}

// GetBalance 未知用户返回 0
func (s *AccountService) GetBalance(ctx context.Context, userID int64) (decimal.Decimal, error) {
	balance, err := s.balanceCache.GetOrLoad(ctx, balanceKey(userID), func(ctx context.Context) (decimal.Decimal, error) {
		return s.ledgerRepo.GetBalance(ctx, userID)
	})
	if err != nil {
		return decimal.Zero, internalError("查询余额", err)
	}
	return balance, nil
}

// GetAccount 首次访问时开户并分配 uid
func (s *AccountService) GetAccount(ctx context.Context, userID int64) (*model.UserBalance, error) {
	account, err := s.ledgerRepo.GetOrCreate(ctx, nil, userID)
	if err != nil {
		return nil, internalError("获取账户", err)
	}
	return account, nil
}

// AdjustBalance 管理员加减余额，扣成负数时返回 *InsufficientFundsError。
// 金额按两位小数取整，流水与库里的 DECIMAL(12,2) 一致。
func (s *AccountService) AdjustBalance(ctx context.Context, userID int64, delta decimal.Decimal, remark string) (*model.BalanceTransaction, error) {
	delta = delta.Round(2)
	if delta.IsZero() {
		return nil, ErrInvalidAmount
	}

	record, err := s.ledgerRepo.AdjustBalance(ctx, nil, userID, delta, repository.LedgerEntry{
		Type:   model.BalanceTxTypeAdjust,
		Remark: remark,
	})
	if err != nil {
		if errors.Is(err, repository.ErrBalanceNotEnough) {
			balance, _ := s.ledgerRepo.GetBalance(ctx, userID)
			return nil, newInsufficientFunds(balance, delta.Neg())
		}
		return nil, internalError("调整余额", err)
	}

	s.InvalidateBalance(ctx, userID)
	log.Printf("[Account] 余额调整: user=%d, delta=%s, after=%s", userID, delta.StringFixed(2), record.BalanceAfter.StringFixed(2))
	return record, nil
}

// SetBalance 管理员直接覆盖余额
func (s *AccountService) SetBalance(ctx context.Context, userID int64, amount decimal.Decimal, remark string) (*model.BalanceTransaction, error) {
	amount = amount.Round(2)
	record, err := s.ledgerRepo.SetBalance(ctx, nil, userID, amount, remark)
	if err != nil {
		if errors.Is(err, repository.ErrNegativeBalance) {
			return nil, ErrInvalidAmount
		}
		return nil, internalError("设置余额", err)
	}

	s.InvalidateBalance(ctx, userID)
	log.Printf("[Account] 余额覆盖: user=%d, before=%s, after=%s", userID, record.BalanceBefore.StringFixed(2), amount.StringFixed(2))
	return record, nil
}

// RecentTransactions 最近的余额流水
func (s *AccountService) RecentTransactions(ctx context.Context, userID int64, limit int) ([]*model.BalanceTransaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	return s.ledgerRepo.ListTransactions(ctx, userID, limit)
}

// InvalidateBalance 余额变动后调用。失效失败只记日志，缓存最多滞后一个 TTL。
func (s *AccountService) InvalidateBalance(ctx context.Context, userID int64) {
	if err := s.balanceCache.Invalidate(ctx, balanceKey(userID)); err != nil {
		log.Printf("[Account] 失效余额缓存失败: user=%d, err=%v", userID, err)
	}
}
