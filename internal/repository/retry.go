package repository

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

// ============================================================================
// 存储层冲突重试
// ============================================================================
//
// 行锁等待超时、死锁、sqlite 的 database is locked 都属于可重试错误，
// 按 base*2^n + 随机抖动 退避，次数用完把最后一次错误原样返回。
//
// ============================================================================

const (
	DefaultRetryAttempts = 5
	retryBaseDelay       = 100 * time.Millisecond
	retryMaxDelay        = 2 * time.Second
)

// MySQL 错误码
const (
	mysqlErrLockWaitTimeout = 1205
	mysqlErrDeadlock        = 1213
	mysqlErrDuplicateEntry  = 1062
)

// IsContention 是否为锁冲突类错误
func IsContention(err error) bool {
	if err == nil {
		return false
	}
	// 开户撞号次数用完，重开事务后通常就能成功
	if errors.Is(err, ErrUIDExhausted) {
		return true
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlErrLockWaitTimeout || myErr.Number == mysqlErrDeadlock
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "deadlock found")
}

// IsDuplicateKey 唯一索引冲突
func IsDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlErrDuplicateEntry
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Backoff 第 attempt 次（从 0 开始）重试前的等待时间
func Backoff(attempt int) time.Duration {
	d := retryBaseDelay << uint(attempt)
	if d > retryMaxDelay || d <= 0 {
		d = retryMaxDelay
	}
	return d + time.Duration(rand.Int63n(int64(retryBaseDelay)))
}

// WithRetry 对锁冲突做有限次重试
func WithRetry(ctx context.Context, attempts int, fn func() error) error {
	if attempts <= 0 {
		attempts = DefaultRetryAttempts
	}

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil || !IsContention(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(Backoff(i)):
		}
	}
	return err
}
