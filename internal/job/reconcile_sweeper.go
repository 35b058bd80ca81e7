package job

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"storefront/internal/config"
	"storefront/internal/gateway"
	"storefront/internal/model"
	"storefront/internal/repository"
	"storefront/internal/service"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var ErrSweepInProgress = errors.New("上一轮对账尚未结束")

// TransactionStatusChecker 主动查询网关交易状态
type TransactionStatusChecker interface {
	GetTransactionStatus(ctx context.Context, txID string) (*gateway.Notification, error)
}

// SweepReport 一轮对账的统计
type SweepReport struct {
	Checked int `json:"checked"`
	Applied int `json:"applied"`
	Failed  int `json:"failed"`
}

// ReconcileSweeper 补偿丢失的网关回调：
// 定期查询 pending_payment 且已绑定交易号的订单，已结算的走与回调相同的处理逻辑。
// 单个订单查询失败不影响其他订单；同一时间只有一轮对账在跑。
type ReconcileSweeper struct {
	orderRepo   *repository.OrderRepository
	lifecycle   *service.LifecycleService
	checker     TransactionStatusChecker
	stopCh      chan struct{}
	interval    time.Duration
	batchSize   int
	concurrency int
	running     atomic.Bool
}

func NewReconcileSweeper(db *gorm.DB, cfg *config.Config, lifecycle *service.LifecycleService, checker TransactionStatusChecker) *ReconcileSweeper {
	j := &ReconcileSweeper{
		orderRepo:   repository.NewOrderRepository(db),
		lifecycle:   lifecycle,
		checker:     checker,
		stopCh:      make(chan struct{}),
		interval:    time.Duration(cfg.Business.SweepIntervalSeconds) * time.Second,
		batchSize:   cfg.Business.SweepBatchSize,
		concurrency: cfg.Business.SweepConcurrency,
	}
	if j.interval <= 0 {
		j.interval = 60 * time.Second
	}
	if j.batchSize <= 0 {
		j.batchSize = 100
	}
	if j.concurrency <= 0 {
		j.concurrency = 4
	}
	return j
}

func (j *ReconcileSweeper) Start(ctx context.Context) {
	log.Printf("[ReconcileSweeper] 对账任务启动, interval=%s", j.interval)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[ReconcileSweeper] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[ReconcileSweeper] 任务停止")
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *ReconcileSweeper) Stop() {
	close(j.stopCh)
}

func (j *ReconcileSweeper) sweep(ctx context.Context) {
	report, err := j.SweepOnce(ctx)
	if errors.Is(err, ErrSweepInProgress) {
		log.Println("[ReconcileSweeper] 上一轮对账尚未结束，跳过本次")
		return
	}
	if err != nil {
		log.Printf("[ReconcileSweeper] 对账部分失败: %v", err)
	}
	if report != nil && report.Checked > 0 {
		log.Printf("[ReconcileSweeper] 本轮检查 %d 个订单, 推进 %d 个, 失败 %d 个",
			report.Checked, report.Applied, report.Failed)
	}
}

// SweepOnce 执行一轮对账。返回的 error 汇总了所有失败的订单，report 始终有效。
func (j *ReconcileSweeper) SweepOnce(ctx context.Context) (*SweepReport, error) {
	if !j.running.CompareAndSwap(false, true) {
		return nil, ErrSweepInProgress
	}
	defer j.running.Store(false)

	orders, err := j.orderRepo.ListPendingPayments(ctx, j.batchSize)
	if err != nil {
		return &SweepReport{}, fmt.Errorf("查询待支付订单失败: %w", err)
	}
	if len(orders) == 0 {
		return &SweepReport{}, nil
	}

	var (
		mu     sync.Mutex
		report SweepReport
		errs   *multierror.Error
	)

	g := new(errgroup.Group)
	g.SetLimit(j.concurrency)
	for _, order := range orders {
		order := order
		g.Go(func() error {
			applied, err := j.reconcile(ctx, order)

			mu.Lock()
			defer mu.Unlock()
			report.Checked++
			if err != nil {
				report.Failed++
				errs = multierror.Append(errs, fmt.Errorf("order %d: %w", order.ID, err))
				log.Printf("[ReconcileSweeper] 订单对账失败: order=%d, err=%v", order.ID, err)
				return nil
			}
			if applied {
				report.Applied++
			}
			return nil
		})
	}
	_ = g.Wait()

	return &report, errs.ErrorOrNil()
}

func (j *ReconcileSweeper) reconcile(ctx context.Context, order *model.Order) (bool, error) {
	if order.TransactionID == nil || *order.TransactionID == "" {
		return false, nil
	}

	unlock, ok := j.lifecycle.TryLockOrder(ctx, order.ID)
	if !ok {
		// 其他实例正在处理
		return false, nil
	}
	defer unlock()

	n, err := j.checker.GetTransactionStatus(ctx, *order.TransactionID)
	if err != nil {
		return false, err
	}
	if n.Outcome != gateway.OutcomePaid && n.Outcome != gateway.OutcomeDeclined {
		return false, nil
	}
	if n.OrderID == 0 {
		n.OrderID = order.ID
	}

	res, err := j.lifecycle.HandleGatewayNotification(ctx, n)
	if err != nil {
		return false, err
	}
	j.lifecycle.RecordNotification(ctx, service.NotificationAudit{Source: model.NotificationSourceSweeper}, n, n.Raw, res)

	if res.Result == model.NotificationResultApplied {
		log.Printf("[ReconcileSweeper] 补偿成功: order=%d, status=%s", order.ID, res.Status)
		return true, nil
	}
	return false, nil
}
