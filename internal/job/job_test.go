package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"storefront/internal/config"
	"storefront/internal/gateway"
	"storefront/internal/model"
	"storefront/internal/repository"
	"storefront/internal/service"
	"storefront/internal/testutil"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type nopNotifier struct{}

func (nopNotifier) NotifyUser(context.Context, int64, string) {}
func (nopNotifier) NotifyAdmins(context.Context, string, ...model.NotifyAction) {}

// 每次发一个新的交易号 tx-1, tx-2 ...
type sequenceGateway struct {
	mu sync.Mutex
	n  int
}

func (g *sequenceGateway) CreatePaymentLink(_ context.Context, _ decimal.Decimal, _ int64, _ string) (*gateway.PaymentLink, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	id := fmt.Sprintf("tx-%d", g.n)
	return &gateway.PaymentLink{ID: id, URL: "https://pay.example/" + id}, nil
}

type fakeChecker struct {
	mu       sync.Mutex
	statuses map[string]*gateway.Notification
	errs     map[string]error
	block    chan struct{}
	entered  chan struct{}
}

func (c *fakeChecker) GetTransactionStatus(_ context.Context, txID string) (*gateway.Notification, error) {
	if c.block != nil {
		c.entered <- struct{}{}
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err, ok := c.errs[txID]; ok {
		return nil, err
	}
	if n, ok := c.statuses[txID]; ok {
		copied := *n
		copied.TransactionID = txID
		return &copied, nil
	}
	return &gateway.Notification{TransactionID: txID, Outcome: gateway.OutcomePending}, nil
}

type jobEnv struct {
	db        *gorm.DB
	cfg       *config.Config
	rdb       *redis.Client
	lifecycle *service.LifecycleService
	orders    *repository.OrderRepository
	product   *model.Product
}

func newJobEnv(t *testing.T) *jobEnv {
	t.Helper()
	db := testutil.NewDB(t)
	rdb, _ := testutil.NewRedis(t)
	cfg := &config.Config{
		Business: config.BusinessConfig{
			SweepIntervalSeconds:   60,
			SweepBatchSize:         50,
			SweepConcurrency:       3,
			BalanceCacheTTLSeconds: 60,
			ProductCacheTTLSeconds: 60,
			StoreRetryAttempts:     3,
			MaxRetryCount:          2,
		},
	}

	accounts := service.NewAccountService(db, rdb, cfg)
	lifecycle := service.NewLifecycleService(db, rdb, cfg, accounts, &sequenceGateway{}, nopNotifier{})

	product := &model.Product{Name: "Pass", Price: decimal.NewFromInt(300), Available: true}
	require.NoError(t, repository.NewProductRepository(db).Create(context.Background(), product))

	return &jobEnv{
		db:        db,
		cfg:       cfg,
		rdb:       rdb,
		lifecycle: lifecycle,
		orders:    repository.NewOrderRepository(db),
		product:   product,
	}
}

// awaitingOrder 创建一个已申请支付链接的订单，返回订单号和交易号
func (e *jobEnv) awaitingOrder(t *testing.T, userID int64) (int64, string) {
	t.Helper()
	ctx := context.Background()
	order, err := e.lifecycle.CreateOrderForGatewayPayment(ctx, userID, e.product.ID, "")
	require.NoError(t, err)
	link, err := e.lifecycle.RequestPaymentLink(ctx, userID, order.ID)
	require.NoError(t, err)
	return order.ID, link.ID
}

func (e *jobEnv) status(t *testing.T, orderID int64) model.OrderStatus {
	t.Helper()
	order, err := e.orders.Get(context.Background(), nil, orderID)
	require.NoError(t, err)
	return order.Status
}

var errLookup = errors.New("connection reset")
