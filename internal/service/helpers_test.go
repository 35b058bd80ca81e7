package service

import (
	"context"
	"sync"
	"testing"

	"storefront/internal/config"
	"storefront/internal/gateway"
	"storefront/internal/model"
	"storefront/internal/repository"
	"storefront/internal/testutil"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type sentMessage struct {
	ChatID  int64
	Text    string
	Actions []model.NotifyAction
}

type recordingNotifier struct {
	mu     sync.Mutex
	users  []sentMessage
	admins []sentMessage
}

func (n *recordingNotifier) NotifyUser(_ context.Context, userID int64, text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.users = append(n.users, sentMessage{ChatID: userID, Text: text})
}

func (n *recordingNotifier) NotifyAdmins(_ context.Context, text string, actions ...model.NotifyAction) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.admins = append(n.admins, sentMessage{Text: text, Actions: actions})
}

func (n *recordingNotifier) userCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.users)
}

func (n *recordingNotifier) adminCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.admins)
}

type fakeGateway struct {
	mu    sync.Mutex
	link  *gateway.PaymentLink
	err   error
	calls int
}

func (g *fakeGateway) CreatePaymentLink(_ context.Context, _ decimal.Decimal, _ int64, _ string) (*gateway.PaymentLink, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.err != nil {
		return nil, g.err
	}
	return g.link, nil
}

type testEnv struct {
	db        *gorm.DB
	cfg       *config.Config
	accounts  *AccountService
	lifecycle *LifecycleService
	notifier  *recordingNotifier
	gateway   *fakeGateway
	orders    *repository.OrderRepository
}

func testConfig() *config.Config {
	return &config.Config{
		Kafka: config.KafkaConfig{
			Topic: config.KafkaTopicConfig{NotifyUser: "notify.user", NotifyAdmin: "notify.admin"},
		},
		Telegram: config.TelegramConfig{AdminIDs: []int64{9001, 9002}},
		Business: config.BusinessConfig{
			BalanceCacheTTLSeconds: 60,
			ProductCacheTTLSeconds: 300,
			StoreRetryAttempts:     3,
		},
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := testutil.NewDB(t)
	rdb, _ := testutil.NewRedis(t)
	cfg := testConfig()

	env := &testEnv{
		db:       db,
		cfg:      cfg,
		notifier: &recordingNotifier{},
		gateway:  &fakeGateway{link: &gateway.PaymentLink{ID: "tx-1", URL: "https://pay.example/tx-1"}},
		orders:   repository.NewOrderRepository(db),
	}
	env.accounts = NewAccountService(db, rdb, cfg)
	env.lifecycle = NewLifecycleService(db, rdb, cfg, env.accounts, env.gateway, env.notifier)
	return env
}

func (e *testEnv) seedProduct(t *testing.T, name string, price int64) *model.Product {
	t.Helper()
	product := &model.Product{Name: name, Price: decimal.NewFromInt(price), Available: true}
	require.NoError(t, repository.NewProductRepository(e.db).Create(context.Background(), product))
	return product
}

func (e *testEnv) seedBalance(t *testing.T, userID, amount int64) {
	t.Helper()
	_, err := e.accounts.SetBalance(context.Background(), userID, decimal.NewFromInt(amount), "测试初始化")
	require.NoError(t, err)
}

func (e *testEnv) balance(t *testing.T, userID int64) decimal.Decimal {
	t.Helper()
	b, err := e.accounts.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	return b
}

func (e *testEnv) order(t *testing.T, id int64) *model.Order {
	t.Helper()
	o, err := e.orders.Get(context.Background(), nil, id)
	require.NoError(t, err)
	return o
}

func requireDecimal(t *testing.T, want int64, got decimal.Decimal) {
	t.Helper()
	require.True(t, decimal.NewFromInt(want).Equal(got), "want %d, got %s", want, got)
}
