package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"storefront/internal/auth"
	"storefront/internal/config"
	"storefront/internal/gateway"
	"storefront/internal/job"
	"storefront/internal/model"
	"storefront/internal/repository"
	"storefront/internal/service"
	"storefront/internal/testutil"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const (
	testBotToken   = "123456:TEST-TOKEN"
	testAdminToken = "admin-secret"
	goodSignature  = "good-signature"
)

type nopNotifier struct{}

func (nopNotifier) NotifyUser(context.Context, int64, string) {}
func (nopNotifier) NotifyAdmins(context.Context, string, ...model.NotifyAction) {}

// fakeGateway 既是支付链接接口，也是回调验签接口
type fakeGateway struct {
	mu   sync.Mutex
	next int
}

func (g *fakeGateway) CreatePaymentLink(_ context.Context, _ decimal.Decimal, _ int64, _ string) (*gateway.PaymentLink, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	id := "tx-" + strconv.Itoa(g.next)
	return &gateway.PaymentLink{ID: id, URL: "https://pay.example/" + id}, nil
}

func (g *fakeGateway) VerifySignature(_ context.Context, _ []byte, signature string) (bool, error) {
	return signature == goodSignature, nil
}

func (g *fakeGateway) Status() gateway.Diagnostics {
	return gateway.Diagnostics{TokenConfigured: true, Sandbox: true}
}

type fakeReconciler struct {
	report *job.SweepReport
	err    error
}

func (r *fakeReconciler) SweepOnce(context.Context) (*job.SweepReport, error) {
	return r.report, r.err
}

type testEnv struct {
	db         *gorm.DB
	cfg        *config.Config
	router     *gin.Engine
	accounts   *service.AccountService
	lifecycle  *service.LifecycleService
	reconciler *fakeReconciler
	validator  *auth.Validator
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Production: true},
		Kafka: config.KafkaConfig{
			Topic: config.KafkaTopicConfig{NotifyUser: "notify.user", NotifyAdmin: "notify.admin"},
		},
		Telegram: config.TelegramConfig{
			BotToken:              testBotToken,
			AdminIDs:              []int64{9001},
			AdminToken:            testAdminToken,
			InitDataMaxAgeSeconds: 3600,
		},
		Business: config.BusinessConfig{
			BalanceCacheTTLSeconds: 60,
			ProductCacheTTLSeconds: 300,
			StoreRetryAttempts:     3,
		},
	}
}

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()

	cfg := testConfig()
	for _, m := range mutate {
		m(cfg)
	}

	db := testutil.NewDB(t)
	rdb, _ := testutil.NewRedis(t)
	gw := &fakeGateway{}

	env := &testEnv{
		db:         db,
		cfg:        cfg,
		reconciler: &fakeReconciler{report: &job.SweepReport{}},
		validator:  auth.NewValidator(testBotToken, time.Hour),
	}
	env.accounts = service.NewAccountService(db, rdb, cfg)
	env.lifecycle = service.NewLifecycleService(db, rdb, cfg, env.accounts, gw, nopNotifier{})

	h := NewHandler(cfg, env.accounts, env.lifecycle, gw, env.reconciler)
	env.router = SetupRouter(cfg, rdb, h)
	return env
}

func (e *testEnv) initData(userID int64) string {
	values := url.Values{}
	values.Set("auth_date", strconv.FormatInt(time.Now().Unix(), 10))
	values.Set("user", `{"id":`+strconv.FormatInt(userID, 10)+`,"first_name":"Test"}`)
	values.Set("hash", e.validator.Sign(values))
	return values.Encode()
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) asUser(userID int64) map[string]string {
	return map[string]string{auth.HeaderInitData: e.initData(userID)}
}

func asAdmin(adminID int64) map[string]string {
	return map[string]string{
		HeaderAdminToken: testAdminToken,
		HeaderAdminID:    strconv.FormatInt(adminID, 10),
	}
}

type envelope struct {
	Code    int                    `json:"code"`
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var resp envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

func (e *testEnv) seedProduct(t *testing.T, price int64) *model.Product {
	t.Helper()
	product := &model.Product{Name: "Gems x80", Price: decimal.NewFromInt(price), Available: true}
	require.NoError(t, repository.NewProductRepository(e.db).Create(context.Background(), product))
	return product
}

func (e *testEnv) seedBalance(t *testing.T, userID, amount int64) {
	t.Helper()
	_, err := e.accounts.SetBalance(context.Background(), userID, decimal.NewFromInt(amount), "测试初始化")
	require.NoError(t, err)
}

// awaitingOrder 创建一个已拿到支付链接、等待网关结算的订单
func (e *testEnv) awaitingOrder(t *testing.T, userID int64, price int64) *model.Order {
	t.Helper()
	ctx := context.Background()
	product := e.seedProduct(t, price)
	order, err := e.lifecycle.CreateOrderForGatewayPayment(ctx, userID, product.ID, "#ACC")
	require.NoError(t, err)
	_, err = e.lifecycle.RequestPaymentLink(ctx, userID, order.ID)
	require.NoError(t, err)
	return e.order(t, order.ID)
}

func (e *testEnv) order(t *testing.T, id int64) *model.Order {
	t.Helper()
	o, err := repository.NewOrderRepository(e.db).Get(context.Background(), nil, id)
	require.NoError(t, err)
	return o
}

func (e *testEnv) notifications(t *testing.T) []*model.GatewayNotification {
	t.Helper()
	var list []*model.GatewayNotification
	require.NoError(t, e.db.Order("id").Find(&list).Error)
	return list
}
