package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"storefront/internal/config"
	"storefront/internal/gateway"
	"storefront/internal/infrastructure/cache"
	"storefront/internal/model"
	"storefront/internal/repository"
	"storefront/pkg/pickup"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// 并发改同一订单时 CAS 失败后的重读次数
const maxTransitionAttempts = 3

// PaymentGateway 生命周期需要的网关能力
type PaymentGateway interface {
	CreatePaymentLink(ctx context.Context, amount decimal.Decimal, orderID int64, description string) (*gateway.PaymentLink, error)
}

// LifecycleService 订单状态机。订单状态只通过这里变更。
type LifecycleService struct {
	db               *gorm.DB
	redisClient      *redis.Client
	cfg              *config.Config
	orderRepo        *repository.OrderRepository
	productRepo      *repository.ProductRepository
	ledgerRepo       *repository.LedgerRepository
	notificationRepo *repository.NotificationRepository
	productCache     *cache.Store[model.Product]
	accounts         *AccountService
	gateway          PaymentGateway
	notifier         Notifier
}

func NewLifecycleService(db *gorm.DB, redisClient *redis.Client, cfg *config.Config,
	accounts *AccountService, gw PaymentGateway, notifier Notifier) *LifecycleService {
	ttl := time.Duration(cfg.Business.ProductCacheTTLSeconds) * time.Second
	return &LifecycleService{
		db:               db,
		redisClient:      redisClient,
		cfg:              cfg,
		orderRepo:        repository.NewOrderRepository(db),
		productRepo:      repository.NewProductRepository(db),
		ledgerRepo:       repository.NewLedgerRepository(db).WithRetryAttempts(cfg.Business.StoreRetryAttempts),
		notificationRepo: repository.NewNotificationRepository(db),
		productCache:     cache.NewStore[model.Product](redisClient, "product", ttl),
		accounts:         accounts,
		gateway:          gw,
		notifier:         notifier,
	}
}

// OrderView 买家看到的订单，取货码按状态决定是否展示
type OrderView struct {
	ID              int64             `json:"id"`
	ProductID       int64             `json:"product_id"`
	ProductName     string            `json:"product_name"`
	Price           decimal.Decimal   `json:"price"`
	Status          model.OrderStatus `json:"status"`
	PickupCode      string            `json:"pickup_code,omitempty"`
	ExternalAccount *string           `json:"supercell_id,omitempty"`
	PaidWithBalance bool              `json:"paid_with_balance"`
	PaidAt          *time.Time        `json:"paid_at,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

func NewOrderView(order *model.Order) *OrderView {
	view := &OrderView{
		ID:              order.ID,
		ProductID:       order.ProductID,
		ProductName:     order.ProductName,
		Price:           order.Price,
		Status:          order.Status,
		ExternalAccount: order.ExternalAccount,
		PaidWithBalance: order.PaidWithBalance,
		PaidAt:          order.PaidAt,
		CreatedAt:       order.CreatedAt,
	}
	if order.PickupCodeVisible() {
		view.PickupCode = order.PickupCode
	}
	return view
}

// getProduct 读商品快照，下架视同不存在
func (s *LifecycleService) getProduct(ctx context.Context, productID int64) (*model.Product, error) {
	product, err := s.productCache.GetOrLoad(ctx, strconv.FormatInt(productID, 10), func(ctx context.Context) (model.Product, error) {
		p, err := s.productRepo.Get(ctx, productID)
		if err != nil {
			return model.Product{}, err
		}
		return *p, nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrProductNotFound) {
			return nil, ErrProductNotFound
		}
		return nil, internalError("查询商品", err)
	}
	if !product.Available {
		return nil, ErrProductNotFound
	}
	return &product, nil
}

// InvalidateProduct 商品改价或下架后由目录侧调用
func (s *LifecycleService) InvalidateProduct(ctx context.Context, productID int64) {
	if err := s.productCache.Invalidate(ctx, strconv.FormatInt(productID, 10)); err != nil {
		log.Printf("[Lifecycle] 失效商品缓存失败: product=%d, err=%v", productID, err)
	}
}

func (s *LifecycleService) getOrder(ctx context.Context, orderID int64) (*model.Order, error) {
	order, err := s.orderRepo.Get(ctx, nil, orderID)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, internalError("查询订单", err)
	}
	return order, nil
}

func newOrder(userID int64, product *model.Product, externalAccount string) *model.Order {
	order := &model.Order{
		UserID:      userID,
		ProductID:   product.ID,
		ProductName: product.Name,
		Price:       product.Price,
		PickupCode:  pickup.Generate(),
	}
	if externalAccount != "" {
		order.ExternalAccount = &externalAccount
	}
	return order
}

// CreateOrderForGatewayPayment 创建走网关支付的订单，不动余额。
// 返回的订单带取货码，只供内部使用，对外一律转成 OrderView。
func (s *LifecycleService) CreateOrderForGatewayPayment(ctx context.Context, userID, productID int64, externalAccount string) (*model.Order, error) {
	product, err := s.getProduct(ctx, productID)
	if err != nil {
		return nil, err
	}

	order := newOrder(userID, product, externalAccount)
	err = repository.WithRetry(ctx, s.cfg.Business.StoreRetryAttempts, func() error {
		order.ID = 0
		return s.orderRepo.Create(ctx, nil, order)
	})
	if err != nil {
		return nil, internalError("创建订单", err)
	}

	log.Printf("[Lifecycle] 网关订单已创建: order=%d, user=%d, product=%d, price=%s",
		order.ID, userID, productID, order.Price.StringFixed(2))
	return order, nil
}

// GetOrderView 买家查看自己的订单
func (s *LifecycleService) GetOrderView(ctx context.Context, userID, orderID int64) (*OrderView, error) {
	order, err := s.getOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, ErrOrderForbidden
	}
	return NewOrderView(order), nil
}

func (s *LifecycleService) UserOrders(ctx context.Context, userID int64, page, pageSize int) ([]*OrderView, int64, error) {
	orders, total, err := s.orderRepo.ListByUser(ctx, userID, page, pageSize)
	if err != nil {
		return nil, 0, internalError("查询订单列表", err)
	}

	views := make([]*OrderView, 0, len(orders))
	for _, order := range orders {
		views = append(views, NewOrderView(order))
	}
	return views, total, nil
}

// ListOpenOrders 管理员待处理列表，包含取货码
func (s *LifecycleService) ListOpenOrders(ctx context.Context) ([]*model.Order, error) {
	orders, err := s.orderRepo.ListOpen(ctx)
	if err != nil {
		return nil, internalError("查询待处理订单", err)
	}
	return orders, nil
}

// ConfirmOrder 管理员确认发货：paid / pending -> completed。
// 终态或不允许的流转直接返回 false，重复点击不报错。
func (s *LifecycleService) ConfirmOrder(ctx context.Context, orderID int64) (bool, error) {
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		order, err := s.getOrder(ctx, orderID)
		if err != nil {
			return false, err
		}
		if !model.CanTransitionTo(order.Status, model.OrderStatusCompleted) {
			log.Printf("[Lifecycle] 确认订单忽略: order=%d, status=%s", orderID, order.Status)
			return false, nil
		}

		err = s.orderRepo.CompareAndSetStatus(ctx, nil, orderID, order.Status, model.OrderStatusCompleted)
		if errors.Is(err, repository.ErrOrderStatusChanged) {
			continue
		}
		if err != nil {
			return false, internalError("确认订单", err)
		}

		log.Printf("[Lifecycle] 订单已完成: order=%d, from=%s", orderID, order.Status)
		order.Status = model.OrderStatusCompleted
		s.notifier.NotifyUser(ctx, order.UserID, buyerCompletedText(order))
		return true, nil
	}
	return false, fmt.Errorf("%w: 订单 %d 状态频繁变化", ErrSystemBusy, orderID)
}
