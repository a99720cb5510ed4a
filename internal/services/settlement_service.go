package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/kallkeyy/storefront-api/internal/domain"
	"github.com/kallkeyy/storefront-api/internal/payments"
	"github.com/kallkeyy/storefront-api/internal/repositories"
)

const (
	eventOrderCreated   = "order.created"
	eventOrderPaid      = "order.paid"
	eventOrderFailed    = "order.failed"
	eventOrderCancelled = "order.cancelled"

	orderCounterName = "orders"

	defaultReservationTTL = 30 * time.Minute
	defaultSweepBatch     = 100
	defaultPageSize       = 20
	defaultMaxPageSize    = 100
)

var (
	// ErrSettlementInvalidInput signals the caller provided invalid arguments.
	ErrSettlementInvalidInput = errors.New("settlement: invalid input")
	// ErrOrderNotFound indicates the order does not exist or is not visible to the caller.
	ErrOrderNotFound = errors.New("settlement: order not found")
)

// SettlementServiceDeps bundles the collaborators required to construct a settlement service.
type SettlementServiceDeps struct {
	Orders   repositories.OrderRepository
	Products repositories.ProductRepository
	Counters repositories.CounterRepository

	Stock    StockLedger
	Coupons  CouponService
	Verifier PaymentVerifier
	Gateway  payments.Gateway
	Events   SettlementEventPublisher

	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)

	ReservationTTL  time.Duration
	SweepBatchSize  int
	DefaultPageSize int
	MaxPageSize     int
}

type settlementService struct {
	orders   repositories.OrderRepository
	products repositories.ProductRepository
	counters repositories.CounterRepository

	stock    StockLedger
	coupons  CouponService
	verifier PaymentVerifier
	gateway  payments.Gateway
	events   SettlementEventPublisher

	clock  func() time.Time
	newID  func() string
	logger func(context.Context, string, map[string]any)

	reservationTTL  time.Duration
	sweepBatchSize  int
	defaultPageSize int
	maxPageSize     int
}

// NewSettlementService wires dependencies into a concrete SettlementService implementation.
func NewSettlementService(deps SettlementServiceDeps) (SettlementService, error) {
	if deps.Orders == nil {
		return nil, errors.New("settlement service: order repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("settlement service: product repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("settlement service: counter repository is required")
	}
	if deps.Stock == nil {
		return nil, errors.New("settlement service: stock ledger is required")
	}
	if deps.Coupons == nil {
		return nil, errors.New("settlement service: coupon service is required")
	}
	if deps.Verifier == nil {
		return nil, errors.New("settlement service: payment verifier is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	ttl := deps.ReservationTTL
	if ttl <= 0 {
		ttl = defaultReservationTTL
	}
	sweepBatch := deps.SweepBatchSize
	if sweepBatch <= 0 {
		sweepBatch = defaultSweepBatch
	}
	pageSize := deps.DefaultPageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	maxPage := deps.MaxPageSize
	if maxPage <= 0 {
		maxPage = defaultMaxPageSize
	}

	return &settlementService{
		orders:   deps.Orders,
		products: deps.Products,
		counters: deps.Counters,
		stock:    deps.Stock,
		coupons:  deps.Coupons,
		verifier: deps.Verifier,
		gateway:  deps.Gateway,
		events:   deps.Events,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:           idGen,
		logger:          logger,
		reservationTTL:  ttl,
		sweepBatchSize:  sweepBatch,
		defaultPageSize: pageSize,
		maxPageSize:     maxPage,
	}, nil
}

func (s *settlementService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	if err := s.validateCreateInput(cmd); err != nil {
		return Order{}, err
	}

	now := s.clock()
	userID := strings.TrimSpace(cmd.UserID)

	productIDs := make([]string, 0, len(cmd.Items))
	for _, item := range cmd.Items {
		productIDs = append(productIDs, item.ProductID)
	}
	catalog, err := s.products.GetProducts(ctx, productIDs)
	if err != nil {
		return Order{}, s.mapStockLookupError(err)
	}

	items := make([]OrderItem, 0, len(cmd.Items))
	var amount int64
	for _, line := range cmd.Items {
		product, ok := catalog[strings.TrimSpace(line.ProductID)]
		if !ok {
			return Order{}, fmt.Errorf("%w: product %s", ErrStockVariantUnknown, line.ProductID)
		}
		items = append(items, OrderItem{
			ProductID: product.ID,
			Name:      product.Name,
			Size:      line.Size,
			Quantity:  line.Quantity,
			UnitPrice: product.Price,
			ImageURL:  product.ImageURL,
		})
		amount += product.Price * int64(line.Quantity)
	}

	var discount *OrderDiscount
	if code := domain.NormalizeCouponCode(cmd.CouponCode); code != "" {
		firstPurchase, err := s.isFirstPurchase(ctx, userID)
		if err != nil {
			return Order{}, err
		}
		quote, err := s.coupons.Validate(ctx, CouponValidateCommand{
			Code:          code,
			UserID:        userID,
			OrderAmount:   amount,
			FirstPurchase: firstPurchase,
		})
		if err != nil {
			return Order{}, err
		}
		discount = &OrderDiscount{
			Code:            quote.Code,
			Amount:          quote.Amount,
			ApplyToShipping: quote.ApplyToShipping,
		}
		amount -= quote.Amount
		if amount < 0 {
			amount = 0
		}
	}

	orderID := "ord_" + s.newID()

	outcome, err := s.stock.Reserve(ctx, StockReserveCommand{
		OrderID: orderID,
		UserID:  userID,
		Lines:   cmd.Items,
		TTL:     s.reservationTTL,
		Reason:  "checkout",
	})
	if err != nil {
		return Order{}, err
	}
	reservationID := outcome.Reservation.ID

	sequence, err := s.counters.Next(ctx, orderCounterName, now)
	if err != nil {
		s.compensateReservation(ctx, reservationID, "order number allocation failed")
		return Order{}, err
	}
	orderNumber := fmt.Sprintf("ORD-%06d", sequence)

	providerOrderID := ""
	if s.gateway != nil && amount > 0 {
		providerOrder, err := s.gateway.CreateProviderOrder(ctx, payments.ProviderOrderRequest{
			OrderID:        orderID,
			Amount:         amount,
			Description:    orderNumber,
			IdempotencyKey: orderID,
			Metadata:       map[string]string{"orderNumber": orderNumber},
		})
		if err != nil {
			s.compensateReservation(ctx, reservationID, "provider order failed")
			return Order{}, err
		}
		providerOrderID = providerOrder.ID
	}

	order := Order{
		ID:              orderID,
		OrderNumber:     orderNumber,
		UserID:          userID,
		Items:           items,
		Amount:          amount,
		Status:          domain.OrderStatusCreated,
		PaymentStatus:   domain.PaymentStatusPending,
		Discount:        discount,
		ReservationID:   reservationID,
		ProviderOrderID: providerOrderID,
		ShippingAddress: cmd.ShippingAddress,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	// A coupon covering the whole total leaves nothing for the provider to
	// collect, so there is no callback coming. Settle right away.
	if amount == 0 {
		return s.settleAtCreation(ctx, order)
	}

	if err := s.orders.Insert(ctx, order); err != nil {
		s.compensateReservation(ctx, reservationID, "order persist failed")
		return Order{}, s.mapOrderRepoError(err)
	}

	s.publishOrderEvent(ctx, eventOrderCreated, order, "")
	s.logger(ctx, "settlement.createOrder", map[string]any{
		"orderId":     order.ID,
		"orderNumber": order.OrderNumber,
		"amount":      order.Amount,
		"items":       len(order.Items),
	})

	return order, nil
}

// settleAtCreation finalises a fully-discounted order. The coupon is redeemed
// and the stock committed before the order is first persisted, so the document
// only ever becomes visible already paid.
func (s *settlementService) settleAtCreation(ctx context.Context, order Order) (Order, error) {
	if order.Discount != nil {
		if _, err := s.coupons.Redeem(ctx, CouponRedeemCommand{
			Code:    order.Discount.Code,
			UserID:  order.UserID,
			OrderID: order.ID,
		}); err != nil {
			s.compensateReservation(ctx, order.ReservationID, "coupon redemption failed")
			return Order{}, err
		}
	}

	if order.ReservationID != "" {
		if _, err := s.stock.Commit(ctx, StockCommitCommand{
			ReservationID: order.ReservationID,
			OrderID:       order.ID,
		}); err != nil {
			s.releaseCouponRedemption(ctx, order)
			s.compensateReservation(ctx, order.ReservationID, "stock commit failed")
			return Order{}, err
		}
	}

	paid, err := ApplyTransition(order, domain.OrderStatusPaid, s.clock())
	if err != nil {
		return Order{}, err
	}

	if err := s.orders.Insert(ctx, paid); err != nil {
		s.releaseCouponRedemption(ctx, order)
		s.compensateReservation(ctx, order.ReservationID, "order persist failed")
		return Order{}, s.mapOrderRepoError(err)
	}

	s.publishOrderEvent(ctx, eventOrderCreated, paid, "")
	s.publishOrderEvent(ctx, eventOrderPaid, paid, "")
	s.logger(ctx, "settlement.createOrder.zeroAmount", map[string]any{
		"orderId":     paid.ID,
		"orderNumber": paid.OrderNumber,
		"items":       len(paid.Items),
	})

	return paid, nil
}

func (s *settlementService) ConfirmPayment(ctx context.Context, cmd ConfirmPaymentCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrSettlementInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapOrderRepoError(err)
	}

	providerOrderID := strings.TrimSpace(cmd.ProviderOrderID)
	if providerOrderID == "" {
		providerOrderID = order.ProviderOrderID
	}

	verification, err := s.verifier.Verify(ctx, order, PaymentCallback{
		ProviderOrderID:   providerOrderID,
		ProviderPaymentID: cmd.ProviderPaymentID,
		ProviderSignature: cmd.ProviderSignature,
		Amount:            cmd.Amount,
	})
	if err != nil {
		if s.isSettlementFatal(err) && order.Status == domain.OrderStatusCreated {
			s.failPendingOrder(ctx, order, "payment verification failed")
		}
		return Order{}, err
	}

	if verification.AlreadyPaid {
		s.logger(ctx, "settlement.confirmPayment.duplicate", map[string]any{"orderId": order.ID})
		return order, nil
	}

	if order.Discount != nil {
		if _, err := s.coupons.Redeem(ctx, CouponRedeemCommand{
			Code:    order.Discount.Code,
			UserID:  order.UserID,
			OrderID: order.ID,
		}); err != nil {
			s.failPendingOrder(ctx, order, "coupon redemption failed")
			return Order{}, err
		}
	}

	if order.ReservationID != "" {
		if _, err := s.stock.Commit(ctx, StockCommitCommand{
			ReservationID: order.ReservationID,
			OrderID:       order.ID,
		}); err != nil {
			// The redemption belongs to this order, but if the failure claim
			// is lost a concurrent confirm already settled it; the winner's
			// coupon and stock must stay untouched.
			if s.failPendingOrder(ctx, order, "stock commit failed") {
				s.releaseCouponRedemption(ctx, order)
			}
			return Order{}, err
		}
	}

	now := s.clock()
	updated, err := ApplyTransition(order, domain.OrderStatusPaid, now)
	if err != nil {
		return Order{}, err
	}
	updated.ProviderPaymentID = strings.TrimSpace(cmd.ProviderPaymentID)
	updated.ProviderSignature = strings.TrimSpace(cmd.ProviderSignature)

	if err := s.orders.UpdateGuarded(ctx, updated, repositories.OrderStatePrecondition{
		Status:        domain.OrderStatusCreated,
		PaymentStatus: domain.PaymentStatusPending,
	}); err != nil {
		if !isOrderStateConflict(err) {
			return Order{}, s.mapOrderRepoError(err)
		}
		// Lost the transition to a concurrent confirm of the same callback.
		// Its redemption and commit were absorbed idempotently above, so the
		// only question is whether the winner recorded the same payment.
		current, findErr := s.orders.FindByID(ctx, order.ID)
		if findErr != nil {
			return Order{}, s.mapOrderRepoError(findErr)
		}
		if current.Status == domain.OrderStatusPaid && strings.EqualFold(current.ProviderPaymentID, updated.ProviderPaymentID) {
			s.logger(ctx, "settlement.confirmPayment.duplicate", map[string]any{"orderId": order.ID})
			return current, nil
		}
		return Order{}, fmt.Errorf("%w: order %s settled concurrently as %s/%s", ErrPaymentOrderNotPending, order.ID, current.Status, current.PaymentStatus)
	}

	s.publishOrderEvent(ctx, eventOrderPaid, updated, "")
	s.logger(ctx, "settlement.confirmPayment", map[string]any{
		"orderId":   updated.ID,
		"paymentId": updated.ProviderPaymentID,
	})

	return updated, nil
}

func (s *settlementService) CancelOrder(ctx context.Context, cmd CancelOrderCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrSettlementInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapOrderRepoError(err)
	}

	if !CanTransition(order.Status, domain.OrderStatusCancelled) {
		return Order{}, fmt.Errorf("%w: %s -> %s", ErrOrderInvalidTransition, order.Status, domain.OrderStatusCancelled)
	}

	now := s.clock()
	updated, err := ApplyTransition(order, domain.OrderStatusCancelled, now)
	if err != nil {
		return Order{}, err
	}
	updated.CancelReason = strings.TrimSpace(cmd.Reason)

	// The cancellation is claimed before any stock moves. If a concurrent
	// confirm paid the order between our read and this write, the guarded
	// update loses and the sold units stay sold.
	if err := s.orders.UpdateGuarded(ctx, updated, repositories.OrderStatePrecondition{
		Status:        order.Status,
		PaymentStatus: order.PaymentStatus,
	}); err != nil {
		if isOrderStateConflict(err) {
			return Order{}, fmt.Errorf("%w: order %s changed state concurrently", ErrOrderInvalidTransition, order.ID)
		}
		return Order{}, s.mapOrderRepoError(err)
	}

	// Goods already in transit are never restocked automatically.
	restock := order.Status != domain.OrderStatusShipped
	if restock && order.ReservationID != "" {
		if _, err := s.stock.Release(ctx, StockReleaseCommand{
			ReservationID: order.ReservationID,
			Reason:        strings.TrimSpace(cmd.Reason),
		}); err != nil && !errors.Is(err, ErrStockInvalidState) && !errors.Is(err, ErrStockReservationNotFound) {
			s.logger(ctx, "settlement.cancelOrder.releaseFailed", map[string]any{
				"orderId":       updated.ID,
				"reservationId": order.ReservationID,
				"error":         err.Error(),
			})
		}
	}

	s.publishOrderEvent(ctx, eventOrderCancelled, updated, updated.CancelReason)
	s.logger(ctx, "settlement.cancelOrder", map[string]any{
		"orderId": updated.ID,
		"reason":  updated.CancelReason,
		"actorId": strings.TrimSpace(cmd.ActorID),
	})

	return updated, nil
}

func (s *settlementService) UpdateFulfillment(ctx context.Context, cmd UpdateFulfillmentCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrSettlementInvalidInput)
	}
	switch cmd.NewStatus {
	case domain.OrderStatusProcessing, domain.OrderStatusShipped, domain.OrderStatusDelivered:
	default:
		return Order{}, fmt.Errorf("%w: %s is not a fulfillment status", ErrSettlementInvalidInput, cmd.NewStatus)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapOrderRepoError(err)
	}

	updated, err := ApplyTransition(order, cmd.NewStatus, s.clock())
	if err != nil {
		return Order{}, err
	}

	if v := strings.TrimSpace(cmd.Carrier); v != "" {
		updated.Fulfillment.Carrier = v
	}
	if v := strings.TrimSpace(cmd.TrackingCode); v != "" {
		updated.Fulfillment.TrackingCode = v
	}
	if v := strings.TrimSpace(cmd.TrackingURL); v != "" {
		updated.Fulfillment.TrackingURL = v
	}
	if v := strings.TrimSpace(cmd.ShipmentID); v != "" {
		updated.Fulfillment.ShipmentID = v
	}

	if err := s.orders.UpdateGuarded(ctx, updated, repositories.OrderStatePrecondition{
		Status:        order.Status,
		PaymentStatus: order.PaymentStatus,
	}); err != nil {
		if isOrderStateConflict(err) {
			return Order{}, fmt.Errorf("%w: order %s changed state concurrently", ErrOrderInvalidTransition, order.ID)
		}
		return Order{}, s.mapOrderRepoError(err)
	}

	s.logger(ctx, "settlement.updateFulfillment", map[string]any{
		"orderId": updated.ID,
		"status":  string(updated.Status),
		"carrier": updated.Fulfillment.Carrier,
	})

	return updated, nil
}

func (s *settlementService) GetOrder(ctx context.Context, orderID string, opts OrderReadOptions) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrSettlementInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapOrderRepoError(err)
	}

	// Another account's order reads as missing, never as forbidden.
	if owner := strings.TrimSpace(opts.UserID); owner != "" && order.UserID != owner {
		return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}

	return order, nil
}

func (s *settlementService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error) {
	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = s.defaultPageSize
	}
	if pageSize > s.maxPageSize {
		pageSize = s.maxPageSize
	}

	page, err := s.orders.List(ctx, repositories.OrderListFilter{
		UserID:    strings.TrimSpace(filter.UserID),
		Status:    filter.Status,
		PageSize:  pageSize,
		PageToken: filter.Pagination.PageToken,
	})
	if err != nil {
		return domain.CursorPage[Order]{}, s.mapOrderRepoError(err)
	}
	return page, nil
}

// SweepExpiredReservations cancels pending orders whose payment window lapsed
// and returns their units to stock. Orphan reservations without an order are
// released directly.
func (s *settlementService) SweepExpiredReservations(ctx context.Context, now time.Time) (int, error) {
	if now.IsZero() {
		now = s.clock()
	}

	expired, err := s.stock.ExpiredReservations(ctx, now, s.sweepBatchSize)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, reservation := range expired {
		orderID := strings.TrimPrefix(reservation.OrderRef, "/orders/")
		if strings.HasPrefix(reservation.OrderRef, "/orders/") && orderID != "" {
			if _, err := s.CancelOrder(ctx, CancelOrderCommand{
				OrderID: orderID,
				Reason:  "payment window expired",
			}); err == nil {
				released++
				continue
			} else if !errors.Is(err, ErrOrderNotFound) && !errors.Is(err, ErrOrderInvalidTransition) {
				s.logger(ctx, "settlement.sweep.cancelFailed", map[string]any{
					"reservationId": reservation.ID,
					"orderId":       orderID,
					"error":         err.Error(),
				})
				continue
			}
		}

		if _, err := s.stock.Release(ctx, StockReleaseCommand{
			ReservationID: reservation.ID,
			Reason:        "reservation expired",
		}); err != nil {
			if !errors.Is(err, ErrStockInvalidState) && !errors.Is(err, ErrStockReservationNotFound) {
				s.logger(ctx, "settlement.sweep.releaseFailed", map[string]any{
					"reservationId": reservation.ID,
					"error":         err.Error(),
				})
			}
			continue
		}
		released++
	}

	if released > 0 {
		s.logger(ctx, "settlement.sweep", map[string]any{"released": released, "scanned": len(expired)})
	}
	return released, nil
}

func (s *settlementService) validateCreateInput(cmd CreateOrderCommand) error {
	if strings.TrimSpace(cmd.UserID) == "" {
		return fmt.Errorf("%w: user id is required", ErrSettlementInvalidInput)
	}
	if len(cmd.Items) == 0 {
		return fmt.Errorf("%w: at least one item is required", ErrSettlementInvalidInput)
	}
	for _, item := range cmd.Items {
		if strings.TrimSpace(item.ProductID) == "" {
			return fmt.Errorf("%w: item product id is required", ErrSettlementInvalidInput)
		}
		if !domain.ValidSize(string(item.Size)) {
			return fmt.Errorf("%w: invalid size %q", ErrSettlementInvalidInput, item.Size)
		}
		if item.Quantity <= 0 {
			return fmt.Errorf("%w: quantity for %s must be positive", ErrSettlementInvalidInput, item.ProductID)
		}
	}
	if strings.TrimSpace(cmd.ShippingAddress.Name) == "" || strings.TrimSpace(cmd.ShippingAddress.Line1) == "" {
		return fmt.Errorf("%w: shipping name and address line are required", ErrSettlementInvalidInput)
	}
	return nil
}

// isFirstPurchase walks the account's full order history looking for a
// completed payment. The cursor is followed to the end so a long run of
// abandoned orders cannot hide an earlier purchase.
func (s *settlementService) isFirstPurchase(ctx context.Context, userID string) (bool, error) {
	token := ""
	for {
		page, err := s.orders.List(ctx, repositories.OrderListFilter{
			UserID:    userID,
			PageSize:  s.maxPageSize,
			PageToken: token,
		})
		if err != nil {
			return false, s.mapOrderRepoError(err)
		}
		for _, order := range page.Items {
			if order.PaymentStatus == domain.PaymentStatusCompleted {
				return false, nil
			}
		}
		if page.NextPageToken == "" {
			return true, nil
		}
		token = page.NextPageToken
	}
}

// failPendingOrder tries to claim the created -> failed transition and reports
// whether this caller won it. Stock is released only after the claim succeeds;
// a lost claim means a concurrent confirm settled the order and its committed
// units must stay sold.
func (s *settlementService) failPendingOrder(ctx context.Context, order Order, reason string) bool {
	failed, err := ApplyTransition(order, domain.OrderStatusFailed, s.clock())
	if err != nil {
		s.logger(ctx, "settlement.failOrder.transition", map[string]any{"orderId": order.ID, "error": err.Error()})
		return false
	}
	if err := s.orders.UpdateGuarded(ctx, failed, repositories.OrderStatePrecondition{
		Status:        domain.OrderStatusCreated,
		PaymentStatus: domain.PaymentStatusPending,
	}); err != nil {
		if isOrderStateConflict(err) {
			s.logger(ctx, "settlement.failOrder.lostRace", map[string]any{"orderId": order.ID})
		} else {
			s.logger(ctx, "settlement.failOrder.update", map[string]any{"orderId": order.ID, "error": err.Error()})
		}
		return false
	}

	if order.ReservationID != "" {
		s.compensateReservation(ctx, order.ReservationID, reason)
	}
	s.publishOrderEvent(ctx, eventOrderFailed, failed, reason)
	return true
}

// releaseCouponRedemption undoes this order's recorded coupon use.
func (s *settlementService) releaseCouponRedemption(ctx context.Context, order Order) {
	if order.Discount == nil {
		return
	}
	if err := s.coupons.ReleaseRedemption(ctx, order.Discount.Code, order.UserID); err != nil {
		s.logger(ctx, "settlement.couponReleaseFailed", map[string]any{"orderId": order.ID, "error": err.Error()})
	}
}

func (s *settlementService) compensateReservation(ctx context.Context, reservationID, reason string) {
	if reservationID == "" {
		return
	}
	if _, err := s.stock.Release(ctx, StockReleaseCommand{
		ReservationID: reservationID,
		Reason:        reason,
	}); err != nil && !errors.Is(err, ErrStockInvalidState) && !errors.Is(err, ErrStockReservationNotFound) {
		s.logger(ctx, "settlement.compensateReservation", map[string]any{
			"reservationId": reservationID,
			"error":         err.Error(),
		})
	}
}

func (s *settlementService) isSettlementFatal(err error) bool {
	return errors.Is(err, ErrPaymentSignatureMismatch) || errors.Is(err, ErrPaymentAmountMismatch)
}

func (s *settlementService) publishOrderEvent(ctx context.Context, eventType string, order Order, reason string) {
	if s.events == nil {
		return
	}
	event := OrderEvent{
		Type:          eventType,
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		UserID:        order.UserID,
		Amount:        order.Amount,
		Status:        order.Status,
		PaymentStatus: order.PaymentStatus,
		Reason:        reason,
		OccurredAt:    order.UpdatedAt,
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "settlement_event_publish_failed", map[string]any{
			"orderId": order.ID,
			"type":    eventType,
			"error":   err.Error(),
		})
	}
}

func isOrderStateConflict(err error) bool {
	var orderErr *repositories.OrderError
	return errors.As(err, &orderErr) && orderErr.Code == repositories.OrderErrorStateConflict
}

func (s *settlementService) mapOrderRepoError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsNotFound() {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, err.Error())
	}
	return err
}

func (s *settlementService) mapStockLookupError(err error) error {
	if err == nil {
		return nil
	}
	var stockErr *repositories.StockError
	if errors.As(err, &stockErr) && stockErr.Code == repositories.StockErrorProductNotFound {
		return fmt.Errorf("%w: %s", ErrStockVariantUnknown, stockErr.Message)
	}
	return err
}
