package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/kallkeyy/storefront-api/internal/domain"
	"github.com/kallkeyy/storefront-api/internal/repositories"
)

var (
	// ErrCouponInvalidInput signals the caller provided invalid arguments.
	ErrCouponInvalidInput = errors.New("coupon: invalid input")
	// ErrCouponNotFound indicates no coupon exists for the code.
	ErrCouponNotFound = errors.New("coupon: not found")
	// ErrCouponInactive indicates the coupon is disabled.
	ErrCouponInactive = errors.New("coupon: inactive")
	// ErrCouponExpired indicates the current time falls outside the validity window.
	ErrCouponExpired = errors.New("coupon: outside validity window")
	// ErrCouponUsageLimitReached indicates the global usage cap is exhausted.
	ErrCouponUsageLimitReached = errors.New("coupon: usage limit reached")
	// ErrCouponAlreadyUsed indicates the account already redeemed this coupon.
	ErrCouponAlreadyUsed = errors.New("coupon: already used by account")
	// ErrCouponNotFirstTimeEligible indicates the coupon requires a first purchase.
	ErrCouponNotFirstTimeEligible = errors.New("coupon: first purchase required")
	// ErrCouponBelowMinimumPurchase indicates the order amount is below the floor.
	ErrCouponBelowMinimumPurchase = errors.New("coupon: below minimum purchase")
	// ErrCouponRedemptionConflict indicates the coupon was exhausted between
	// validation and redemption by a concurrent checkout.
	ErrCouponRedemptionConflict = errors.New("coupon: concurrent redemption conflict")
)

// CouponServiceDeps bundles dependencies required to construct a CouponService implementation.
type CouponServiceDeps struct {
	Coupons repositories.CouponRepository
	Clock   func() time.Time
	Logger  func(ctx context.Context, event string, fields map[string]any)
}

type couponService struct {
	repo   repositories.CouponRepository
	clock  func() time.Time
	logger func(context.Context, string, map[string]any)
}

// NewCouponService wires a CouponService backed by the provided repositories.
func NewCouponService(deps CouponServiceDeps) (CouponService, error) {
	if deps.Coupons == nil {
		return nil, errors.New("coupon service: coupon repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &couponService{
		repo:   deps.Coupons,
		clock:  func() time.Time { return clock().UTC() },
		logger: logger,
	}, nil
}

// Validate checks every redemption rule against the account and order, then
// quotes the discount. It never mutates the coupon; Redeem re-checks the
// contended rules transactionally before recording anything.
func (s *couponService) Validate(ctx context.Context, cmd CouponValidateCommand) (DiscountQuote, error) {
	code := domain.NormalizeCouponCode(cmd.Code)
	if code == "" {
		return DiscountQuote{}, fmt.Errorf("%w: coupon code is required", ErrCouponInvalidInput)
	}
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return DiscountQuote{}, fmt.Errorf("%w: user id is required", ErrCouponInvalidInput)
	}
	if cmd.OrderAmount < 0 {
		return DiscountQuote{}, fmt.Errorf("%w: order amount must not be negative", ErrCouponInvalidInput)
	}

	coupon, err := s.repo.FindByCode(ctx, code)
	if err != nil {
		return DiscountQuote{}, s.mapRepositoryError(err)
	}

	now := s.clock()
	if !coupon.Active {
		return DiscountQuote{}, fmt.Errorf("%w: %s", ErrCouponInactive, code)
	}
	if now.Before(coupon.ValidFrom) {
		return DiscountQuote{}, fmt.Errorf("%w: %s is not valid yet", ErrCouponExpired, code)
	}
	if until, ok := coupon.ValidUntil.Get(); ok && now.After(until) {
		return DiscountQuote{}, fmt.Errorf("%w: %s expired", ErrCouponExpired, code)
	}
	if limit, ok := coupon.UsageLimit.Get(); ok && coupon.UsedCount >= limit {
		return DiscountQuote{}, fmt.Errorf("%w: %s", ErrCouponUsageLimitReached, code)
	}
	if coupon.Rules.OncePerAccount && coupon.UsedByUser(userID) {
		return DiscountQuote{}, fmt.Errorf("%w: %s", ErrCouponAlreadyUsed, code)
	}
	if coupon.Rules.FirstTimePurchaseOnly && !cmd.FirstPurchase {
		return DiscountQuote{}, fmt.Errorf("%w: %s", ErrCouponNotFirstTimeEligible, code)
	}
	if min, ok := coupon.MinPurchaseAmount.Get(); ok && cmd.OrderAmount < min {
		return DiscountQuote{}, fmt.Errorf("%w: order total below %d", ErrCouponBelowMinimumPurchase, min)
	}

	quote := DiscountQuote{
		Code:            coupon.Code,
		DiscountType:    coupon.DiscountType,
		Amount:          computeDiscount(coupon, cmd.OrderAmount),
		ApplyToShipping: coupon.Rules.ApplyToShipping,
	}

	s.logger(ctx, "coupon.validate", map[string]any{
		"code":     quote.Code,
		"discount": quote.Amount,
	})

	return quote, nil
}

// Redeem consumes one use for the account. The repository re-checks the usage
// limit and the per-account ledger inside its transaction, so a race for the
// last use surfaces here as ErrCouponRedemptionConflict.
func (s *couponService) Redeem(ctx context.Context, cmd CouponRedeemCommand) (Coupon, error) {
	code := domain.NormalizeCouponCode(cmd.Code)
	if code == "" {
		return Coupon{}, fmt.Errorf("%w: coupon code is required", ErrCouponInvalidInput)
	}
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return Coupon{}, fmt.Errorf("%w: user id is required", ErrCouponInvalidInput)
	}

	coupon, err := s.repo.Redeem(ctx, repositories.CouponRedeemRequest{
		Code:    code,
		UserID:  userID,
		OrderID: strings.TrimSpace(cmd.OrderID),
		Now:     s.clock(),
	})
	if err != nil {
		return Coupon{}, s.mapRepositoryError(err)
	}

	s.logger(ctx, "coupon.redeem", map[string]any{
		"code":      coupon.Code,
		"usedCount": coupon.UsedCount,
	})

	return coupon, nil
}

// ReleaseRedemption removes a recorded use, compensating a settlement that
// failed after the coupon was consumed.
func (s *couponService) ReleaseRedemption(ctx context.Context, code string, userID string) error {
	normalized := domain.NormalizeCouponCode(code)
	if normalized == "" {
		return fmt.Errorf("%w: coupon code is required", ErrCouponInvalidInput)
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: user id is required", ErrCouponInvalidInput)
	}

	if _, err := s.repo.ReleaseUsage(ctx, normalized, userID); err != nil {
		return s.mapRepositoryError(err)
	}

	s.logger(ctx, "coupon.releaseRedemption", map[string]any{"code": normalized})
	return nil
}

func (s *couponService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var couponErr *repositories.CouponError
	if errors.As(err, &couponErr) {
		switch couponErr.Code {
		case repositories.CouponErrorNotFound:
			return fmt.Errorf("%w: %s", ErrCouponNotFound, couponErr.Message)
		case repositories.CouponErrorExhausted:
			return fmt.Errorf("%w: %s", ErrCouponRedemptionConflict, couponErr.Message)
		case repositories.CouponErrorAlreadyUsed:
			return fmt.Errorf("%w: %s", ErrCouponAlreadyUsed, couponErr.Message)
		case repositories.CouponErrorUsageNotFound:
			return fmt.Errorf("%w: %s", ErrCouponNotFound, couponErr.Message)
		}
	}

	return err
}

// computeDiscount prices the quote. A percentage coupon is clamped to the
// optional maximum; a fixed coupon never exceeds the order amount.
func computeDiscount(coupon Coupon, orderAmount int64) int64 {
	var discount int64
	switch coupon.DiscountType {
	case domain.DiscountPercentage:
		discount = orderAmount * coupon.DiscountValue / 100
		if max, ok := coupon.MaxDiscountAmount.Get(); ok && discount > max {
			discount = max
		}
	case domain.DiscountFixed:
		discount = coupon.DiscountValue
	}
	if discount > orderAmount {
		discount = orderAmount
	}
	if discount < 0 {
		discount = 0
	}
	return discount
}
