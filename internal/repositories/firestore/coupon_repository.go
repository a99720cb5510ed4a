package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/kallkeyy/storefront-api/internal/domain"
	pfirestore "github.com/kallkeyy/storefront-api/internal/platform/firestore"
	"github.com/kallkeyy/storefront-api/internal/repositories"
)

const couponsCollection = "coupons"

// CouponRepository reads coupon documents and appends to the redemption ledger.
// The usage limit and per-account checks are re-run inside the transaction so
// concurrent redemptions of the last slot cannot both succeed.
type CouponRepository struct {
	provider *pfirestore.Provider
	coupons  *pfirestore.BaseRepository[couponDocument]
}

func NewCouponRepository(provider *pfirestore.Provider) (*CouponRepository, error) {
	if provider == nil {
		return nil, errors.New("coupon repository requires firestore provider")
	}
	coupons := pfirestore.NewBaseRepository[couponDocument](provider, couponsCollection, nil)
	return &CouponRepository{provider: provider, coupons: coupons}, nil
}

func (r *CouponRepository) FindByCode(ctx context.Context, code string) (domain.Coupon, error) {
	if r == nil || r.coupons == nil {
		return domain.Coupon{}, errors.New("coupon repository not initialised")
	}
	code = domain.NormalizeCouponCode(code)
	if code == "" {
		return domain.Coupon{}, errors.New("coupon find: code is required")
	}

	doc, err := r.coupons.Get(ctx, code)
	if err != nil {
		var repoErr *pfirestore.Error
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return domain.Coupon{}, repositories.NewCouponError(repositories.CouponErrorNotFound, fmt.Sprintf("coupon %s not found", code), err)
		}
		return domain.Coupon{}, wrapCouponError("coupon.findByCode", err)
	}

	return doc.Data.toDomain(doc.ID), nil
}

func (r *CouponRepository) Redeem(ctx context.Context, req repositories.CouponRedeemRequest) (domain.Coupon, error) {
	if r == nil || r.provider == nil {
		return domain.Coupon{}, errors.New("coupon repository not initialised")
	}
	code := domain.NormalizeCouponCode(req.Code)
	userID := strings.TrimSpace(req.UserID)
	if code == "" {
		return domain.Coupon{}, errors.New("coupon redeem: code is required")
	}
	if userID == "" {
		return domain.Coupon{}, errors.New("coupon redeem: user id is required")
	}

	now := req.Now.UTC()
	var redeemed domain.Coupon

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, doc, err := r.getCouponTx(ctx, tx, code)
		if err != nil {
			return err
		}

		// A ledger entry for the same account and order means this redemption
		// already happened; return it untouched so redeliveries are idempotent.
		orderID := strings.TrimSpace(req.OrderID)
		if orderID != "" {
			for _, usage := range doc.UsedBy {
				if usage.UserID == userID && usage.OrderID == orderID {
					redeemed = doc.toDomain(code)
					return nil
				}
			}
		}

		if doc.UsageLimit != nil && doc.UsedCount >= *doc.UsageLimit {
			return repositories.NewCouponError(repositories.CouponErrorExhausted, fmt.Sprintf("coupon %s usage limit reached", code), nil)
		}
		if doc.Rules.OncePerAccount {
			for _, usage := range doc.UsedBy {
				if usage.UserID == userID {
					return repositories.NewCouponError(repositories.CouponErrorAlreadyUsed, fmt.Sprintf("coupon %s already redeemed by account", code), nil)
				}
			}
		}

		doc.UsedBy = append(doc.UsedBy, couponUsageDocument{UserID: userID, OrderID: orderID, UsedAt: now})
		doc.UsedCount++
		doc.UpdatedAt = now

		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		redeemed = doc.toDomain(code)
		return nil
	})
	if err != nil {
		return domain.Coupon{}, wrapCouponError("coupon.redeem", err)
	}
	return redeemed, nil
}

func (r *CouponRepository) ReleaseUsage(ctx context.Context, code string, userID string) (domain.Coupon, error) {
	if r == nil || r.provider == nil {
		return domain.Coupon{}, errors.New("coupon repository not initialised")
	}
	code = domain.NormalizeCouponCode(code)
	userID = strings.TrimSpace(userID)
	if code == "" {
		return domain.Coupon{}, errors.New("coupon release usage: code is required")
	}
	if userID == "" {
		return domain.Coupon{}, errors.New("coupon release usage: user id is required")
	}

	var released domain.Coupon
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, doc, err := r.getCouponTx(ctx, tx, code)
		if err != nil {
			return err
		}

		idx := -1
		for i, usage := range doc.UsedBy {
			if usage.UserID == userID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return repositories.NewCouponError(repositories.CouponErrorUsageNotFound, fmt.Sprintf("coupon %s has no usage for account", code), nil)
		}

		doc.UsedBy = append(doc.UsedBy[:idx], doc.UsedBy[idx+1:]...)
		if doc.UsedCount > 0 {
			doc.UsedCount--
		}
		doc.UpdatedAt = time.Now().UTC()

		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		released = doc.toDomain(code)
		return nil
	})
	if err != nil {
		return domain.Coupon{}, wrapCouponError("coupon.releaseUsage", err)
	}
	return released, nil
}

func (r *CouponRepository) getCouponTx(ctx context.Context, tx *firestore.Transaction, code string) (*firestore.DocumentRef, couponDocument, error) {
	ref, err := r.coupons.DocumentRef(ctx, code)
	if err != nil {
		return nil, couponDocument{}, err
	}
	snap, err := tx.Get(ref)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, couponDocument{}, repositories.NewCouponError(repositories.CouponErrorNotFound, fmt.Sprintf("coupon %s not found", code), err)
		}
		return nil, couponDocument{}, err
	}
	var doc couponDocument
	if err := snap.DataTo(&doc); err != nil {
		return nil, couponDocument{}, fmt.Errorf("decode coupon %s: %w", code, err)
	}
	return ref, doc, nil
}

// Helper structures ---------------------------------------------------------

type couponDocument struct {
	Code              string                `firestore:"code"`
	DiscountType      string                `firestore:"discountType"`
	DiscountValue     int64                 `firestore:"discountValue"`
	MinPurchaseAmount *int64                `firestore:"minPurchaseAmount,omitempty"`
	MaxDiscountAmount *int64                `firestore:"maxDiscountAmount,omitempty"`
	UsageLimit        *int64                `firestore:"usageLimit,omitempty"`
	UsedCount         int64                 `firestore:"usedCount"`
	ValidFrom         time.Time             `firestore:"validFrom"`
	ValidUntil        *time.Time            `firestore:"validUntil,omitempty"`
	Rules             couponRulesDocument   `firestore:"rules"`
	UsedBy            []couponUsageDocument `firestore:"usedBy"`
	Active            bool                  `firestore:"active"`
	CreatedAt         time.Time             `firestore:"createdAt"`
	UpdatedAt         time.Time             `firestore:"updatedAt"`
}

type couponRulesDocument struct {
	FirstTimePurchaseOnly bool `firestore:"firstTimePurchaseOnly"`
	OncePerAccount        bool `firestore:"oncePerAccount"`
	ApplyToShipping       bool `firestore:"applyToShipping"`
}

type couponUsageDocument struct {
	UserID  string    `firestore:"userId"`
	OrderID string    `firestore:"orderId,omitempty"`
	UsedAt  time.Time `firestore:"usedAt"`
}

func (d couponDocument) toDomain(id string) domain.Coupon {
	usedBy := make([]domain.CouponUsage, len(d.UsedBy))
	for i, usage := range d.UsedBy {
		usedBy[i] = domain.CouponUsage{UserID: usage.UserID, OrderID: usage.OrderID, UsedAt: usage.UsedAt}
	}
	coupon := domain.Coupon{
		Code:          domain.NormalizeCouponCode(id),
		DiscountType:  domain.DiscountType(d.DiscountType),
		DiscountValue: d.DiscountValue,
		UsedCount:     d.UsedCount,
		ValidFrom:     d.ValidFrom,
		Rules: domain.CouponRules{
			FirstTimePurchaseOnly: d.Rules.FirstTimePurchaseOnly,
			OncePerAccount:        d.Rules.OncePerAccount,
			ApplyToShipping:       d.Rules.ApplyToShipping,
		},
		UsedBy:    usedBy,
		Active:    d.Active,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
	if d.MinPurchaseAmount != nil {
		coupon.MinPurchaseAmount = domain.Some(*d.MinPurchaseAmount)
	}
	if d.MaxDiscountAmount != nil {
		coupon.MaxDiscountAmount = domain.Some(*d.MaxDiscountAmount)
	}
	if d.UsageLimit != nil {
		coupon.UsageLimit = domain.Some(*d.UsageLimit)
	}
	if d.ValidUntil != nil {
		coupon.ValidUntil = domain.Some(d.ValidUntil.UTC())
	}
	return coupon
}

func wrapCouponError(op string, err error) error {
	if err == nil {
		return nil
	}
	var couponErr *repositories.CouponError
	if errors.As(err, &couponErr) {
		if couponErr.Op == "" {
			couponErr.Op = op
		}
		return couponErr
	}
	return pfirestore.WrapError(op, err)
}
