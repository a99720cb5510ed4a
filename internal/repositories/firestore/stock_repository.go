package firestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/kallkeyy/storefront-api/internal/domain"
	pfirestore "github.com/kallkeyy/storefront-api/internal/platform/firestore"
	"github.com/kallkeyy/storefront-api/internal/repositories"
)

const (
	productsCollection          = "products"
	stockReservationsCollection = "stockReservations"

	reservationStatusReserved  = "reserved"
	reservationStatusCommitted = "committed"
	reservationStatusReleased  = "released"
)

// StockRepository adjusts per-size stock on product documents and tracks the
// reservation lifecycle. Reserving decrements availability immediately so two
// checkouts can never hold the same unit.
type StockRepository struct {
	provider     *pfirestore.Provider
	products     *pfirestore.BaseRepository[productStockDocument]
	reservations *pfirestore.BaseRepository[reservationDocument]
}

func NewStockRepository(provider *pfirestore.Provider) (*StockRepository, error) {
	if provider == nil {
		return nil, errors.New("stock repository requires firestore provider")
	}
	products := pfirestore.NewBaseRepository[productStockDocument](provider, productsCollection, nil)
	reservations := pfirestore.NewBaseRepository[reservationDocument](provider, stockReservationsCollection, nil)
	return &StockRepository{provider: provider, products: products, reservations: reservations}, nil
}

func (r *StockRepository) Reserve(ctx context.Context, req repositories.StockReserveRequest) (repositories.StockReserveResult, error) {
	if r == nil || r.provider == nil {
		return repositories.StockReserveResult{}, errors.New("stock repository not initialised")
	}
	if req.Reservation.ID == "" {
		return repositories.StockReserveResult{}, errors.New("stock reserve: reservation id is required")
	}
	if len(req.Reservation.Lines) == 0 {
		return repositories.StockReserveResult{}, errors.New("stock reserve: at least one line is required")
	}

	now := req.Now.UTC()
	reservation := req.Reservation
	reservation.Status = reservationStatusReserved
	reservation.CreatedAt = reservation.CreatedAt.UTC()
	if reservation.CreatedAt.IsZero() {
		reservation.CreatedAt = now
	}
	reservation.UpdatedAt = now
	reservation.ExpiresAt = reservation.ExpiresAt.UTC()

	lines, err := normalizeLines(reservation.Lines)
	if err != nil {
		return repositories.StockReserveResult{}, err
	}
	reservation.Lines = lines

	var result repositories.StockReserveResult
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		resRef, err := r.reservations.DocumentRef(ctx, reservation.ID)
		if err != nil {
			return err
		}

		if _, err := tx.Get(resRef); err == nil {
			return repositories.NewStockError(repositories.StockErrorInvalidReservationState, fmt.Sprintf("reservation %s already exists", reservation.ID), nil)
		} else if status.Code(err) != codes.NotFound {
			return err
		}

		// All product reads happen before any write so a single failing line
		// aborts the batch with no partial decrements.
		docs := make(map[string]*productStockDocument)
		refs := make(map[string]*firestore.DocumentRef)
		for _, line := range lines {
			if _, ok := docs[line.ProductID]; ok {
				continue
			}
			ref, err := r.products.DocumentRef(ctx, line.ProductID)
			if err != nil {
				return err
			}
			snap, err := tx.Get(ref)
			if err != nil {
				if status.Code(err) == codes.NotFound {
					return repositories.NewStockError(repositories.StockErrorProductNotFound, fmt.Sprintf("product %s not found", line.ProductID), err)
				}
				return err
			}
			var doc productStockDocument
			if err := snap.DataTo(&doc); err != nil {
				return fmt.Errorf("decode product stock %s: %w", line.ProductID, err)
			}
			docs[line.ProductID] = &doc
			refs[line.ProductID] = ref
		}

		for _, line := range lines {
			doc := docs[line.ProductID]
			available, ok := doc.Stock[string(line.Size)]
			if !ok {
				return repositories.NewStockError(repositories.StockErrorVariantNotFound, fmt.Sprintf("product %s has no size %s", line.ProductID, line.Size), nil)
			}
			if available < line.Quantity {
				return repositories.NewStockError(repositories.StockErrorInsufficient, fmt.Sprintf("insufficient stock for %s size %s", line.ProductID, line.Size), nil)
			}
			doc.Stock[string(line.Size)] = available - line.Quantity
		}

		products := make(map[string]domain.Product, len(docs))
		for productID, doc := range docs {
			doc.UpdatedAt = now
			doc.recalculate()
			if err := tx.Update(refs[productID], doc.updates()); err != nil {
				return err
			}
			products[productID] = doc.toDomain(productID)
		}

		resDoc := newReservationDocument(reservation)
		if err := tx.Create(resRef, resDoc); err != nil {
			if status.Code(err) == codes.AlreadyExists {
				return repositories.NewStockError(repositories.StockErrorInvalidReservationState, fmt.Sprintf("reservation %s already exists", reservation.ID), err)
			}
			return err
		}

		result = repositories.StockReserveResult{
			Reservation: resDoc.toDomain(reservation.ID),
			Products:    products,
		}
		return nil
	})
	if err != nil {
		return repositories.StockReserveResult{}, wrapStockError("stock.reserve", err)
	}
	return result, nil
}

func (r *StockRepository) Commit(ctx context.Context, req repositories.StockCommitRequest) (repositories.StockCommitResult, error) {
	if r == nil || r.provider == nil {
		return repositories.StockCommitResult{}, errors.New("stock repository not initialised")
	}
	if strings.TrimSpace(req.ReservationID) == "" {
		return repositories.StockCommitResult{}, errors.New("stock commit: reservation id is required")
	}

	now := req.Now.UTC()
	var result repositories.StockCommitResult

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		resRef, resDoc, err := r.getReservationTx(ctx, tx, req.ReservationID)
		if err != nil {
			return err
		}
		// A reservation already committed to the same order is a duplicate
		// delivery of the same confirmation, not a fault. Returning it as-is
		// keeps concurrent confirms from failing the order they both settle.
		if resDoc.Status == reservationStatusCommitted && req.OrderRef != "" && strings.EqualFold(resDoc.OrderRef, req.OrderRef) {
			result = repositories.StockCommitResult{Reservation: resDoc.toDomain(req.ReservationID)}
			return nil
		}
		if resDoc.Status != reservationStatusReserved {
			return repositories.NewStockError(repositories.StockErrorInvalidReservationState, fmt.Sprintf("reservation %s is not in reserved status", req.ReservationID), nil)
		}
		if req.OrderRef != "" && !strings.EqualFold(resDoc.OrderRef, req.OrderRef) {
			return repositories.NewStockError(repositories.StockErrorInvalidReservationState, fmt.Sprintf("reservation %s order mismatch", req.ReservationID), nil)
		}

		// Units were already removed at reserve time. Commit pins the
		// reservation and refreshes the availability flag on each product.
		products, err := r.touchProductsTx(ctx, tx, resDoc.Lines, now)
		if err != nil {
			return err
		}

		resDoc.Status = reservationStatusCommitted
		resDoc.UpdatedAt = now
		resDoc.CommittedAt = &now
		if err := tx.Set(resRef, resDoc); err != nil {
			return err
		}

		result = repositories.StockCommitResult{
			Reservation: resDoc.toDomain(req.ReservationID),
			Products:    products,
		}
		return nil
	})
	if err != nil {
		return repositories.StockCommitResult{}, wrapStockError("stock.commit", err)
	}
	return result, nil
}

func (r *StockRepository) Release(ctx context.Context, req repositories.StockReleaseRequest) (repositories.StockReleaseResult, error) {
	if r == nil || r.provider == nil {
		return repositories.StockReleaseResult{}, errors.New("stock repository not initialised")
	}
	if strings.TrimSpace(req.ReservationID) == "" {
		return repositories.StockReleaseResult{}, errors.New("stock release: reservation id is required")
	}

	now := req.Now.UTC()
	var result repositories.StockReleaseResult

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		resRef, resDoc, err := r.getReservationTx(ctx, tx, req.ReservationID)
		if err != nil {
			return err
		}
		// Committed reservations can still be released: cancelling a paid but
		// unshipped order restocks the units it held.
		if resDoc.Status != reservationStatusReserved && resDoc.Status != reservationStatusCommitted {
			return repositories.NewStockError(repositories.StockErrorInvalidReservationState, fmt.Sprintf("reservation %s already released", req.ReservationID), nil)
		}

		docs := make(map[string]*productStockDocument)
		refs := make(map[string]*firestore.DocumentRef)
		for _, line := range resDoc.Lines {
			productID := strings.TrimSpace(line.ProductID)
			if _, ok := docs[productID]; ok {
				continue
			}
			ref, err := r.products.DocumentRef(ctx, productID)
			if err != nil {
				return err
			}
			snap, err := tx.Get(ref)
			if err != nil {
				if status.Code(err) == codes.NotFound {
					return repositories.NewStockError(repositories.StockErrorProductNotFound, fmt.Sprintf("product %s not found", productID), err)
				}
				return err
			}
			var doc productStockDocument
			if err := snap.DataTo(&doc); err != nil {
				return fmt.Errorf("decode product stock %s: %w", productID, err)
			}
			docs[productID] = &doc
			refs[productID] = ref
		}

		for _, line := range resDoc.Lines {
			doc := docs[strings.TrimSpace(line.ProductID)]
			if doc.Stock == nil {
				doc.Stock = make(map[string]int)
			}
			doc.Stock[line.Size] += line.Quantity
		}

		products := make(map[string]domain.Product, len(docs))
		for productID, doc := range docs {
			doc.UpdatedAt = now
			doc.recalculate()
			if err := tx.Update(refs[productID], doc.updates()); err != nil {
				return err
			}
			products[productID] = doc.toDomain(productID)
		}

		resDoc.Status = reservationStatusReleased
		resDoc.UpdatedAt = now
		resDoc.ReleasedAt = &now
		if req.Reason != "" {
			resDoc.Reason = strings.TrimSpace(req.Reason)
		}
		if err := tx.Set(resRef, resDoc); err != nil {
			return err
		}

		result = repositories.StockReleaseResult{
			Reservation: resDoc.toDomain(req.ReservationID),
			Products:    products,
		}
		return nil
	})
	if err != nil {
		return repositories.StockReleaseResult{}, wrapStockError("stock.release", err)
	}
	return result, nil
}

func (r *StockRepository) GetReservation(ctx context.Context, reservationID string) (domain.StockReservation, error) {
	if r == nil || r.reservations == nil {
		return domain.StockReservation{}, errors.New("stock repository not initialised")
	}
	reservationID = strings.TrimSpace(reservationID)
	if reservationID == "" {
		return domain.StockReservation{}, errors.New("stock get reservation: id is required")
	}

	doc, err := r.reservations.Get(ctx, reservationID)
	if err != nil {
		var repoErr *pfirestore.Error
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return domain.StockReservation{}, repositories.NewStockError(repositories.StockErrorReservationNotFound, fmt.Sprintf("reservation %s not found", reservationID), err)
		}
		return domain.StockReservation{}, wrapStockError("stock.getReservation", err)
	}

	return doc.Data.toDomain(doc.ID), nil
}

func (r *StockRepository) ListExpired(ctx context.Context, query repositories.ExpiredReservationQuery) ([]domain.StockReservation, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("stock repository not initialised")
	}

	limit := query.Limit
	if limit <= 0 {
		limit = 100
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, wrapStockError("stock.listExpired", err)
	}

	firestoreQuery := client.Collection(stockReservationsCollection).
		Where("status", "==", reservationStatusReserved).
		Where("expiresAt", "<=", query.Now.UTC()).
		OrderBy("expiresAt", firestore.Asc).
		Limit(limit)

	iter := firestoreQuery.Documents(ctx)
	defer iter.Stop()

	var reservations []domain.StockReservation
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, wrapStockError("stock.listExpired", err)
		}
		doc, err := decodeReservation(snap)
		if err != nil {
			return nil, err
		}
		reservations = append(reservations, doc.toDomain(snap.Ref.ID))
	}
	return reservations, nil
}

func (r *StockRepository) getReservationTx(ctx context.Context, tx *firestore.Transaction, reservationID string) (*firestore.DocumentRef, reservationDocument, error) {
	resRef, err := r.reservations.DocumentRef(ctx, reservationID)
	if err != nil {
		return nil, reservationDocument{}, err
	}
	resSnap, err := tx.Get(resRef)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, reservationDocument{}, repositories.NewStockError(repositories.StockErrorReservationNotFound, fmt.Sprintf("reservation %s not found", reservationID), err)
		}
		return nil, reservationDocument{}, err
	}
	resDoc, err := decodeReservation(resSnap)
	if err != nil {
		return nil, reservationDocument{}, err
	}
	return resRef, resDoc, nil
}

func (r *StockRepository) touchProductsTx(ctx context.Context, tx *firestore.Transaction, lines []reservationLineDocument, now time.Time) (map[string]domain.Product, error) {
	docs := make(map[string]*productStockDocument)
	refs := make(map[string]*firestore.DocumentRef)
	for _, line := range lines {
		productID := strings.TrimSpace(line.ProductID)
		if _, ok := docs[productID]; ok {
			continue
		}
		ref, err := r.products.DocumentRef(ctx, productID)
		if err != nil {
			return nil, err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return nil, repositories.NewStockError(repositories.StockErrorProductNotFound, fmt.Sprintf("product %s not found", productID), err)
			}
			return nil, err
		}
		var doc productStockDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode product stock %s: %w", productID, err)
		}
		docs[productID] = &doc
		refs[productID] = ref
	}

	products := make(map[string]domain.Product, len(docs))
	for productID, doc := range docs {
		doc.UpdatedAt = now
		doc.recalculate()
		if err := tx.Update(refs[productID], doc.updates()); err != nil {
			return nil, err
		}
		products[productID] = doc.toDomain(productID)
	}
	return products, nil
}

// normalizeLines validates and orders reservation lines by product then size so
// concurrent batches always touch documents in the same sequence.
func normalizeLines(lines []domain.StockReservationLine) ([]domain.StockReservationLine, error) {
	out := make([]domain.StockReservationLine, 0, len(lines))
	for _, line := range lines {
		productID := strings.TrimSpace(line.ProductID)
		if productID == "" {
			return nil, repositories.NewStockError(repositories.StockErrorProductNotFound, "stock reserve: product id is required", nil)
		}
		if !domain.ValidSize(string(line.Size)) {
			return nil, repositories.NewStockError(repositories.StockErrorVariantNotFound, fmt.Sprintf("stock reserve: invalid size %q", line.Size), nil)
		}
		if line.Quantity <= 0 {
			return nil, repositories.NewStockError(repositories.StockErrorUnknown, fmt.Sprintf("stock reserve: quantity for %s must be > 0", productID), nil)
		}
		out = append(out, domain.StockReservationLine{
			ProductID: productID,
			Size:      line.Size,
			Quantity:  line.Quantity,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ProductID != out[j].ProductID {
			return out[i].ProductID < out[j].ProductID
		}
		return out[i].Size < out[j].Size
	})
	// Merge duplicate (product, size) pairs so a single conditional check
	// covers the combined quantity.
	merged := out[:0]
	for _, line := range out {
		if len(merged) > 0 {
			last := &merged[len(merged)-1]
			if last.ProductID == line.ProductID && last.Size == line.Size {
				last.Quantity += line.Quantity
				continue
			}
		}
		merged = append(merged, line)
	}
	return merged, nil
}

// Helper structures ---------------------------------------------------------

// productStockDocument carries only the fields the ledger owns. Catalog fields
// on the same document are never written from here.
type productStockDocument struct {
	Stock     map[string]int `firestore:"stock"`
	InStock   bool           `firestore:"inStock"`
	UpdatedAt time.Time      `firestore:"updatedAt"`
}

func (p *productStockDocument) recalculate() {
	p.InStock = domain.ComputeInStock(p.sizedStock())
}

func (p productStockDocument) sizedStock() map[domain.Size]int {
	stock := make(map[domain.Size]int, len(p.Stock))
	for size, qty := range p.Stock {
		stock[domain.Size(size)] = qty
	}
	return stock
}

func (p *productStockDocument) updates() []firestore.Update {
	return []firestore.Update{
		{Path: "stock", Value: p.Stock},
		{Path: "inStock", Value: p.InStock},
		{Path: "updatedAt", Value: p.UpdatedAt},
	}
}

func (p productStockDocument) toDomain(id string) domain.Product {
	return domain.Product{
		ID:        id,
		Stock:     p.sizedStock(),
		InStock:   p.InStock,
		UpdatedAt: p.UpdatedAt,
	}
}

type reservationDocument struct {
	OrderRef    string                    `firestore:"orderRef"`
	UserRef     string                    `firestore:"userRef"`
	Status      string                    `firestore:"status"`
	Lines       []reservationLineDocument `firestore:"lines"`
	Reason      string                    `firestore:"reason,omitempty"`
	ExpiresAt   time.Time                 `firestore:"expiresAt"`
	ReleasedAt  *time.Time                `firestore:"releasedAt,omitempty"`
	CommittedAt *time.Time                `firestore:"committedAt,omitempty"`
	CreatedAt   time.Time                 `firestore:"createdAt"`
	UpdatedAt   time.Time                 `firestore:"updatedAt"`
}

type reservationLineDocument struct {
	ProductID string `firestore:"productId"`
	Size      string `firestore:"size"`
	Quantity  int    `firestore:"qty"`
}

func newReservationDocument(res domain.StockReservation) reservationDocument {
	lines := make([]reservationLineDocument, len(res.Lines))
	for i, line := range res.Lines {
		lines[i] = reservationLineDocument{
			ProductID: strings.TrimSpace(line.ProductID),
			Size:      string(line.Size),
			Quantity:  line.Quantity,
		}
	}
	return reservationDocument{
		OrderRef:    strings.TrimSpace(res.OrderRef),
		UserRef:     strings.TrimSpace(res.UserRef),
		Status:      strings.TrimSpace(res.Status),
		Lines:       lines,
		Reason:      strings.TrimSpace(res.Reason),
		ExpiresAt:   res.ExpiresAt.UTC(),
		ReleasedAt:  res.ReleasedAt,
		CommittedAt: res.CommittedAt,
		CreatedAt:   res.CreatedAt.UTC(),
		UpdatedAt:   res.UpdatedAt.UTC(),
	}
}

func (d reservationDocument) toDomain(id string) domain.StockReservation {
	lines := make([]domain.StockReservationLine, len(d.Lines))
	for i, line := range d.Lines {
		lines[i] = domain.StockReservationLine{
			ProductID: strings.TrimSpace(line.ProductID),
			Size:      domain.Size(line.Size),
			Quantity:  line.Quantity,
		}
	}
	return domain.StockReservation{
		ID:          id,
		OrderRef:    strings.TrimSpace(d.OrderRef),
		UserRef:     strings.TrimSpace(d.UserRef),
		Status:      strings.TrimSpace(d.Status),
		Lines:       lines,
		Reason:      strings.TrimSpace(d.Reason),
		ExpiresAt:   d.ExpiresAt,
		ReleasedAt:  d.ReleasedAt,
		CommittedAt: d.CommittedAt,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}

func decodeReservation(snap *firestore.DocumentSnapshot) (reservationDocument, error) {
	var doc reservationDocument
	if err := snap.DataTo(&doc); err != nil {
		return reservationDocument{}, fmt.Errorf("decode reservation %s: %w", snap.Ref.ID, err)
	}
	return doc, nil
}

func wrapStockError(op string, err error) error {
	if err == nil {
		return nil
	}
	var stockErr *repositories.StockError
	if errors.As(err, &stockErr) {
		if stockErr.Op == "" {
			stockErr.Op = op
		}
		return stockErr
	}
	return pfirestore.WrapError(op, err)
}
