package client

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/iliyamo/cinema-seat-saga/internal/apperr"
	"github.com/iliyamo/cinema-seat-saga/internal/model"
	"github.com/iliyamo/cinema-seat-saga/internal/resilience"
)

type priceQuery struct {
	showtimeID string
	seatIDs    []string
}

// PricingClient quotes seat prices.  There is no degraded answer: when the
// pricing service cannot be reached the call fails with
// ErrPricingUnavailable.
type PricingClient struct {
	call func(context.Context, priceQuery) (map[string]int64, error)
}

// NewPricingClient builds a PricingClient for the service at base.
func NewPricingClient(base string, hc *http.Client, b *resilience.Breaker) *PricingClient {
	jc := NewJSON(base, hc)
	op := func(ctx context.Context, q priceQuery) (map[string]int64, error) {
		var out struct {
			Prices map[string]int64 `json:"prices"`
		}
		path := "/v1/showtimes/" + url.PathEscape(q.showtimeID) + "/prices?seats=" + url.QueryEscape(strings.Join(q.seatIDs, ","))
		if err := jc.Do(ctx, http.MethodGet, path, nil, &out); err != nil {
			return nil, err
		}
		for _, s := range q.seatIDs {
			if _, ok := out.Prices[s]; !ok {
				return nil, apperr.New(apperr.NotFound, "seat_not_found", "no price for seat "+s)
			}
		}
		return out.Prices, nil
	}
	fallback := func(_ context.Context, _ priceQuery, err error) (map[string]int64, error) {
		if apperr.Is(err, apperr.NotFound) || apperr.Is(err, apperr.Validation) {
			return nil, err
		}
		return nil, ErrPricingUnavailable
	}
	return &PricingClient{call: resilience.Wrap(b, op, fallback)}
}

// SeatPrices returns the price in cents of every requested seat.
func (c *PricingClient) SeatPrices(ctx context.Context, showtimeID string, seatIDs []string) (map[string]int64, error) {
	return c.call(ctx, priceQuery{showtimeID: showtimeID, seatIDs: seatIDs})
}

// DiscountQuery is what the promotion service needs to price a discount.
type DiscountQuery struct {
	UserID        string `json:"userId"`
	ShowtimeID    string `json:"showtimeId"`
	SubtotalCents int64  `json:"subtotal"`
	Rank          string `json:"rank"`
}

// PromotionClient computes discounts.  Any failure degrades to no discount.
type PromotionClient struct {
	call func(context.Context, DiscountQuery) (int64, error)
}

// NewPromotionClient builds a PromotionClient for the service at base.
func NewPromotionClient(base string, hc *http.Client, b *resilience.Breaker) *PromotionClient {
	jc := NewJSON(base, hc)
	op := func(ctx context.Context, q DiscountQuery) (int64, error) {
		var out struct {
			Discount int64 `json:"discount"`
		}
		if err := jc.Do(ctx, http.MethodPost, "/v1/promotions/quote", q, &out); err != nil {
			return 0, err
		}
		return out.Discount, nil
	}
	fallback := func(context.Context, DiscountQuery, error) (int64, error) { return 0, nil }
	return &PromotionClient{call: resilience.Wrap(b, op, fallback)}
}

// Discount returns the discount in cents, clamped to [0, subtotal].
func (c *PromotionClient) Discount(ctx context.Context, q DiscountQuery) int64 {
	d, _ := c.call(ctx, q)
	if d < 0 {
		return 0
	}
	if d > q.SubtotalCents {
		return q.SubtotalCents
	}
	return d
}

// CatalogClient looks up movie titles.  Failure degrades to UnknownTitle.
type CatalogClient struct {
	call func(context.Context, string) (string, error)
}

// NewCatalogClient builds a CatalogClient for the service at base.
func NewCatalogClient(base string, hc *http.Client, b *resilience.Breaker) *CatalogClient {
	jc := NewJSON(base, hc)
	op := func(ctx context.Context, movieID string) (string, error) {
		var out struct {
			Title string `json:"title"`
		}
		if err := jc.Do(ctx, http.MethodGet, "/v1/movies/"+url.PathEscape(movieID), nil, &out); err != nil {
			return "", err
		}
		if out.Title == "" {
			return UnknownTitle, nil
		}
		return out.Title, nil
	}
	fallback := func(context.Context, string, error) (string, error) { return UnknownTitle, nil }
	return &CatalogClient{call: resilience.Wrap(b, op, fallback)}
}

// MovieTitle returns the title of a movie or UnknownTitle.
func (c *CatalogClient) MovieTitle(ctx context.Context, movieID string) string {
	t, _ := c.call(ctx, movieID)
	return t
}

// ProfileClient looks up loyalty ranks.  Failure degrades to StandardRank.
type ProfileClient struct {
	call func(context.Context, string) (string, error)
}

// NewProfileClient builds a ProfileClient for the service at base.
func NewProfileClient(base string, hc *http.Client, b *resilience.Breaker) *ProfileClient {
	jc := NewJSON(base, hc)
	op := func(ctx context.Context, userID string) (string, error) {
		var out struct {
			Rank string `json:"rank"`
		}
		if err := jc.Do(ctx, http.MethodGet, "/v1/users/"+url.PathEscape(userID)+"/profile", nil, &out); err != nil {
			return "", err
		}
		if out.Rank == "" {
			return StandardRank, nil
		}
		return out.Rank, nil
	}
	fallback := func(context.Context, string, error) (string, error) { return StandardRank, nil }
	return &ProfileClient{call: resilience.Wrap(b, op, fallback)}
}

// Rank returns the user's loyalty rank or StandardRank.
func (c *ProfileClient) Rank(ctx context.Context, userID string) string {
	r, _ := c.call(ctx, userID)
	return r
}

// ShowtimeClient reads showtime summaries from the showtime service.  There
// is no sensible default for a showtime, so failures surface as Dependency
// errors; a missing showtime stays NotFound.
type ShowtimeClient struct {
	call func(context.Context, string) (model.Showtime, error)
}

// NewShowtimeClient builds a ShowtimeClient for the service at base.
func NewShowtimeClient(base string, hc *http.Client, b *resilience.Breaker) *ShowtimeClient {
	jc := NewJSON(base, hc)
	op := func(ctx context.Context, id string) (model.Showtime, error) {
		var out model.Showtime
		err := jc.Do(ctx, http.MethodGet, "/v1/showtimes/"+url.PathEscape(id), nil, &out)
		return out, err
	}
	fallback := func(_ context.Context, _ string, err error) (model.Showtime, error) {
		if apperr.Is(err, apperr.NotFound) {
			return model.Showtime{}, apperr.New(apperr.NotFound, "showtime_not_found", "showtime not found")
		}
		return model.Showtime{}, apperr.Wrap(err, apperr.Dependency, "showtime service unavailable")
	}
	return &ShowtimeClient{call: resilience.Wrap(b, op, fallback)}
}

// Showtime returns the summary of a showtime.
func (c *ShowtimeClient) Showtime(ctx context.Context, id string) (model.Showtime, error) {
	return c.call(ctx, id)
}
