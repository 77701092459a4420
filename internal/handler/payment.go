package handler

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/cinema-seat-saga/internal/apperr"
	"github.com/iliyamo/cinema-seat-saga/internal/middleware"
	"github.com/iliyamo/cinema-seat-saga/internal/model"
)

// SettlementService is the Settlement-side behaviour the HTTP layer needs.
type SettlementService interface {
	Confirm(ctx context.Context, ref string, outcome model.PaymentStatus, reason string) (model.PaymentTransaction, error)
	Cancel(ctx context.Context, bookingID, userID string) (model.PaymentTransaction, error)
}

// WebhookSecretHeader carries the shared secret of provider callbacks.
const WebhookSecretHeader = "X-Webhook-Secret"

// PaymentHandler serves provider callbacks and user cancellation.
type PaymentHandler struct {
	svc    SettlementService
	secret string
}

// NewPaymentHandler panics on a nil service.  An empty secret accepts
// every callback.
func NewPaymentHandler(svc SettlementService, webhookSecret string) *PaymentHandler {
	if svc == nil {
		panic("nil service passed to NewPaymentHandler")
	}
	return &PaymentHandler{svc: svc, secret: webhookSecret}
}

// Webhook handles POST /v1/payments/webhook.  Repeated callbacks for a
// settled transaction return its current state.
func (h *PaymentHandler) Webhook(c echo.Context) error {
	if h.secret != "" {
		got := c.Request().Header.Get(WebhookSecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) != 1 {
			return apperr.New(apperr.Unauthorized, "unauthorized", "bad webhook secret")
		}
	}
	var body struct {
		TransactionRef string              `json:"transaction_ref"`
		Status         model.PaymentStatus `json:"status"`
		Reason         string              `json:"reason"`
	}
	if err := c.Bind(&body); err != nil {
		return badRequest("invalid request body")
	}
	tx, err := h.svc.Confirm(c.Request().Context(), body.TransactionRef, body.Status, body.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, tx)
}

// Cancel handles POST /v1/payments/:bookingId/cancel.
func (h *PaymentHandler) Cancel(c echo.Context) error {
	tx, err := h.svc.Cancel(c.Request().Context(), c.Param("bookingId"), middleware.UserID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, tx)
}
