package order

import (
	"github.com/iliyamo/cinema-seat-saga/internal/events"
	"github.com/iliyamo/cinema-seat-saga/internal/model"
)

// Trigger is something that happened to a booking.
type Trigger string

const (
	SettlementSucceeded Trigger = "settlement_succeeded"
	SettlementFailed    Trigger = "settlement_failed"
	HoldExpired         Trigger = "hold_expired"
	ShowtimeSuspended   Trigger = "showtime_suspended"
	RefundRequested     Trigger = "refund_requested"
	// LatePayment is a settlement success for a PENDING booking whose hold
	// has already lapsed: the seats may belong to somebody else by now.
	LatePayment Trigger = "late_payment"
)

// Emission is an event a transition publishes.  Reason is set for
// seat.unlocked and booking.refund.issued.
type Emission struct {
	Type   string
	Reason string
}

// Decision is the outcome of applying a trigger to a status.
type Decision struct {
	From    model.BookingStatus
	To      model.BookingStatus
	Changed bool
	Emit    []Emission
}

func move(from, to model.BookingStatus, emit ...Emission) Decision {
	return Decision{From: from, To: to, Changed: true, Emit: emit}
}

func stay(s model.BookingStatus, emit ...Emission) Decision {
	return Decision{From: s, To: s, Emit: emit}
}

func refund(from model.BookingStatus, reason string) Decision {
	return move(from, model.BookingRefunded,
		Emission{Type: events.BookingRefunded},
		Emission{Type: events.SeatUnlocked, Reason: reason},
		Emission{Type: events.BookingRefundIssued, Reason: reason},
	)
}

// Transition is the Order-side state machine.  It is total: any pair not
// listed leaves the status unchanged with nothing to emit, which makes
// redelivered and late events harmless.
func Transition(status model.BookingStatus, t Trigger) Decision {
	switch status {
	case model.BookingPending:
		switch t {
		case SettlementSucceeded:
			return move(status, model.BookingConfirmed,
				Emission{Type: events.BookingConfirmed},
				Emission{Type: events.BookingFinalized},
			)
		case SettlementFailed:
			return move(status, model.BookingCancelled,
				Emission{Type: events.BookingCancelled},
				Emission{Type: events.SeatUnlocked, Reason: events.ReasonPaymentFailed},
			)
		case HoldExpired:
			return move(status, model.BookingExpired,
				Emission{Type: events.BookingExpired},
				Emission{Type: events.SeatUnlocked, Reason: events.ReasonHoldExpired},
			)
		case ShowtimeSuspended:
			return move(status, model.BookingCancelled,
				Emission{Type: events.BookingCancelled},
				Emission{Type: events.SeatUnlocked, Reason: events.ReasonShowtimeSuspended},
			)
		case LatePayment:
			return move(status, model.BookingExpired,
				Emission{Type: events.BookingExpired},
				Emission{Type: events.SeatUnlocked, Reason: events.ReasonHoldExpired},
				Emission{Type: events.BookingRefundIssued, Reason: events.ReasonLatePayment},
			)
		}
	case model.BookingConfirmed:
		switch t {
		case RefundRequested:
			return refund(status, events.ReasonRefund)
		case ShowtimeSuspended:
			return refund(status, events.ReasonShowtimeSuspended)
		case HoldExpired:
			// The seats were freed before they could be booked.
			return refund(status, events.ReasonHoldExpired)
		}
	case model.BookingExpired, model.BookingCancelled:
		if t == SettlementSucceeded || t == LatePayment {
			// Money arrived for seats that were already given up.
			return stay(status, Emission{Type: events.BookingRefundIssued, Reason: events.ReasonLatePayment})
		}
	}
	return stay(status)
}
