package events

import (
	"errors"
	"fmt"
)

func required(fields map[string]string) error {
	for name, v := range fields {
		if v == "" {
			return fmt.Errorf("%s is required", name)
		}
	}
	return nil
}

func seatsRequired(seats []string) error {
	if len(seats) == 0 {
		return errors.New("seatIds is required")
	}
	for _, s := range seats {
		if s == "" {
			return errors.New("seatIds contains an empty id")
		}
	}
	return nil
}

// BookingCreatedPayload is published when checkout starts.
type BookingCreatedPayload struct {
	BookingID  string   `json:"bookingId"`
	UserID     string   `json:"userId"`
	ShowtimeID string   `json:"showtimeId"`
	SeatIDs    []string `json:"seatIds"`
	TotalPrice int64    `json:"totalPrice"`
}

func (p BookingCreatedPayload) Validate() error {
	if err := required(map[string]string{"bookingId": p.BookingID, "userId": p.UserID, "showtimeId": p.ShowtimeID}); err != nil {
		return err
	}
	return seatsRequired(p.SeatIDs)
}

// SeatMappedPayload tells the Reservation-side which booking now owns the
// locks on the listed seats.
type SeatMappedPayload struct {
	BookingID  string   `json:"bookingId"`
	UserID     string   `json:"userId,omitempty"`
	ShowtimeID string   `json:"showtimeId"`
	SeatIDs    []string `json:"seatIds"`
}

func (p SeatMappedPayload) Validate() error {
	if err := required(map[string]string{"bookingId": p.BookingID, "showtimeId": p.ShowtimeID}); err != nil {
		return err
	}
	return seatsRequired(p.SeatIDs)
}

// BookingStatusPayload is shared by the terminal booking events.
type BookingStatusPayload struct {
	BookingID  string   `json:"bookingId"`
	UserID     string   `json:"userId,omitempty"`
	ShowtimeID string   `json:"showtimeId"`
	SeatIDs    []string `json:"seatIds"`
	Status     string   `json:"status"`
}

func (p BookingStatusPayload) Validate() error {
	if err := required(map[string]string{"bookingId": p.BookingID, "showtimeId": p.ShowtimeID, "status": p.Status}); err != nil {
		return err
	}
	return seatsRequired(p.SeatIDs)
}

// BookingFinalizedPayload triggers ticket generation.
type BookingFinalizedPayload struct {
	BookingID  string `json:"bookingId"`
	FinalPrice int64  `json:"finalPrice"`
}

func (p BookingFinalizedPayload) Validate() error {
	return required(map[string]string{"bookingId": p.BookingID})
}

// RefundIssuedPayload asks the Settlement-side to return a collected amount
// and lets notification tell the user.
type RefundIssuedPayload struct {
	BookingID string `json:"bookingId"`
	PaymentID string `json:"paymentId,omitempty"`
	UserID    string `json:"userId"`
	Amount    int64  `json:"amount"`
	Reason    string `json:"reason"`
}

func (p RefundIssuedPayload) Validate() error {
	return required(map[string]string{"bookingId": p.BookingID, "reason": p.Reason})
}

// SettlementPayload is the result of a payment transaction.
type SettlementPayload struct {
	PaymentID  string   `json:"paymentId"`
	BookingID  string   `json:"bookingId"`
	ShowtimeID string   `json:"showtimeId"`
	UserID     string   `json:"userId"`
	Amount     int64    `json:"amount"`
	SeatIDs    []string `json:"seatIds"`
	Reason     string   `json:"reason,omitempty"`
}

func (p SettlementPayload) Validate() error {
	return required(map[string]string{"paymentId": p.PaymentID, "bookingId": p.BookingID})
}

// SeatUnlockedPayload is the compensating release request.  BookingID is
// nil for releases that were never tied to a booking.
type SeatUnlockedPayload struct {
	BookingID  *string  `json:"bookingId"`
	ShowtimeID string   `json:"showtimeId"`
	SeatIDs    []string `json:"seatIds"`
	Reason     string   `json:"reason"`
}

func (p SeatUnlockedPayload) Validate() error {
	if err := required(map[string]string{"showtimeId": p.ShowtimeID, "reason": p.Reason}); err != nil {
		return err
	}
	return seatsRequired(p.SeatIDs)
}

// ShowtimeSuspendedPayload names every booking affected by a suspension.
type ShowtimeSuspendedPayload struct {
	ShowtimeID         string   `json:"showtimeId"`
	MovieID            string   `json:"movieId"`
	AffectedBookingIDs []string `json:"affectedBookingIds"`
	Reason             string   `json:"reason"`
}

func (p ShowtimeSuspendedPayload) Validate() error {
	return required(map[string]string{"showtimeId": p.ShowtimeID})
}

// SeatLockExpiredPayload reports that a hold mapped to a booking lapsed.
type SeatLockExpiredPayload struct {
	BookingID  string   `json:"bookingId"`
	ShowtimeID string   `json:"showtimeId"`
	SeatIDs    []string `json:"seatIds"`
}

func (p SeatLockExpiredPayload) Validate() error {
	if err := required(map[string]string{"bookingId": p.BookingID, "showtimeId": p.ShowtimeID}); err != nil {
		return err
	}
	return seatsRequired(p.SeatIDs)
}
