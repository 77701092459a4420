package database

// ShowtimeSchema holds the tables owned by the showtime service.  The seat
// rows are a projection of the lock store plus committed bookings.
var ShowtimeSchema = []string{
	`CREATE TABLE IF NOT EXISTS showtimes (
		id         CHAR(36)    NOT NULL PRIMARY KEY,
		movie_id   VARCHAR(64) NOT NULL,
		status     ENUM('ACTIVE','SUSPENDED') NOT NULL DEFAULT 'ACTIVE',
		starts_at  DATETIME    NOT NULL,
		updated_at DATETIME    NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
	) ENGINE=InnoDB`,
	`CREATE TABLE IF NOT EXISTS showtime_seats (
		showtime_id CHAR(36)    NOT NULL,
		seat_id     VARCHAR(32) NOT NULL,
		status      ENUM('AVAILABLE','LOCKED','BOOKED','UNAVAILABLE') NOT NULL DEFAULT 'AVAILABLE',
		booking_id  CHAR(36)    NULL,
		locked_by   VARCHAR(64) NULL,
		updated_at  DATETIME    NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
		PRIMARY KEY (showtime_id, seat_id),
		KEY idx_showtime_seats_booking (booking_id),
		CONSTRAINT fk_showtime_seats_showtime FOREIGN KEY (showtime_id) REFERENCES showtimes (id)
	) ENGINE=InnoDB`,
}

// BookingSchema holds the tables owned by the booking service.
var BookingSchema = []string{
	`CREATE TABLE IF NOT EXISTS bookings (
		id                 CHAR(36)     NOT NULL PRIMARY KEY,
		user_id            VARCHAR(64)  NOT NULL,
		showtime_id        CHAR(36)     NOT NULL,
		status             ENUM('PENDING','CONFIRMED','CANCELLED','EXPIRED','REFUNDED') NOT NULL,
		subtotal_cents     BIGINT       NOT NULL,
		discount_cents     BIGINT       NOT NULL DEFAULT 0,
		total_amount_cents BIGINT       NOT NULL,
		movie_title        VARCHAR(255) NOT NULL DEFAULT '',
		expires_at         DATETIME     NOT NULL,
		created_at         DATETIME     NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at         DATETIME     NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
		KEY idx_bookings_status_expires (status, expires_at)
	) ENGINE=InnoDB`,
	`CREATE TABLE IF NOT EXISTS booking_seats (
		booking_id  CHAR(36)    NOT NULL,
		showtime_id CHAR(36)    NOT NULL,
		seat_id     VARCHAR(32) NOT NULL,
		price_cents BIGINT      NOT NULL,
		PRIMARY KEY (booking_id, seat_id),
		CONSTRAINT fk_booking_seats_booking FOREIGN KEY (booking_id) REFERENCES bookings (id) ON DELETE CASCADE
	) ENGINE=InnoDB`,
}

// PaymentSchema holds the tables owned by the payment service.  The
// generated pending_booking_id column lets the unique index enforce a
// single PENDING transaction per booking.
var PaymentSchema = []string{
	`CREATE TABLE IF NOT EXISTS payment_transactions (
		id                 CHAR(36)     NOT NULL PRIMARY KEY,
		booking_id         CHAR(36)     NOT NULL,
		user_id            VARCHAR(64)  NOT NULL,
		showtime_id        CHAR(36)     NOT NULL,
		seat_ids           JSON         NOT NULL,
		amount_cents       BIGINT       NOT NULL,
		status             ENUM('PENDING','SUCCESS','FAILED') NOT NULL,
		transaction_ref    VARCHAR(128) NULL,
		method             VARCHAR(32)  NOT NULL,
		failure_reason     VARCHAR(255) NOT NULL DEFAULT '',
		refund_ref         VARCHAR(128) NULL,
		refunded_at        DATETIME     NULL,
		created_at         DATETIME     NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at         DATETIME     NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
		pending_booking_id CHAR(36) GENERATED ALWAYS AS (IF(status = 'PENDING', booking_id, NULL)) STORED,
		UNIQUE KEY uq_payment_transaction_ref (transaction_ref),
		UNIQUE KEY uq_payment_pending_booking (pending_booking_id),
		KEY idx_payment_booking (booking_id),
		KEY idx_payment_status_created (status, created_at)
	) ENGINE=InnoDB`,
}
