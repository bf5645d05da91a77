package store

import (
	"database/sql"
	"errors"
	"fmt"

	"topup-market/internal/logging"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Database struct {
	DBDSN string
	DB    *sql.DB
}

func (ms *Database) NewStorage(DBDSN string) error {
	var err error
	ms.DBDSN = DBDSN
	if logging.Logg == nil {
		return fmt.Errorf("logger is not initialized")
	}

	if ms.DB, err = sql.Open("pgx", ms.DBDSN); err != nil {
		logging.Logg.Error("Couldn't connect to the database with an error", "error", err)
		return err
	}

	err = ms.initDBTables()
	if err != nil {
		logging.Logg.Error("Failed to initialize DB", "error", err)
	}
	logging.Logg.Info("Database connection was created")
	return nil
}

func (ms *Database) initDBTables() error {
	var errs []error
	stmts := []string{
		`create table if not exists users (
			user_id BIGSERIAL PRIMARY KEY,
			login VARCHAR(100) NOT NULL UNIQUE,
			password_hash VARCHAR(60),
			role VARCHAR(20) NOT NULL DEFAULT 'user',
			points DECIMAL(12, 2) NOT NULL DEFAULT 0.00
		);`,

		`create table if not exists orders (
			order_id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL REFERENCES users(user_id) ON DELETE CASCADE,
			kind VARCHAR(20) NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'pending',
			amount DECIMAL(12, 2) NOT NULL,
			points DECIMAL(12, 2) NOT NULL,
			game_ref VARCHAR(100) NOT NULL DEFAULT '',
			game_uid VARCHAR(100) NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL default (now() at time zone 'utc'),
			updated_at TIMESTAMP NOT NULL default (now() at time zone 'utc')
		);`,

		`create table if not exists slips (
			slip_id BIGSERIAL PRIMARY KEY,
			order_id BIGINT NOT NULL REFERENCES orders(order_id) ON DELETE CASCADE,
			user_id BIGINT NOT NULL REFERENCES users(user_id) ON DELETE CASCADE,
			file_ref VARCHAR(255) NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'pending',
			raw_response JSONB,
			error_message TEXT NOT NULL DEFAULT '',
			uploaded_at TIMESTAMP NOT NULL default (now() at time zone 'utc'),
			verified_at TIMESTAMP
		);`,

		// at most one non-rejected slip per order
		`create unique index if not exists slips_active_order_idx
			on slips(order_id) where status <> 'rejected';`,

		// reference_id is a soft link back to the order on purpose: ledger
		// rows must outlive whatever they reference
		`create table if not exists transactions (
    		id BIGSERIAL PRIMARY KEY,
    		entry_code VARCHAR(36) NOT NULL UNIQUE,
    		user_id BIGINT NOT NULL REFERENCES users(user_id) ON DELETE CASCADE,
    		kind VARCHAR(20) NOT NULL,
    		amount DECIMAL(12, 2) NOT NULL,
    		points_before DECIMAL(12, 2) NOT NULL,
    		points_after DECIMAL(12, 2) NOT NULL,
    		reference_id BIGINT,
    		description TEXT NOT NULL DEFAULT '',
    		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}

	for _, s := range stmts {
		_, err := ms.DB.Exec(s)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
