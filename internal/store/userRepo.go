package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"topup-market/internal/model"
)

var ErrUserNotFound = errors.New("user not found")
var ErrDuplicate = errors.New("login already exists")

func (u *Database) CreateUser(ctx context.Context, login, passwordHash string) (int, error) {
	createUser := `INSERT INTO users(login, password_hash, role) VALUES ($1, $2, $3) RETURNING user_id`

	var id int

	err := u.DB.QueryRowContext(ctx, createUser, login, passwordHash, model.RoleUser).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, ErrDuplicate
		}
		return 0, err
	}
	return id, nil
}

func (u *Database) GetUserByLogin(ctx context.Context, username string) (*model.User, error) {
	var user model.User
	err := u.DB.QueryRowContext(ctx, "SELECT user_id, login, password_hash, role, points FROM users WHERE login = $1", username).
		Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Role, &user.Points)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// GetUserByID returns (nil, nil) for a missing user; the pipeline maps that
// to its own typed error.
func (u *Database) GetUserByID(ctx context.Context, id int) (*model.User, error) {
	var user model.User
	err := u.DB.QueryRowContext(ctx, "SELECT user_id, login, password_hash, role, points FROM users WHERE user_id = $1", id).
		Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Role, &user.Points)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}
