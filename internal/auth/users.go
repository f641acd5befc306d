package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cast"

	"valtimo-authz/internal/metadata"
	"valtimo-authz/internal/store"
)

// ErrUserNotFound is returned for unknown or disabled users.
var ErrUserNotFound = errors.New("user not found")

// UserStore reads principals from _users. It serves delegated
// authorization checks.
type UserStore struct {
	store *store.Store
}

func NewUserStore(s *store.Store) *UserStore {
	return &UserStore{store: s}
}

// FindUser loads an active user by id.
func (u *UserStore) FindUser(ctx context.Context, id string) (*metadata.UserContext, error) {
	row, err := u.findBy(ctx, "id", id)
	if err != nil {
		return nil, err
	}
	if !cast.ToBool(row["active"]) {
		return nil, fmt.Errorf("%w: %s is disabled", ErrUserNotFound, id)
	}
	return u.toUser(row)
}

// CreateUser inserts a user with a hashed password and returns its id.
func (u *UserStore) CreateUser(ctx context.Context, email, identifier, password string, roles []string) (string, error) {
	hash, err := HashPassword(password)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	pb := u.store.Dialect.NewParamBuilder()
	query := fmt.Sprintf("INSERT INTO _users (id, email, identifier, password_hash, roles) VALUES (%s, %s, %s, %s, %s)",
		pb.Add(id), pb.Add(email), pb.Add(identifier), pb.Add(hash), pb.Add(u.store.Dialect.ArrayParam(roles)))
	if _, err := store.Exec(ctx, u.store.DB, query, pb.Params()...); err != nil {
		return "", store.MapError(u.store.Dialect, err)
	}
	return id, nil
}

func (u *UserStore) findBy(ctx context.Context, column string, value any) (map[string]any, error) {
	pb := u.store.Dialect.NewParamBuilder()
	row, err := store.QueryRow(ctx, u.store.DB,
		fmt.Sprintf("SELECT id, email, identifier, password_hash, roles, active FROM _users WHERE %s = %s", column, pb.Add(value)),
		pb.Params()...)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrUserNotFound, value)
	}
	return row, err
}

func (u *UserStore) toUser(row map[string]any) (*metadata.UserContext, error) {
	roles, err := u.store.Dialect.ScanArray(row["roles"])
	if err != nil {
		return nil, fmt.Errorf("decode roles: %w", err)
	}
	return &metadata.UserContext{
		ID:         cast.ToString(row["id"]),
		Email:      cast.ToString(row["email"]),
		Identifier: cast.ToString(row["identifier"]),
		Roles:      roles,
	}, nil
}
