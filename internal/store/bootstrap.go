package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"valtimo-authz/internal/log"
)

// Bootstrap creates the system tables and seeds the default admin user.
func (s *Store) Bootstrap(ctx context.Context, adminRole string) error {
	for _, stmt := range splitStatements(s.Dialect.SystemTablesSQL()) {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap system tables: %w", err)
		}
	}
	if err := s.seedAdminUser(ctx, adminRole); err != nil {
		return fmt.Errorf("seed admin user: %w", err)
	}
	return nil
}

func (s *Store) seedAdminUser(ctx context.Context, adminRole string) error {
	var count int
	if err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM _users").Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	hashBytes, err := bcrypt.GenerateFromPassword([]byte("changeme"), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	pb := s.Dialect.NewParamBuilder()
	query := fmt.Sprintf("INSERT INTO _users (id, email, identifier, password_hash, roles) VALUES (%s, %s, %s, %s, %s)",
		pb.Add(uuid.NewString()), pb.Add("admin@localhost"), pb.Add("admin"),
		pb.Add(string(hashBytes)), pb.Add(s.Dialect.ArrayParam([]string{adminRole})))
	if _, err := s.DB.ExecContext(ctx, query, pb.Params()...); err != nil {
		return err
	}

	log.Warn("default admin user created, change the password immediately",
		zap.String("email", "admin@localhost"), zap.String("role", adminRole))
	return nil
}

func splitStatements(ddl string) []string {
	var stmts []string
	for _, part := range strings.Split(ddl, ";") {
		if stmt := strings.TrimSpace(part); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}
