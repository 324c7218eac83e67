package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/talka/historico/internal/db"
	"github.com/talka/historico/internal/models"
)

const maxUsernameLength = 64

// CreateUser inserts a new account. userType defaults to client.
func (s *Service) CreateUser(ctx context.Context, username, password, userType string) (*models.User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, ErrMissingCredentials
	}
	if len(username) > maxUsernameLength {
		return nil, ErrUsernameTooLong
	}

	userType = strings.TrimSpace(userType)
	if userType == "" {
		userType = models.UserTypeClient
	}
	if userType != models.UserTypeClient && userType != models.UserTypeAdmin {
		return nil, ErrInvalidUserType
	}

	hash, err := hashPassword(password)
	if err != nil {
		return nil, err
	}

	user := &models.User{
		Username:  username,
		Status:    models.StatusActive,
		UserType:  userType,
		CreatedAt: db.Now(),
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO users (username, password_hash, status, user_type, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, user.Username, hash, user.Status, user.UserType, user.CreatedAt).Scan(&user.ID)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	return user, nil
}

// DeleteUser removes the account and, through ON DELETE CASCADE, its
// conversations and messages. Deleting a missing id is not an error.
func (s *Service) DeleteUser(ctx context.Context, userID int64) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM users WHERE id = $1", userID); err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return nil
}

func (s *Service) ListUsers(ctx context.Context) ([]models.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, status, user_type, created_at
		FROM users
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch users: %w", err)
	}
	defer rows.Close()

	users := make([]models.User, 0)
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Username, &u.Status, &u.UserType, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to fetch users: %w", err)
	}
	return users, nil
}

// UpdateStatus sets the account status. The value is validated before the
// database is touched.
func (s *Service) UpdateStatus(ctx context.Context, userID int64, status string) error {
	if status != models.StatusActive && status != models.StatusInactive {
		return ErrInvalidStatus
	}

	result, err := s.db.ExecContext(ctx, "UPDATE users SET status = $1 WHERE id = $2", status, userID)
	if err != nil {
		return fmt.Errorf("failed to update user status: %w", err)
	}
	return requireAffected(result.RowsAffected())
}

func (s *Service) UpdatePassword(ctx context.Context, userID int64, newPassword string) error {
	hash, err := hashPassword(newPassword)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, "UPDATE users SET password_hash = $1 WHERE id = $2", hash, userID)
	if err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	return requireAffected(result.RowsAffected())
}

// EnsureAdmin creates the admin account when it does not exist yet. It
// reports whether a new account was created.
func (s *Service) EnsureAdmin(ctx context.Context, password string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM users WHERE username = $1)", models.AdminUsername,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to query user: %w", err)
	}
	if exists {
		return false, nil
	}

	_, err = s.CreateUser(ctx, models.AdminUsername, password, models.UserTypeAdmin)
	if errors.Is(err, ErrUsernameTaken) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func requireAffected(n int64, err error) error {
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}
