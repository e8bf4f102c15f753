// Package users holds the marketplace user directory. The escrow engine
// only needs existence checks for the client and freelancer referenced by
// a payment; profile management lives in the frontend collaborators.
package users

import (
	"context"
	"errors"
	"time"
)

var ErrUserNotFound = errors.New("user not found")

// Role distinguishes the two sides of an engagement.
type Role string

const (
	RoleClient     Role = "client"
	RoleFreelancer Role = "freelancer"
)

// User is a marketplace account.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists user records.
type Store interface {
	Create(ctx context.Context, u *User) error
	Get(ctx context.Context, id string) (*User, error)
	Exists(ctx context.Context, id string) (bool, error)
}
