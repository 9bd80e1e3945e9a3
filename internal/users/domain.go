package users

import (
	"errors"
	"time"
)

// User represents a user account for management.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	IsActive  bool      `json:"isActive"`
	RoleID    *int64    `json:"roleId,omitempty"`
	RoleName  string    `json:"roleName,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ErrNotFound indicates the user does not exist.
var ErrNotFound = errors.New("users: not found")

// ErrEmailTaken indicates an email collision on create or update.
var ErrEmailTaken = errors.New("users: email already in use")

// ListFilter narrows and pages the user listing.
type ListFilter struct {
	Search  string
	RoleID  *int64
	Page    int
	PerPage int
}
