// Package projects holds the project records the escrow engine
// collaborates with. Posting, bidding, and search are frontend concerns;
// the engine reads a project's lifecycle state and advances it when an
// escrow is funded or released.
package projects

import (
	"context"
	"errors"
	"time"
)

var ErrProjectNotFound = errors.New("project not found")

// Status is the project lifecycle state.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Project is a posted engagement between a client and a freelancer.
type Project struct {
	ID           string    `json:"id"`
	ClientID     string    `json:"clientId"`
	FreelancerID string    `json:"freelancerId,omitempty"` // set when a bid is accepted
	Title        string    `json:"title"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Store persists project records.
type Store interface {
	Create(ctx context.Context, p *Project) error
	Get(ctx context.Context, id string) (*Project, error)
	UpdateStatus(ctx context.Context, id string, status Status) error
}
