// Package notify delivers escrow lifecycle notifications to external
// services over HTTP.
//
// Marketplace components (project dashboards, messaging, payout
// accounting) register subscription URLs and receive signed POSTs when an
// escrow payment changes state.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jefin3273/BitNBuild-25-Akatsuki/internal/logging"
	"github.com/jefin3273/BitNBuild-25-Akatsuki/internal/metrics"
	"github.com/jefin3273/BitNBuild-25-Akatsuki/internal/security"
)

// ErrSubscriptionNotFound is returned when a subscription does not exist.
var ErrSubscriptionNotFound = errors.New("subscription not found")

// EventType represents the type of notification event.
type EventType string

const (
	EventEscrowCreated  EventType = "escrow.created"
	EventEscrowHeld     EventType = "escrow.held"
	EventEscrowReleased EventType = "escrow.released"
	EventEscrowRefunded EventType = "escrow.refunded"
	EventEscrowFailed   EventType = "escrow.failed"
	EventEscrowCanceled EventType = "escrow.canceled"
)

// KnownEventType reports whether a subscription may subscribe to the type.
func KnownEventType(t EventType) bool {
	switch t {
	case EventEscrowCreated, EventEscrowHeld, EventEscrowReleased,
		EventEscrowRefunded, EventEscrowFailed, EventEscrowCanceled:
		return true
	}
	return false
}

// Event is one delivery payload.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Subscription represents a registered delivery target.
type Subscription struct {
	ID          string      `json:"id"`
	URL         string      `json:"url"`
	Secret      string      `json:"-"` // HMAC signing key
	Events      []EventType `json:"events"`
	Active      bool        `json:"active"`
	CreatedAt   time.Time   `json:"createdAt"`
	LastSuccess *time.Time  `json:"lastSuccess,omitempty"`
	LastError   string      `json:"lastError,omitempty"`
}

// Store persists notification subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	List(ctx context.Context) ([]*Subscription, error)
	GetByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Dispatcher sends notification events to subscribers.
type Dispatcher struct {
	store        Store
	client       *http.Client
	urlValidator func(string) error
}

// NewDispatcher creates a new dispatcher. Subscriber URLs are re-checked
// against the SSRF rules at delivery time, not only at registration, so a
// DNS change after registration cannot point a delivery at internal
// addresses.
func NewDispatcher(store Store) *Dispatcher {
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		urlValidator: security.ValidateEndpointURL,
	}
}

// Dispatch sends an event to all active subscribers of its type.
// Deliveries run async; a slow subscriber never blocks the caller.
func (d *Dispatcher) Dispatch(ctx context.Context, event *Event) error {
	subs, err := d.store.GetByEvent(ctx, event.Type)
	if err != nil {
		return fmt.Errorf("get subscribers: %w", err)
	}

	for _, sub := range subs {
		if !sub.Active {
			continue
		}
		go d.send(context.WithoutCancel(ctx), sub, event)
	}

	return nil
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, event *Event) {
	if err := d.urlValidator(sub.URL); err != nil {
		d.recordError(ctx, sub, fmt.Sprintf("blocked URL: %v", err))
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		d.recordError(ctx, sub, "failed to marshal event")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "POST", sub.URL, bytes.NewReader(payload))
	if err != nil {
		d.recordError(ctx, sub, "failed to create request")
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Campusworks-Event", string(event.Type))
	req.Header.Set("X-Campusworks-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))
	if sub.Secret != "" {
		req.Header.Set("X-Campusworks-Signature", Sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.recordError(ctx, sub, fmt.Sprintf("request failed: %v", err))
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.recordSuccess(ctx, sub)
	} else {
		d.recordError(ctx, sub, fmt.Sprintf("status %d", resp.StatusCode))
	}
}

// Sign computes the hex HMAC-SHA256 of the payload. Subscribers verify
// deliveries by recomputing it with their subscription secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) recordSuccess(ctx context.Context, sub *Subscription) {
	metrics.NotifyDeliveriesTotal.WithLabelValues("success").Inc()
	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	if err := d.store.Update(ctx, sub); err != nil {
		logging.L(ctx).Warn("failed to record delivery success",
			"subscription_id", sub.ID, "error", err)
	}
}

func (d *Dispatcher) recordError(ctx context.Context, sub *Subscription, errMsg string) {
	metrics.NotifyDeliveriesTotal.WithLabelValues("failure").Inc()
	sub.LastError = errMsg
	if err := d.store.Update(ctx, sub); err != nil {
		logging.L(ctx).Warn("failed to record delivery error",
			"subscription_id", sub.ID, "error", err)
	}
	logging.L(ctx).Warn("notification delivery failed",
		"subscription_id", sub.ID, "url", sub.URL, "error", errMsg)
}

// MemoryStore is an in-memory subscription store for demo/development mode.
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

func (m *MemoryStore) Create(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		cp := *sub
		return &cp, nil
	}
	return nil, ErrSubscriptionNotFound
}

func (m *MemoryStore) List(ctx context.Context) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		cp := *sub
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) GetByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		for _, et := range sub.Events {
			if et == eventType {
				cp := *sub
				result = append(result, &cp)
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) Update(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; !ok {
		return ErrSubscriptionNotFound
	}
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrSubscriptionNotFound
	}
	delete(m.subs, id)
	return nil
}

var _ Store = (*MemoryStore)(nil)
