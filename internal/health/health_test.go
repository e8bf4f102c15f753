package health

import (
	"context"
	"testing"
)

func TestRegistry_AllHealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("store", func(ctx context.Context) Status {
		return Status{Name: "store", Healthy: true}
	})
	r.Register("gateway", func(ctx context.Context) Status {
		return Status{Name: "gateway", Healthy: true}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Error("Expected aggregate healthy")
	}
	if len(statuses) != 2 {
		t.Errorf("Expected 2 statuses, got %d", len(statuses))
	}
}

func TestRegistry_OneUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("store", func(ctx context.Context) Status {
		return Status{Name: "store", Healthy: true}
	})
	r.Register("gateway", func(ctx context.Context) Status {
		return Status{Name: "gateway", Healthy: false, Detail: "connection refused"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Error("Expected aggregate unhealthy")
	}
	found := false
	for _, s := range statuses {
		if s.Name == "gateway" && !s.Healthy {
			found = true
		}
	}
	if !found {
		t.Error("Expected gateway status to be unhealthy")
	}
}

func TestRegistry_Empty(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Error("Expected empty registry to be healthy")
	}
	if len(statuses) != 0 {
		t.Errorf("Expected no statuses, got %d", len(statuses))
	}
}
