package health

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func up(detail string) Checker {
	return func(ctx context.Context) Status {
		return Status{Healthy: true, Detail: detail}
	}
}

func down(detail string) Checker {
	return func(ctx context.Context) Status {
		return Status{Healthy: false, Detail: detail}
	}
}

func TestCheckAll_Empty(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Empty(t, statuses)
}

func TestCheckAll_AllHealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("storage", up("postgres"))
	r.Register("feed", up(""))

	healthy, statuses := r.CheckAll(context.Background())
	assert.True(t, healthy)
	require.Len(t, statuses, 2)

	// Name order, names stamped by the registry.
	assert.Equal(t, "feed", statuses[0].Name)
	assert.Equal(t, "storage", statuses[1].Name)
	assert.Equal(t, "postgres", statuses[1].Detail)
}

func TestCheckAll_OneUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("storage", down("connection refused"))
	r.Register("feed", up(""))

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	for _, st := range statuses {
		if st.Name == "storage" {
			assert.False(t, st.Healthy)
			assert.Equal(t, "connection refused", st.Detail)
		}
	}
}

func TestRegister_Replaces(t *testing.T) {
	r := NewRegistry()
	r.Register("storage", down("migrating"))
	r.Register("storage", up("postgres"))

	healthy, statuses := r.CheckAll(context.Background())
	assert.True(t, healthy)
	require.Len(t, statuses, 1)
}

func TestChecker_ReceivesContext(t *testing.T) {
	r := NewRegistry()
	r.Register("ctx", func(ctx context.Context) Status {
		if err := ctx.Err(); err != nil {
			return Status{Healthy: false, Detail: err.Error()}
		}
		return Status{Healthy: true}
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	healthy, _ := r.CheckAll(ctx)
	assert.False(t, healthy)
}
