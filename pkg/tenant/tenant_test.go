package tenant

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEffectiveConcurrentJobLimit(t *testing.T) {
	tests := []struct {
		name  string
		limit int
		want  int
	}{
		{"unset falls back to default", 0, DefaultConcurrentJobLimit},
		{"negative falls back to default", -1, DefaultConcurrentJobLimit},
		{"explicit value is honored", 10, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tn := &Tenant{ConcurrentJobLimit: tt.limit}
			assert.Equal(t, tt.want, tn.EffectiveConcurrentJobLimit())
		})
	}
}

func TestIsSchedulable(t *testing.T) {
	active := &Tenant{Status: StatusActive}
	assert.True(t, active.IsSchedulable())

	suspended := &Tenant{Status: StatusSuspended}
	assert.False(t, suspended.IsSchedulable())
}

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	require.Nil(t, FromContext(ctx))

	tn := &Tenant{ID: uuid.New(), Name: "acme", Status: StatusActive}
	ctx = NewContext(ctx, tn)

	got := FromContext(ctx)
	require.NotNil(t, got)
	assert.Equal(t, "acme", got.Name)
}
