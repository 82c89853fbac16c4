package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLeasePolicy(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		policy, err := NewLeasePolicy(30 * time.Second)
		require.NoError(t, err)
		assert.Equal(t, 30*time.Second, policy.Default())
	})

	t.Run("invalid default lease", func(t *testing.T) {
		policy, err := NewLeasePolicy(0)
		require.ErrorIs(t, err, ErrInvalidDefaultLease)
		assert.Nil(t, policy)
	})

	t.Run("default is clamped", func(t *testing.T) {
		policy, err := NewLeasePolicy(time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, MinLease, policy.Default())
	})
}

func TestLeasePolicy_Resolve(t *testing.T) {
	policy, err := NewLeasePolicy(30 * time.Second)
	require.NoError(t, err)

	tests := []struct {
		name    string
		request time.Duration
		want    time.Duration
		source  LeaseSource
	}{
		{name: "explicit", request: 45 * time.Second, want: 45 * time.Second, source: LeaseSourceExplicit},
		{name: "zero uses default", request: 0, want: 30 * time.Second, source: LeaseSourceDefault},
		{name: "too short", request: 500 * time.Millisecond, want: MinLease, source: LeaseSourceClamped},
		{name: "negative", request: -5 * time.Second, want: MinLease, source: LeaseSourceClamped},
		{name: "too long", request: 3 * time.Hour, want: MaxLease, source: LeaseSourceClamped},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := policy.Resolve(tt.request)
			assert.Equal(t, tt.want, d.Lease)
			assert.Equal(t, tt.source, d.Source)
			assert.Equal(t, tt.request, d.Requested)
		})
	}
}

func TestHeartbeatInterval(t *testing.T) {
	assert.Equal(t, 10*time.Second, HeartbeatInterval(30*time.Second))
	assert.Equal(t, time.Second, HeartbeatInterval(2*time.Second))
	assert.Equal(t, time.Second, HeartbeatInterval(0))

	var nilPolicy *LeasePolicy
	assert.True(t, nilPolicy.Resolve(time.Minute).UsedDefault())
}
