package dashboard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconnectPolicy_Delays(t *testing.T) {
	p := NewReconnectPolicy(time.Second, 5)

	expected := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		16000 * time.Millisecond,
	}
	for i, want := range expected {
		assert.Equal(t, i, p.Attempt())
		got, ok := p.Next()
		require.True(t, ok, "attempt %d", i)
		assert.Equal(t, want, got, "attempt %d", i)
	}

	for i := 0; i < 3; i++ {
		_, ok := p.Next()
		assert.False(t, ok)
	}
	assert.Equal(t, 5, p.Attempt())
}

func TestReconnectPolicy_Reset(t *testing.T) {
	p := NewReconnectPolicy(250*time.Millisecond, 3)

	for i := 0; i < 3; i++ {
		_, ok := p.Next()
		require.True(t, ok)
	}
	_, ok := p.Next()
	require.False(t, ok)

	p.Reset()
	assert.Equal(t, 0, p.Attempt())
	d, ok := p.Next()
	require.True(t, ok)
	assert.Equal(t, 250*time.Millisecond, d)
	assert.Equal(t, 1, p.Attempt())
}

func TestReconnectPolicy_NoAttempts(t *testing.T) {
	p := NewReconnectPolicy(time.Second, 0)
	_, ok := p.Next()
	assert.False(t, ok)
	assert.Equal(t, 0, p.Attempt())
}
