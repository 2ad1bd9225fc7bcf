package authz

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatic_IsArbitrator(t *testing.T) {
	a := NewStatic([]string{" arb-1 ", "", "arb-2"})

	ok, err := a.IsArbitrator(context.Background(), "arb-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = a.IsArbitrator(context.Background(), "buyer-1")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = a.IsArbitrator(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = a.IsArbitrator(ctx, "arb-1")
	assert.ErrorIs(t, err, context.Canceled)
}
