package redistest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedis(t *testing.T) {
	ctx, cancel := context.WithCancel(context.TODO())
	defer cancel()
	rd := NewRedis(ctx, t)
	defer rd.Close(t)
	assert.NoError(t, rd.Client.Ping(ctx).Err())
	t.Log("Ping success")
	cancel()
}

func TestBroker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.TODO())
	defer cancel()
	rd, client := NewBroker(ctx, t)
	defer rd.Close(t)
	require.NotNil(t, client.Scripts)
	assert.Equal(t, "bridgemqtest", client.Keys.Prefix)
}
