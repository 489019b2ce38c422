package cmd

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spigell/service-exchange/internal/store"
)

func TestOpenStoreMemory(t *testing.T) {
	st, locker, err := openStore(context.Background(), &StorageConfig{Backend: "memory"}, zap.NewNop())
	require.NoError(t, err)
	defer st.Close()

	assert.IsType(t, &store.Memory{}, st)
	assert.NotNil(t, locker)
}

func TestOpenStoreRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	t.Setenv("SEX_REDIS_PASSWORD", "")

	st, locker, err := openStore(context.Background(), &StorageConfig{
		Backend: "Redis",
		Redis:   RedisConfig{Addr: mr.Addr(), Prefix: "test:"},
	}, zap.NewNop())
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	unlock, err := locker.Lock(ctx, "jobs/1")
	require.NoError(t, err)
	unlock()

	require.NoError(t, st.Put(ctx, "bids/1", []byte(`{}`)))
	assert.True(t, mr.Exists("test:bids/1"))
}

func TestOpenStoreUnsupported(t *testing.T) {
	_, _, err := openStore(context.Background(), &StorageConfig{Backend: "etcd"}, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported storage backend")
}

func TestCommandsRegistered(t *testing.T) {
	for _, name := range []string{"serve", "demand", "supply", "seats", "version"} {
		c, _, err := rootCmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, c.Name())
	}

	hash, _, err := rootCmd.Find([]string{"seats", "hash"})
	require.NoError(t, err)
	assert.Equal(t, "hash", hash.Name())

	for _, c := range []*cobra.Command{demandCmd, supplyCmd} {
		assert.NotNil(t, c.Flags().Lookup("api-url"), c.Name())
		assert.NotNil(t, c.Flags().Lookup("interval"), c.Name())
	}
	assert.NotNil(t, supplyCmd.Flags().ShorthandLookup("y"))
}
