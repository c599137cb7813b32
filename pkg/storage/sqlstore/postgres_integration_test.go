//go:build integration

package sqlstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/platinummonkey/agentgate/pkg/storage"
)

// setupPostgresStore starts a PostgreSQL container and returns a migrated store
func setupPostgresStore(t *testing.T) *Store {
	t.Helper()

	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("agentgate_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err, "Failed to start PostgreSQL container")

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := Open(storage.Config{
		Driver:       "postgres",
		URL:          connStr,
		MaxConns:     20,
		MinConns:     2,
		QueryTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	require.NoError(t, store.Migrate(ctx))

	t.Cleanup(func() {
		store.Close()
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Logf("Warning: Failed to terminate container: %v", err)
		}
	})

	return store
}

func TestPostgresIntegration_ConcurrentRedemption(t *testing.T) {
	ctx := context.Background()
	store := setupPostgresStore(t)

	require.NoError(t, store.CreateAgent(ctx, testAgent("agent-1", "scout")))
	seedClaim(t, store, "claim-1", time.Now().Add(time.Hour))

	const workers = 32
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := store.RedeemClaimToken(ctx, storage.RedeemRequest{
				TokenID: "claim-1", AgentID: "agent-1", DeveloperID: "dev-1", UserID: "user-1", At: time.Now(),
			})
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, storage.ErrAlreadyRedeemed)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
}

func TestPostgresIntegration_ConcurrentWindow(t *testing.T) {
	ctx := context.Background()
	store := setupPostgresStore(t)

	key := storage.WindowKey{SubjectID: "agent-1", Category: "post", WindowStart: time.UnixMilli(0).UTC()}

	const (
		max     = 10
		callers = 50
	)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := store.ConsumeWindow(ctx, key, max, time.Hour)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, max, admitted)
}
