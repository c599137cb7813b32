package sqlstore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/agentgate/pkg/auth"
	"github.com/platinummonkey/agentgate/pkg/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "agentgate.db")
	store, err := Open(storage.Config{
		Driver:       "sqlite",
		URL:          "file:" + path + "?_busy_timeout=5000",
		QueryTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func testAgent(id, name string) *auth.Agent {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &auth.Agent{
		ID:          id,
		Name:        name,
		DisplayName: "Agent " + name,
		Status:      auth.AgentStatusActive,
		Permissions: auth.DefaultPermissions(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestStore_Agents(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	agent := testAgent("agent-1", "scout")
	require.NoError(t, store.CreateAgent(ctx, agent))

	t.Run("get by id", func(t *testing.T) {
		got, err := store.GetAgent(ctx, "agent-1")
		require.NoError(t, err)
		assert.Equal(t, "scout", got.Name)
		assert.Equal(t, auth.AgentStatusActive, got.Status)
		assert.True(t, got.Permissions.Has(auth.PermissionRead))
		assert.True(t, got.Permissions.Has(auth.PermissionWrite))
		assert.Nil(t, got.OwnerID)
		assert.Nil(t, got.LastActive)
		assert.True(t, agent.CreatedAt.Equal(got.CreatedAt))
	})

	t.Run("get by name", func(t *testing.T) {
		got, err := store.GetAgentByName(ctx, "scout")
		require.NoError(t, err)
		assert.Equal(t, "agent-1", got.ID)
	})

	t.Run("duplicate name conflicts", func(t *testing.T) {
		err := store.CreateAgent(ctx, testAgent("agent-2", "scout"))
		assert.ErrorIs(t, err, storage.ErrConflict)
	})

	t.Run("missing agent", func(t *testing.T) {
		_, err := store.GetAgent(ctx, "nope")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("touch records last activity", func(t *testing.T) {
		at := time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC)
		require.NoError(t, store.TouchAgent(ctx, "agent-1", at))

		got, err := store.GetAgent(ctx, "agent-1")
		require.NoError(t, err)
		require.NotNil(t, got.LastActive)
		assert.True(t, at.Equal(*got.LastActive))
	})

	t.Run("suspend", func(t *testing.T) {
		require.NoError(t, store.SetAgentStatus(ctx, "agent-1", auth.AgentStatusSuspended))
		got, err := store.GetAgent(ctx, "agent-1")
		require.NoError(t, err)
		assert.False(t, got.IsActive())

		assert.ErrorIs(t, store.SetAgentStatus(ctx, "nope", auth.AgentStatusActive), storage.ErrNotFound)
	})
}

func TestStore_DeveloperPlan(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.GetDeveloperPlan(ctx, "dev-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, store.UpsertDeveloper(ctx, "dev-1", "starter"))
	plan, err := store.GetDeveloperPlan(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "starter", plan)

	require.NoError(t, store.UpsertDeveloper(ctx, "dev-1", "pro"))
	plan, err = store.GetDeveloperPlan(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "pro", plan)
}

func TestStore_Credentials(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.CreateAgent(ctx, testAgent("agent-1", "scout")))

	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"cred-1", "cred-2"} {
		require.NoError(t, store.CreateCredential(ctx, &auth.Credential{
			ID:            id,
			AgentID:       "agent-1",
			SecretHash:    "hash-" + id,
			VisiblePrefix: "ag_abcde",
			Permissions:   auth.NewPermissionSet(auth.PermissionRead),
			CreatedAt:     created.Add(time.Duration(i) * time.Minute),
		}))
	}

	t.Run("prefix collisions return every candidate", func(t *testing.T) {
		creds, err := store.FindActiveCredentialsByPrefix(ctx, "ag_abcde")
		require.NoError(t, err)
		require.Len(t, creds, 2)
		assert.Equal(t, "cred-1", creds[0].ID)
		assert.Equal(t, "hash-cred-1", creds[0].SecretHash)
		assert.True(t, creds[0].Permissions.Has(auth.PermissionRead))
		assert.False(t, creds[0].Permissions.Has(auth.PermissionWrite))
	})

	t.Run("revoke hides credential from lookups", func(t *testing.T) {
		require.NoError(t, store.RevokeCredential(ctx, "agent-1", "cred-1", created.Add(time.Hour)))

		creds, err := store.FindActiveCredentialsByPrefix(ctx, "ag_abcde")
		require.NoError(t, err)
		require.Len(t, creds, 1)
		assert.Equal(t, "cred-2", creds[0].ID)

		all, err := store.ListCredentials(ctx, "agent-1")
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "cred-2", all[0].ID)
		require.NotNil(t, all[1].RevokedAt)
	})

	t.Run("revoke twice or by another agent", func(t *testing.T) {
		assert.ErrorIs(t, store.RevokeCredential(ctx, "agent-1", "cred-1", time.Now()), storage.ErrNotFound)
		assert.ErrorIs(t, store.RevokeCredential(ctx, "agent-2", "cred-2", time.Now()), storage.ErrNotFound)
	})

	t.Run("duplicate id conflicts", func(t *testing.T) {
		err := store.CreateCredential(ctx, &auth.Credential{
			ID: "cred-2", AgentID: "agent-1", SecretHash: "x", VisiblePrefix: "ag_zzzzz",
			Permissions: auth.DefaultPermissions(), CreatedAt: created,
		})
		assert.ErrorIs(t, err, storage.ErrConflict)
	})
}

func TestStore_CreateAgentWithCredential(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cred := func(id, agentID string) *auth.Credential {
		return &auth.Credential{ID: id, AgentID: agentID, SecretHash: "hash-" + id, VisiblePrefix: "ag_abcde",
			Permissions: auth.DefaultPermissions(), CreatedAt: created}
	}

	require.NoError(t, store.CreateAgentWithCredential(ctx, testAgent("agent-1", "scout"), cred("cred-1", "agent-1")))
	creds, err := store.ListCredentials(ctx, "agent-1")
	require.NoError(t, err)
	require.Len(t, creds, 1)

	t.Run("credential conflict rolls back the agent", func(t *testing.T) {
		err := store.CreateAgentWithCredential(ctx, testAgent("agent-2", "ranger"), cred("cred-1", "agent-2"))
		assert.ErrorIs(t, err, storage.ErrConflict)

		_, err = store.GetAgentByName(ctx, "ranger")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("name conflict writes no credential", func(t *testing.T) {
		err := store.CreateAgentWithCredential(ctx, testAgent("agent-3", "scout"), cred("cred-3", "agent-3"))
		assert.ErrorIs(t, err, storage.ErrConflict)

		creds, err := store.ListCredentials(ctx, "agent-3")
		require.NoError(t, err)
		assert.Empty(t, creds)
	})

	t.Run("retry after rollback succeeds", func(t *testing.T) {
		require.NoError(t, store.CreateAgentWithCredential(ctx, testAgent("agent-2", "ranger"), cred("cred-2", "agent-2")))
	})
}

func seedClaim(t *testing.T, store *Store, id string, expires time.Time) {
	t.Helper()
	require.NoError(t, store.CreateClaimToken(context.Background(), &auth.ClaimToken{
		ID:            id,
		AgentID:       "agent-1",
		SecretHash:    "hash-" + id,
		VisiblePrefix: "agclaim_abcdefgh",
		ExpiresAt:     expires,
		CreatedAt:     expires.Add(-time.Hour),
	}))
}

func TestStore_ClaimTokens(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.CreateAgent(ctx, testAgent("agent-1", "scout")))

	expires := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	seedClaim(t, store, "claim-1", expires)

	pending, err := store.FindPendingClaimTokensByPrefix(ctx, "agclaim_abcdefgh")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.True(t, expires.Equal(pending[0].ExpiresAt))

	redeemedAt := expires.Add(-30 * time.Minute)
	req := storage.RedeemRequest{
		TokenID:     "claim-1",
		AgentID:     "agent-1",
		DeveloperID: "dev-1",
		UserID:      "user-1",
		At:          redeemedAt,
	}
	require.NoError(t, store.RedeemClaimToken(ctx, req))

	agent, err := store.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, agent.OwnerID)
	assert.Equal(t, "dev-1", *agent.OwnerID)

	pending, err = store.FindPendingClaimTokensByPrefix(ctx, "agclaim_abcdefgh")
	require.NoError(t, err)
	assert.Empty(t, pending)

	redeemed, err := store.FindRedeemedClaimTokensByPrefix(ctx, "agclaim_abcdefgh")
	require.NoError(t, err)
	require.Len(t, redeemed, 1)
	require.NotNil(t, redeemed[0].RedeemedByUserID)
	assert.Equal(t, "user-1", *redeemed[0].RedeemedByUserID)
	assert.Equal(t, auth.ClaimTokenRedeemed, redeemed[0].State(redeemedAt))

	t.Run("second redemption is rejected and changes nothing", func(t *testing.T) {
		again := req
		again.DeveloperID = "dev-2"
		assert.ErrorIs(t, store.RedeemClaimToken(ctx, again), storage.ErrAlreadyRedeemed)

		agent, err := store.GetAgent(ctx, "agent-1")
		require.NoError(t, err)
		assert.Equal(t, "dev-1", *agent.OwnerID)
	})

	t.Run("purge expired tokens", func(t *testing.T) {
		n, err := store.PurgeClaimTokens(ctx, expires.Add(time.Second))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})
}

func TestStore_RedeemClaimToken_Concurrent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.CreateAgent(ctx, testAgent("agent-1", "scout")))
	seedClaim(t, store, "claim-1", time.Now().Add(time.Hour))

	const workers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes []string
		failures  int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			dev := "dev-" + string(rune('a'+i))
			err := store.RedeemClaimToken(ctx, storage.RedeemRequest{
				TokenID: "claim-1", AgentID: "agent-1", DeveloperID: dev, UserID: "user-" + dev, At: time.Now(),
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes = append(successes, dev)
				return
			}
			assert.ErrorIs(t, err, storage.ErrAlreadyRedeemed)
			failures++
		}(i)
	}
	wg.Wait()

	require.Len(t, successes, 1)
	assert.Equal(t, workers-1, failures)

	agent, err := store.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, agent.OwnerID)
	assert.Equal(t, successes[0], *agent.OwnerID)
}

func TestStore_ConsumeWindow(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	start := time.UnixMilli(1_700_000_000_000).UTC()
	key := storage.WindowKey{SubjectID: "agent-1", Category: "post", WindowStart: start}

	for i := 1; i <= 3; i++ {
		count, ok, err := store.ConsumeWindow(ctx, key, 3, time.Second)
		require.NoError(t, err)
		assert.True(t, ok, "request %d should be admitted", i)
		assert.Equal(t, i, count)
	}

	count, ok, err := store.ConsumeWindow(ctx, key, 3, time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 3, count)

	t.Run("next window starts fresh", func(t *testing.T) {
		next := key
		next.WindowStart = start.Add(time.Second)
		count, ok, err := store.ConsumeWindow(ctx, next, 3, time.Second)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 1, count)
	})

	t.Run("categories are independent", func(t *testing.T) {
		other := key
		other.Category = "vote"
		_, ok, err := store.ConsumeWindow(ctx, other, 3, time.Second)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("zero max rejects without a row", func(t *testing.T) {
		zero := storage.WindowKey{SubjectID: "agent-9", Category: "post", WindowStart: start}
		_, ok, err := store.ConsumeWindow(ctx, zero, 0, time.Second)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("purge ended windows", func(t *testing.T) {
		n, err := store.PurgeCounters(ctx, start.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)
	})
}

func TestStore_ConsumeWindow_Concurrent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	key := storage.WindowKey{SubjectID: "agent-1", Category: "comment", WindowStart: time.UnixMilli(0).UTC()}

	const (
		max     = 5
		callers = 20
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
			_, ok, err := store.ConsumeWindow(ctx, key, max, time.Minute)
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

func TestStore_DailyUsage(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	day := time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)

	n, err := store.GetDailyUsage(ctx, "agent-1", day)
	require.NoError(t, err)
	assert.Zero(t, n)

	for i := 0; i < 4; i++ {
		require.NoError(t, store.IncrementDailyUsage(ctx, "agent-1", day.Add(time.Duration(i)*time.Minute)))
	}
	n, err = store.GetDailyUsage(ctx, "agent-1", day)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	n, err = store.GetDailyUsage(ctx, "agent-1", day.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestParseDialect(t *testing.T) {
	tests := []struct {
		in      string
		want    Dialect
		wantErr bool
	}{
		{"postgres", Postgres, false},
		{"PostgreSQL", Postgres, false},
		{"sqlite", SQLite, false},
		{"sqlite3", SQLite, false},
		{"mysql", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDialect(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRebind(t *testing.T) {
	pg := New(nil, Postgres, 0)
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", pg.rebind("SELECT * FROM t WHERE a = ? AND b = ?"))

	lite := New(nil, SQLite, 0)
	assert.Equal(t, "SELECT * FROM t WHERE a = ?", lite.rebind("SELECT * FROM t WHERE a = ?"))
}
