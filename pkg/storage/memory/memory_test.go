package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/agentgate/pkg/auth"
	"github.com/platinummonkey/agentgate/pkg/storage"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newAgent(id, name string) *auth.Agent {
	return &auth.Agent{
		ID:          id,
		Name:        name,
		Status:      auth.AgentStatusActive,
		Permissions: auth.DefaultPermissions(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestStore_Agents(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.CreateAgent(ctx, newAgent("a1", "scout")))
	assert.ErrorIs(t, s.CreateAgent(ctx, newAgent("a2", "scout")), storage.ErrConflict)

	got, err := s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	got.Permissions[auth.PermissionAdmin] = struct{}{}
	again, err := s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.False(t, again.Permissions.Has(auth.PermissionAdmin), "returned records are copies")

	byName, err := s.GetAgentByName(ctx, "scout")
	require.NoError(t, err)
	assert.Equal(t, "a1", byName.ID)

	require.NoError(t, s.TouchAgent(ctx, "a1", now))
	require.NoError(t, s.SetAgentStatus(ctx, "a1", auth.AgentStatusSuspended))
	got, err = s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, auth.AgentStatusSuspended, got.Status)
	require.NotNil(t, got.LastActive)

	_, err = s.GetAgent(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, s.TouchAgent(ctx, "missing", now), storage.ErrNotFound)

	_, err = s.GetDeveloperPlan(ctx, "dev")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	s.SetDeveloperPlan("dev", "pro")
	plan, err := s.GetDeveloperPlan(ctx, "dev")
	require.NoError(t, err)
	assert.Equal(t, "pro", plan)
}

func TestStore_Credentials(t *testing.T) {
	ctx := context.Background()
	s := New()

	for _, id := range []string{"c1", "c2"} {
		require.NoError(t, s.CreateCredential(ctx, &auth.Credential{
			ID:            id,
			AgentID:       "a1",
			SecretHash:    "hash-" + id,
			VisiblePrefix: "ag_AAAAA",
			Permissions:   auth.DefaultPermissions(),
			CreatedAt:     now,
		}))
	}

	found, err := s.FindActiveCredentialsByPrefix(ctx, "ag_AAAAA")
	require.NoError(t, err)
	assert.Len(t, found, 2)

	assert.ErrorIs(t, s.RevokeCredential(ctx, "other-agent", "c1", now), storage.ErrNotFound)
	require.NoError(t, s.RevokeCredential(ctx, "a1", "c1", now))
	assert.ErrorIs(t, s.RevokeCredential(ctx, "a1", "c1", now), storage.ErrNotFound)

	found, err = s.FindActiveCredentialsByPrefix(ctx, "ag_AAAAA")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "c2", found[0].ID)

	all, err := s.ListCredentials(ctx, "a1")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestStore_CreateAgentWithCredential(t *testing.T) {
	ctx := context.Background()
	s := New()
	cred := func(id, agentID string) *auth.Credential {
		return &auth.Credential{ID: id, AgentID: agentID, SecretHash: "hash", VisiblePrefix: "ag_AAAAA",
			Permissions: auth.DefaultPermissions(), CreatedAt: now}
	}

	require.NoError(t, s.CreateAgentWithCredential(ctx, newAgent("a1", "scout"), cred("c1", "a1")))
	all, err := s.ListCredentials(ctx, "a1")
	require.NoError(t, err)
	assert.Len(t, all, 1)

	err = s.CreateAgentWithCredential(ctx, newAgent("a2", "ranger"), cred("c1", "a2"))
	assert.ErrorIs(t, err, storage.ErrConflict)
	_, err = s.GetAgentByName(ctx, "ranger")
	assert.ErrorIs(t, err, storage.ErrNotFound, "agent is not written when its credential conflicts")

	err = s.CreateAgentWithCredential(ctx, newAgent("a3", "scout"), cred("c3", "a3"))
	assert.ErrorIs(t, err, storage.ErrConflict)
	all, err = s.ListCredentials(ctx, "a3")
	require.NoError(t, err)
	assert.Empty(t, all)

	require.NoError(t, s.CreateAgentWithCredential(ctx, newAgent("a2", "ranger"), cred("c2", "a2")))
}

func TestStore_RedeemClaimToken(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateAgent(ctx, newAgent("a1", "scout")))
	require.NoError(t, s.CreateClaimToken(ctx, &auth.ClaimToken{
		ID:            "t1",
		AgentID:       "a1",
		SecretHash:    "hash",
		VisiblePrefix: "agclaim_AAAAAAAA",
		ExpiresAt:     now.Add(time.Hour),
		CreatedAt:     now,
	}))

	req := storage.RedeemRequest{TokenID: "t1", AgentID: "a1", DeveloperID: "dev", UserID: "user", At: now}

	var (
		wg       sync.WaitGroup
		success  atomic.Int32
		redeemed atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			switch err := s.RedeemClaimToken(ctx, req); err {
			case nil:
				success.Add(1)
			case storage.ErrAlreadyRedeemed:
				redeemed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), success.Load())
	assert.Equal(t, int32(15), redeemed.Load())

	agent, err := s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	require.NotNil(t, agent.OwnerID)
	assert.Equal(t, "dev", *agent.OwnerID)

	pending, err := s.FindPendingClaimTokensByPrefix(ctx, "agclaim_AAAAAAAA")
	require.NoError(t, err)
	assert.Empty(t, pending)
	used, err := s.FindRedeemedClaimTokensByPrefix(ctx, "agclaim_AAAAAAAA")
	require.NoError(t, err)
	require.Len(t, used, 1)
	assert.Equal(t, "user", *used[0].RedeemedByUserID)

	assert.ErrorIs(t, s.RedeemClaimToken(ctx, storage.RedeemRequest{TokenID: "nope"}), storage.ErrNotFound)
}

func TestStore_ConsumeWindow(t *testing.T) {
	ctx := context.Background()
	s := New()
	key := storage.WindowKey{SubjectID: "a1", Category: "post", WindowStart: now}

	for i := 1; i <= 3; i++ {
		count, admitted, err := s.ConsumeWindow(ctx, key, 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, admitted)
		assert.Equal(t, i, count)
	}
	count, admitted, err := s.ConsumeWindow(ctx, key, 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, admitted)
	assert.Equal(t, 3, count, "rejection leaves the counter unchanged")

	next := key
	next.WindowStart = now.Add(time.Minute)
	_, admitted, err = s.ConsumeWindow(ctx, next, 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, admitted)

	n, err := s.PurgeCounters(ctx, now.Add(90*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestStore_DailyUsage(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.IncrementDailyUsage(ctx, "a1", now))
	require.NoError(t, s.IncrementDailyUsage(ctx, "a1", now.Add(time.Hour)))
	require.NoError(t, s.IncrementDailyUsage(ctx, "a1", now.Add(24*time.Hour)))

	used, err := s.GetDailyUsage(ctx, "a1", now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), used)
}

func TestStore_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := New()
	assert.Error(t, s.Ping(ctx))
	_, err := s.GetAgent(ctx, "a1")
	assert.ErrorIs(t, err, context.Canceled)
}
