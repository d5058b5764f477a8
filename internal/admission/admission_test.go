package admission

// ============================================================================
// Admission Controller Tests
// Purpose: Verify entity resolution, authorization, concurrency caps, and
// resource limit ceilings
// ============================================================================

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mertmtlu/teias-scheduler/internal/catalog"
	"github.com/mertmtlu/teias-scheduler/internal/config"
	"github.com/mertmtlu/teias-scheduler/internal/store"
	"github.com/mertmtlu/teias-scheduler/pkg/types"
)

func fixture(t *testing.T) (*Controller, *catalog.MemoryCatalog, *store.MemoryStore, *config.ExecutionConfig) {
	t.Helper()

	cfg := config.Default().Execution
	cfg.MaxConcurrentExecutionsPerUser = 2
	cfg.MaxConcurrentExecutionsPerProgram = 3
	cfg.MaxConcurrentExecutions = 5
	cfg.MaxAllowedMemoryMB = 2048
	cfg.MaxAllowedExecutionTimeMinutes = 60

	cat := catalog.NewMemoryCatalog()
	cat.AddUser(catalog.User{ID: "alice", Groups: []string{"engineering"}})
	cat.AddUser(catalog.User{ID: "mallory"})
	cat.AddUser(catalog.User{ID: "root", IsAdmin: true})
	cat.AddProgram(catalog.Program{
		ID: "prog", OwnerID: "owner", CurrentVersion: "v2",
		GroupAccess: map[string]catalog.AccessLevel{"engineering": catalog.AccessExecute},
	})
	cat.AddVersion(catalog.Version{ID: "v1", ProgramID: "prog", Number: 1, Executable: false})
	cat.AddVersion(catalog.Version{ID: "v2", ProgramID: "prog", Number: 2, Executable: true})

	st := store.NewMemoryStore()
	return New(cat, st, &cfg, nil), cat, st, &cfg
}

func submission(user types.UserID) types.ExecutionSubmission {
	return types.ExecutionSubmission{ProgramID: "prog", UserID: user}
}

func TestAdmitHappyPath(t *testing.T) {
	ctrl, _, _, _ := fixture(t)

	decision, err := ctrl.Admit(context.Background(), submission("alice"))
	require.NoError(t, err)
	assert.Equal(t, types.VersionID("v2"), decision.Version.ID, "current version is selected")
	assert.Equal(t, int64(512), decision.Limits.MaxMemoryMB, "defaults applied")
}

func TestAdmitUnknownEntities(t *testing.T) {
	ctrl, _, _, _ := fixture(t)
	ctx := context.Background()

	_, err := ctrl.Admit(ctx, types.ExecutionSubmission{ProgramID: "prog", UserID: "ghost"})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = ctrl.Admit(ctx, types.ExecutionSubmission{ProgramID: "nope", UserID: "alice"})
	assert.ErrorIs(t, err, ErrNotFound)

	sub := submission("alice")
	sub.VersionID = "v99"
	_, err = ctrl.Admit(ctx, sub)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAdmitNonExecutableVersion(t *testing.T) {
	ctrl, _, _, _ := fixture(t)

	sub := submission("alice")
	sub.VersionID = "v1"
	_, err := ctrl.Admit(context.Background(), sub)
	assert.ErrorIs(t, err, ErrVersionNotExecutable)
}

func TestAdmitAuthorization(t *testing.T) {
	ctrl, cat, _, _ := fixture(t)
	ctx := context.Background()

	_, err := ctrl.Admit(ctx, submission("mallory"))
	assert.ErrorIs(t, err, ErrPermissionDenied)

	// Group membership grants execute.
	_, err = ctrl.Admit(ctx, submission("alice"))
	assert.NoError(t, err)

	// Admins always pass.
	_, err = ctrl.Admit(ctx, submission("root"))
	assert.NoError(t, err)

	// Public programs grant execute to everyone.
	cat.AddProgram(catalog.Program{ID: "open", OwnerID: "owner", CurrentVersion: "open-v1", Public: true})
	cat.AddVersion(catalog.Version{ID: "open-v1", ProgramID: "open", Number: 1, Executable: true})
	_, err = ctrl.Admit(ctx, types.ExecutionSubmission{ProgramID: "open", UserID: "mallory"})
	assert.NoError(t, err)
}

func TestAdmitPerUserCap(t *testing.T) {
	ctrl, _, st, _ := fixture(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, st.Create(ctx, &types.JobRecord{
			ProgramID: "other", VersionID: "v", UserID: "alice", Status: types.StatusRunning,
		}))
	}

	_, err := ctrl.Admit(ctx, submission("alice"))
	assert.ErrorIs(t, err, ErrLimitExceeded)
	assert.Contains(t, err.Error(), "user")
}

func TestAdmitPerProgramCap(t *testing.T) {
	ctrl, _, st, _ := fixture(t)
	ctx := context.Background()

	users := []types.UserID{"u1", "u2", "u3"}
	for _, u := range users {
		require.NoError(t, st.Create(ctx, &types.JobRecord{
			ProgramID: "prog", VersionID: "v2", UserID: u, Status: types.StatusRunning,
		}))
	}

	_, err := ctrl.Admit(ctx, submission("alice"))
	assert.ErrorIs(t, err, ErrLimitExceeded)
	assert.Contains(t, err.Error(), "program")
}

func TestAdmitGlobalCap(t *testing.T) {
	ctrl, _, st, _ := fixture(t)
	ctx := context.Background()

	for i, u := range []types.UserID{"u1", "u2", "u3", "u4", "u5"} {
		require.NoError(t, st.Create(ctx, &types.JobRecord{
			ProgramID: types.ProgramID(fmt.Sprintf("prog-%d", i)), VersionID: "v", UserID: u,
			Status: types.StatusRunning,
		}))
	}

	_, err := ctrl.Admit(ctx, submission("alice"))
	assert.ErrorIs(t, err, ErrLimitExceeded)
}

func TestAdmitMemoryCeiling(t *testing.T) {
	ctrl, _, _, _ := fixture(t)

	sub := submission("alice")
	sub.Limits = &types.ResourceLimits{MaxMemoryMB: 4096}
	_, err := ctrl.Admit(context.Background(), sub)
	assert.ErrorIs(t, err, ErrLimitExceeded)
	assert.Contains(t, err.Error(), "memory")
}

func TestAdmitExecutionTimeCeiling(t *testing.T) {
	ctrl, _, _, _ := fixture(t)

	sub := submission("alice")
	sub.Limits = &types.ResourceLimits{MaxExecutionTimeMinutes: 999}
	_, err := ctrl.Admit(context.Background(), sub)
	assert.ErrorIs(t, err, ErrLimitExceeded)
}

// TestEffectiveLimitsWithinCeiling covers P7: accepted limits always satisfy
// the configured maxima.
func TestEffectiveLimitsWithinCeiling(t *testing.T) {
	ctrl, _, _, cfg := fixture(t)

	sub := submission("alice")
	sub.Limits = &types.ResourceLimits{MaxMemoryMB: 1024, MaxExecutionTimeMinutes: 45}
	decision, err := ctrl.Admit(context.Background(), sub)
	require.NoError(t, err)

	assert.Equal(t, int64(1024), decision.Limits.MaxMemoryMB)
	assert.LessOrEqual(t, decision.Limits.MaxMemoryMB, cfg.MaxAllowedMemoryMB)
	assert.LessOrEqual(t, decision.Limits.MaxExecutionTimeMinutes, cfg.MaxAllowedExecutionTimeMinutes)
}
