package service_test

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/mara/identity-service/internal/domain"
	repoPostgres "github.com/mara/identity-service/internal/repository/postgres"
	"github.com/mara/identity-service/internal/service"
	"github.com/mara/identity-service/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var codePattern = regexp.MustCompile(`^\d{6}$`)

func TestIdentityService_CreateAnonymousUser(t *testing.T) {
	testDB := testutil.NewTestDB(t)
	repos := repoPostgres.NewRepositories(testDB.DB)
	identity := service.NewIdentityService(testutil.TestConfig(), nil, nil)
	ctx := context.Background()

	user, err := identity.CreateAnonymousUser(ctx, repos.User)
	require.NoError(t, err)

	assert.True(t, user.IsAnonymous())
	assert.Nil(t, user.Email)
	assert.Nil(t, user.Username)
	assert.False(t, user.EmailVerified)
	assert.Nil(t, user.VerificationCode)
	assert.Nil(t, user.VerificationCodeExpiresAt)
	assert.NotEmpty(t, user.BackupCode)

	t.Run("backup codes are pairwise unique", func(t *testing.T) {
		seen := map[string]bool{user.BackupCode: true}
		for i := 0; i < 999; i++ {
			u, err := identity.CreateAnonymousUser(ctx, repos.User)
			require.NoError(t, err)
			require.False(t, seen[u.BackupCode], "duplicate backup code after %d users", i)
			seen[u.BackupCode] = true
		}
	})
}

func TestIdentityService_CreatePotentialUser(t *testing.T) {
	testDB := testutil.NewTestDB(t)
	repos := repoPostgres.NewRepositories(testDB.DB)
	sender := testutil.NewCaptureSender()
	identity := service.NewIdentityService(testutil.TestConfig(), sender, nil)
	ctx := context.Background()

	tests := []struct {
		name     string
		email    string
		username string
		setup    func(t *testing.T)
		wantErr  error
	}{
		{
			name:     "successful creation",
			email:    "a@x.com",
			username: "alice",
		},
		{
			name:     "duplicate email",
			email:    "b@x.com",
			username: "bob",
			setup: func(t *testing.T) {
				testutil.NewUserBuilder().WithIdentity("b@x.com", "someone").Build(t, testDB.DB)
			},
			wantErr: domain.ErrEmailTaken,
		},
		{
			name:     "duplicate username",
			email:    "c@x.com",
			username: "carol",
			setup: func(t *testing.T) {
				testutil.NewUserBuilder().WithIdentity("other@x.com", "carol").Build(t, testDB.DB)
			},
			wantErr: domain.ErrUsernameTaken,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testDB.Truncate(t)

			if tt.setup != nil {
				tt.setup(t)
			}

			user, err := identity.CreatePotentialUser(ctx, repos.User, tt.email, tt.username)

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.ErrorIs(t, err, domain.ErrConflict)
				return
			}

			require.NoError(t, err)
			assert.True(t, user.IsPotential())
			require.NotNil(t, user.VerificationCode)
			assert.Regexp(t, codePattern, *user.VerificationCode)
			require.NotNil(t, user.VerificationCodeExpiresAt)
			assert.WithinDuration(t, time.Now().Add(time.Hour), *user.VerificationCodeExpiresAt, time.Minute)

			sent, ok := sender.LastCode(tt.email)
			require.True(t, ok, "code should have been handed to the delivery hook")
			assert.Equal(t, *user.VerificationCode, sent)
		})
	}
}

func TestIdentityService_PromoteAnonymousToPotential(t *testing.T) {
	testDB := testutil.NewTestDB(t)
	repos := repoPostgres.NewRepositories(testDB.DB)
	identity := service.NewIdentityService(testutil.TestConfig(), testutil.NewCaptureSender(), nil)
	ctx := context.Background()

	t.Run("promotes an anonymous user in place", func(t *testing.T) {
		testDB.Truncate(t)
		anon := testutil.NewUserBuilder().Build(t, testDB.DB)

		promoted, err := identity.PromoteAnonymousToPotential(ctx, repos.User, anon, "a@x.com", "alice")
		require.NoError(t, err)

		assert.Equal(t, anon.ID, promoted.ID)
		assert.True(t, promoted.IsPotential())
		assert.Equal(t, "a@x.com", *promoted.Email)
		assert.Equal(t, "alice", *promoted.Username)
		assert.NotNil(t, promoted.VerificationCode)
		// Backup code survives promotion
		assert.Equal(t, anon.BackupCode, promoted.BackupCode)
	})

	t.Run("rejects a non-anonymous user and leaves it unmutated", func(t *testing.T) {
		testDB.Truncate(t)
		potential := testutil.NewUserBuilder().WithIdentity("b@x.com", "bob").Build(t, testDB.DB)

		_, err := identity.PromoteAnonymousToPotential(ctx, repos.User, potential, "c@x.com", "carol")
		assert.ErrorIs(t, err, domain.ErrInvalidState)

		reloaded, err := repos.User.GetByID(ctx, potential.ID)
		require.NoError(t, err)
		assert.Equal(t, "b@x.com", *reloaded.Email)
		assert.Equal(t, "bob", *reloaded.Username)
	})
}

func TestIdentityService_VerificationRoundTrip(t *testing.T) {
	testDB := testutil.NewTestDB(t)
	repos := repoPostgres.NewRepositories(testDB.DB)
	sender := testutil.NewCaptureSender()
	identity := service.NewIdentityService(testutil.TestConfig(), sender, nil)
	ctx := context.Background()

	user, err := identity.CreatePotentialUser(ctx, repos.User, "a@x.com", "alice")
	require.NoError(t, err)
	code, ok := sender.LastCode("a@x.com")
	require.True(t, ok)

	user, verified, err := identity.ConsumeVerificationCode(ctx, repos.User, user, code)
	require.NoError(t, err)
	assert.True(t, verified)
	assert.True(t, user.IsFull())
	assert.Nil(t, user.VerificationCode)
	assert.Nil(t, user.VerificationCodeExpiresAt)

	// Codes are single-use: the same value never verifies twice.
	user, verified, err = identity.ConsumeVerificationCode(ctx, repos.User, user, code)
	require.NoError(t, err)
	assert.False(t, verified)
	assert.True(t, user.IsFull())
}

func TestIdentityService_ConsumeVerificationCode(t *testing.T) {
	testDB := testutil.NewTestDB(t)
	repos := repoPostgres.NewRepositories(testDB.DB)
	identity := service.NewIdentityService(testutil.TestConfig(), nil, nil)
	ctx := context.Background()

	t.Run("expired code never verifies even on a value match", func(t *testing.T) {
		testDB.Truncate(t)
		user := testutil.NewUserBuilder().
			WithIdentity("a@x.com", "alice").
			WithPendingCode("123456", time.Now().Add(-time.Minute)).
			Build(t, testDB.DB)

		updated, verified, err := identity.ConsumeVerificationCode(ctx, repos.User, user, "123456")
		require.NoError(t, err)
		assert.False(t, verified)
		assert.Nil(t, updated.VerificationCode)
		assert.Nil(t, updated.VerificationCodeExpiresAt)
		assert.True(t, updated.IsPotential())
	})

	t.Run("wrong code leaves the pending code intact", func(t *testing.T) {
		testDB.Truncate(t)
		user := testutil.NewUserBuilder().
			WithIdentity("a@x.com", "alice").
			WithPendingCode("123456", time.Now().Add(time.Hour)).
			Build(t, testDB.DB)

		updated, verified, err := identity.ConsumeVerificationCode(ctx, repos.User, user, "654321")
		require.NoError(t, err)
		assert.False(t, verified)
		require.NotNil(t, updated.VerificationCode)
		assert.Equal(t, "123456", *updated.VerificationCode)
	})

	t.Run("absent code is an idempotent not-verified outcome", func(t *testing.T) {
		testDB.Truncate(t)
		user := testutil.NewUserBuilder().
			WithIdentity("a@x.com", "alice").
			Build(t, testDB.DB)

		_, verified, err := identity.ConsumeVerificationCode(ctx, repos.User, user, "123456")
		require.NoError(t, err)
		assert.False(t, verified)
	})
}

func TestIdentityService_RevertPotentialToAnonymous(t *testing.T) {
	testDB := testutil.NewTestDB(t)
	repos := repoPostgres.NewRepositories(testDB.DB)
	identity := service.NewIdentityService(testutil.TestConfig(), nil, nil)
	ctx := context.Background()

	t.Run("clears claimed identity", func(t *testing.T) {
		testDB.Truncate(t)
		user := testutil.NewUserBuilder().
			WithIdentity("a@x.com", "alice").
			WithPendingCode("123456", time.Now().Add(time.Hour)).
			Build(t, testDB.DB)

		reverted, err := identity.RevertPotentialToAnonymous(ctx, repos.User, user)
		require.NoError(t, err)
		assert.True(t, reverted.IsAnonymous())
		assert.Equal(t, user.BackupCode, reverted.BackupCode)
	})

	t.Run("rejects full users", func(t *testing.T) {
		testDB.Truncate(t)
		user := testutil.NewUserBuilder().WithIdentity("a@x.com", "alice").Verified().Build(t, testDB.DB)

		_, err := identity.RevertPotentialToAnonymous(ctx, repos.User, user)
		assert.ErrorIs(t, err, domain.ErrInvalidState)
	})
}

func TestIdentityService_ValidateOnRead(t *testing.T) {
	testDB := testutil.NewTestDB(t)
	repos := repoPostgres.NewRepositories(testDB.DB)
	identity := service.NewIdentityService(testutil.TestConfig(), nil, nil)
	ctx := context.Background()

	t.Run("repairs an unverified row with a dangling email", func(t *testing.T) {
		testDB.Truncate(t)
		user := testutil.NewUserBuilder().Build(t, testDB.DB)
		// Corrupt the row behind the engine's back.
		require.NoError(t, testDB.DB.Exec(
			"UPDATE users SET email = ? WHERE id = ?", "ghost@x.com", user.ID,
		).Error)

		repaired, err := identity.GetByID(ctx, repos.User, user.ID)
		require.NoError(t, err)
		assert.True(t, repaired.IsAnonymous())
		assert.Nil(t, repaired.Email)

		// The repair was written back, not just applied in memory.
		reloaded, err := repos.User.GetByID(ctx, user.ID)
		require.NoError(t, err)
		assert.Nil(t, reloaded.Email)
	})

	t.Run("verified row with no email is healed to anonymous", func(t *testing.T) {
		testDB.Truncate(t)
		user := testutil.NewUserBuilder().Build(t, testDB.DB)
		require.NoError(t, testDB.DB.Exec(
			"UPDATE users SET email_verified = true WHERE id = ?", user.ID,
		).Error)

		repaired, err := identity.GetByID(ctx, repos.User, user.ID)
		require.NoError(t, err)
		assert.True(t, repaired.IsAnonymous())

		reloaded, err := repos.User.GetByID(ctx, user.ID)
		require.NoError(t, err)
		assert.False(t, reloaded.EmailVerified)
	})

	t.Run("verified row with no username is a hard failure", func(t *testing.T) {
		testDB.Truncate(t)
		user := testutil.NewUserBuilder().Build(t, testDB.DB)
		require.NoError(t, testDB.DB.Exec(
			"UPDATE users SET email = ?, email_verified = true WHERE id = ?", "ghost@x.com", user.ID,
		).Error)

		_, err := identity.GetByID(ctx, repos.User, user.ID)
		assert.ErrorIs(t, err, domain.ErrDataIntegrity)
	})
}

func TestIdentityService_GetByEmail(t *testing.T) {
	testDB := testutil.NewTestDB(t)
	repos := repoPostgres.NewRepositories(testDB.DB)
	identity := service.NewIdentityService(testutil.TestConfig(), nil, nil)
	ctx := context.Background()

	t.Run("returns potential and full users", func(t *testing.T) {
		testDB.Truncate(t)
		testutil.NewUserBuilder().WithIdentity("a@x.com", "alice").Verified().Build(t, testDB.DB)

		user, err := identity.GetByEmail(ctx, repos.User, "a@x.com")
		require.NoError(t, err)
		assert.True(t, user.IsFull())
	})

	t.Run("misses are ErrNotFound", func(t *testing.T) {
		testDB.Truncate(t)
		_, err := identity.GetByEmail(ctx, repos.User, "nobody@x.com")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}
