package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/mara/identity-service/internal/domain"
	repoPostgres "github.com/mara/identity-service/internal/repository/postgres"
	"github.com/mara/identity-service/internal/service"
	"github.com/mara/identity-service/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionService_CreateAndRead(t *testing.T) {
	testDB := testutil.NewTestDB(t)
	repos := repoPostgres.NewRepositories(testDB.DB)
	sessions := service.NewSessionService(testutil.TestConfig())
	ctx := context.Background()

	user := testutil.NewUserBuilder().Build(t, testDB.DB)

	session, err := sessions.Create(ctx, repos.Session, user.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, session.Token)
	assert.WithinDuration(t, time.Now().Add(365*24*time.Hour), session.ExpiresAt, time.Minute)

	found, err := sessions.ReadValid(ctx, repos.Session, session.Token)
	require.NoError(t, err)
	assert.Equal(t, session.ID, found.ID)
	assert.Equal(t, user.ID, found.UserID)

	_, err = sessions.ReadValid(ctx, repos.Session, "no-such-token")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSessionService_LazyEviction(t *testing.T) {
	testDB := testutil.NewTestDB(t)
	repos := repoPostgres.NewRepositories(testDB.DB)
	sessions := service.NewSessionService(testutil.TestConfig())
	ctx := context.Background()

	user := testutil.NewUserBuilder().Build(t, testDB.DB)
	expired := testutil.BuildSession(t, testDB.DB, user.ID, time.Now().Add(-time.Minute))

	_, err := sessions.ReadValid(ctx, repos.Session, expired.Token)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// The expired row was deleted on read, not just hidden.
	_, err = repos.Session.GetByID(ctx, expired.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSessionService_Refresh(t *testing.T) {
	testDB := testutil.NewTestDB(t)
	repos := repoPostgres.NewRepositories(testDB.DB)
	sessions := service.NewSessionService(testutil.TestConfig())
	ctx := context.Background()

	user := testutil.NewUserBuilder().Build(t, testDB.DB)
	session := testutil.BuildSession(t, testDB.DB, user.ID, time.Now().Add(time.Hour))
	originalToken := session.Token

	refreshed, err := sessions.Refresh(ctx, repos.Session, session)
	require.NoError(t, err)

	// Expiry extended to a full TTL, token not rotated.
	assert.WithinDuration(t, time.Now().Add(365*24*time.Hour), refreshed.ExpiresAt, time.Minute)
	assert.Equal(t, originalToken, refreshed.Token)

	reloaded, err := repos.Session.GetByID(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, originalToken, reloaded.Token)
	assert.WithinDuration(t, refreshed.ExpiresAt, reloaded.ExpiresAt, time.Second)
}

func TestSessionService_BulkRevocation(t *testing.T) {
	testDB := testutil.NewTestDB(t)
	repos := repoPostgres.NewRepositories(testDB.DB)
	sessions := service.NewSessionService(testutil.TestConfig())
	ctx := context.Background()

	user := testutil.NewUserBuilder().Build(t, testDB.DB)
	other := testutil.NewUserBuilder().Build(t, testDB.DB)

	var tokens []string
	for i := 0; i < 3; i++ {
		s, err := sessions.Create(ctx, repos.Session, user.ID)
		require.NoError(t, err)
		tokens = append(tokens, s.Token)
	}
	kept, err := sessions.Create(ctx, repos.Session, other.ID)
	require.NoError(t, err)

	require.NoError(t, sessions.DeleteAllForUser(ctx, repos.Session, user.ID))

	for _, token := range tokens {
		_, err := sessions.ReadValid(ctx, repos.Session, token)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	}

	// Other users' sessions are untouched.
	_, err = sessions.ReadValid(ctx, repos.Session, kept.Token)
	assert.NoError(t, err)
}
