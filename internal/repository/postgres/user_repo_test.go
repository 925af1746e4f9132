package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mara/identity-service/internal/domain"
	"github.com/mara/identity-service/internal/repository"
	"github.com/mara/identity-service/internal/repository/postgres"
	"github.com/mara/identity-service/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestUserRepository_Create(t *testing.T) {
	testDB := testutil.NewTestDB(t)
	repo := postgres.NewUserRepository(testDB.DB)
	ctx := context.Background()

	tests := []struct {
		name    string
		user    *domain.User
		wantErr error
	}{
		{
			name: "successful creation",
			user: &domain.User{
				ID:         uuid.New(),
				BackupCode: "backup-code-1",
				CreatedAt:  time.Now(),
				UpdatedAt:  time.Now(),
			},
		},
		{
			name: "duplicate backup code",
			user: &domain.User{
				ID:         uuid.New(),
				BackupCode: "backup-code-1", // Same as above
				CreatedAt:  time.Now(),
				UpdatedAt:  time.Now(),
			},
			wantErr: domain.ErrConflict,
		},
		{
			name: "unique email enforced",
			user: &domain.User{
				ID:         uuid.New(),
				Email:      strPtr("a@x.com"),
				Username:   strPtr("alice"),
				BackupCode: "backup-code-2",
				CreatedAt:  time.Now(),
				UpdatedAt:  time.Now(),
			},
		},
		{
			name: "duplicate email rejected",
			user: &domain.User{
				ID:         uuid.New(),
				Email:      strPtr("a@x.com"),
				Username:   strPtr("alice2"),
				BackupCode: "backup-code-3",
				CreatedAt:  time.Now(),
				UpdatedAt:  time.Now(),
			},
			wantErr: domain.ErrConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := repo.Create(ctx, tt.user)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestUserRepository_Update_WritesClearedColumns(t *testing.T) {
	testDB := testutil.NewTestDB(t)
	repo := postgres.NewUserRepository(testDB.DB)
	ctx := context.Background()

	user := testutil.NewUserBuilder().
		WithIdentity("a@x.com", "alice").
		WithPendingCode("123456", time.Now().Add(time.Hour)).
		Build(t, testDB.DB)

	user.Email = nil
	user.Username = nil
	user.VerificationCode = nil
	user.VerificationCodeExpiresAt = nil
	require.NoError(t, repo.Update(ctx, user))

	reloaded, err := repo.GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Nil(t, reloaded.Email)
	assert.Nil(t, reloaded.Username)
	assert.Nil(t, reloaded.VerificationCode)
	assert.Nil(t, reloaded.VerificationCodeExpiresAt)
}

func TestUserRepository_GetByIDForUpdate_SerializesWriters(t *testing.T) {
	testDB := testutil.NewTestDB(t)
	repo := postgres.NewUserRepository(testDB.DB)
	tx := postgres.NewTxManager(testDB.DB)
	ctx := context.Background()

	_, err := repo.GetByIDForUpdate(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)

	user := testutil.NewUserBuilder().Build(t, testDB.DB)

	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	// First writer locks the row, claims an identity, and holds its
	// transaction open until released.
	go func() {
		done <- tx.RunInTx(ctx, func(repos *repository.Repositories) error {
			claimed, err := repos.User.GetByIDForUpdate(ctx, user.ID)
			if err != nil {
				return err
			}
			email, username := "claimed@x.com", "claimed"
			claimed.Email = &email
			claimed.Username = &username
			if err := repos.User.Update(ctx, claimed); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()

	<-locked
	go func() {
		time.Sleep(200 * time.Millisecond)
		close(release)
	}()

	// The second writer blocks on the row lock until the first commits,
	// so it observes the committed claim rather than the stale anonymous
	// row it would have read without the lock.
	err = tx.RunInTx(ctx, func(repos *repository.Repositories) error {
		current, err := repos.User.GetByIDForUpdate(ctx, user.ID)
		if err != nil {
			return err
		}
		assert.NotNil(t, current.Email, "lock released before the claim committed")
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, <-done)
}

func TestUserRepository_Lookups(t *testing.T) {
	testDB := testutil.NewTestDB(t)
	repo := postgres.NewUserRepository(testDB.DB)
	ctx := context.Background()

	user := testutil.NewUserBuilder().
		WithIdentity("a@x.com", "alice").
		WithBackupCode("lookup-backup-code").
		Build(t, testDB.DB)

	byEmail, err := repo.GetByEmail(ctx, "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, user.ID, byEmail.ID)

	byCode, err := repo.GetByBackupCode(ctx, "lookup-backup-code")
	require.NoError(t, err)
	assert.Equal(t, user.ID, byCode.ID)

	_, err = repo.GetByEmail(ctx, "nobody@x.com")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = repo.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)

	taken, err := repo.EmailTaken(ctx, "a@x.com")
	require.NoError(t, err)
	assert.True(t, taken)

	taken, err = repo.UsernameTaken(ctx, "nobody")
	require.NoError(t, err)
	assert.False(t, taken)
}
