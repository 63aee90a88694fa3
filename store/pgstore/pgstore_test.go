package pgstore

import (
	"context"
	"errors"
	"os"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/shastrum/go-captchaguard"
	"github.com/shastrum/go-captchaguard/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var challengeColumns = []string{"id", "question", "salt", "digests"}

func newMockRepo(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(sqlx.NewDb(db, "postgres")), mock
}

func TestByID(t *testing.T) {
	repo, mock := newMockRepo(t)
	digest := captchaguard.Digest("blue", "s1")

	mock.ExpectQuery(regexp.QuoteMeta(findChallengeQuery)).
		WithArgs("colour").
		WillReturnRows(sqlmock.NewRows(challengeColumns).AddRow("colour", "Sky colour?", "s1", "{"+digest+"}"))

	ch, err := repo.ByID(context.Background(), "colour")
	require.NoError(t, err)
	assert.Equal(t, "colour", ch.ID())
	assert.True(t, ch.Attempt("BLUE"))
	assert.False(t, ch.Attempt("red"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestByIDNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery(regexp.QuoteMeta(findChallengeQuery)).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(challengeColumns))

	_, err := repo.ByID(context.Background(), "missing")
	assert.ErrorIs(t, err, captchaguard.ErrChallengeNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestByIDFault(t *testing.T) {
	repo, mock := newMockRepo(t)
	boom := errors.New("conn reset")
	mock.ExpectQuery(regexp.QuoteMeta(findChallengeQuery)).WithArgs("x").WillReturnError(boom)

	_, err := repo.ByID(context.Background(), "x")
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, captchaguard.ErrChallengeNotFound)
}

func TestRandom(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery(regexp.QuoteMeta(randomChallengeQuery)).
		WillReturnRows(sqlmock.NewRows(challengeColumns).AddRow("sum", "2+3?", "s", "{}"))

	ch, err := repo.Random(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sum", ch.ID())
	assert.False(t, ch.Attempt("5"), "a challenge without digests accepts nothing")
}

func TestRandomEmpty(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery(regexp.QuoteMeta(randomChallengeQuery)).
		WillReturnRows(sqlmock.NewRows(challengeColumns))

	_, err := repo.Random(context.Background())
	assert.ErrorIs(t, err, captchaguard.ErrNoChallenges)
}

func TestPut(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec(regexp.QuoteMeta(upsertChallengeQuery)).
		WithArgs("colour", "Sky colour?", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Put(context.Background(), &captchaguard.TextChallenge{
		Key: "colour", Question: "Sky colour?", Answers: []string{"blue"},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateAndDelete(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec(regexp.QuoteMeta(createTableQuery)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(deleteChallengeQuery)).WithArgs("a").WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Migrate(context.Background()))
	require.NoError(t, repo.Delete(context.Background(), "a"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestConformance runs against a real database when PG_DSN is set.
func TestConformance(t *testing.T) {
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("Missing PG_DSN envvar; skipping postgres-backed repository test suite")
	}

	storetest.Run(t, func(t *testing.T) (captchaguard.Repository, storetest.Seeder) {
		repo, err := New(dsn)
		require.NoError(t, err)
		t.Cleanup(func() { _ = repo.Close() })

		ctx := context.Background()
		require.NoError(t, repo.Migrate(ctx))
		_, err = repo.db.ExecContext(ctx, "DELETE FROM captcha_challenges")
		require.NoError(t, err)
		return repo, repo.Put
	})
}
