package captchaguard_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shastrum/go-captchaguard"
	"github.com/shastrum/go-captchaguard/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRepositoryConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) (captchaguard.Repository, storetest.Seeder) {
		repo := captchaguard.NewMemoryRepository()
		return repo, func(_ context.Context, ch *captchaguard.TextChallenge) error {
			return repo.Put(ch, 0)
		}
	})
}

func TestMemoryRepositoryAddQuestion(t *testing.T) {
	repo := captchaguard.NewMemoryRepository()
	ch := repo.AddQuestion("Name a primary colour", "red", "blue", "yellow")
	require.NotEmpty(t, ch.ID())
	assert.Equal(t, 1, repo.Len())

	got, err := repo.ByID(context.Background(), ch.ID())
	require.NoError(t, err)
	assert.True(t, got.Attempt("Yellow"))

	repo.Delete(ch.ID())
	_, err = repo.ByID(context.Background(), ch.ID())
	assert.ErrorIs(t, err, captchaguard.ErrChallengeNotFound)
}

func TestMemoryRepositoryExpiry(t *testing.T) {
	repo := captchaguard.NewMemoryRepository()
	require.NoError(t, repo.Put(&captchaguard.TextChallenge{Key: "short", Answers: []string{"x"}}, 20*time.Millisecond))

	_, err := repo.ByID(context.Background(), "short")
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)
	_, err = repo.ByID(context.Background(), "short")
	assert.ErrorIs(t, err, captchaguard.ErrChallengeNotFound)
	_, err = repo.Random(context.Background())
	assert.ErrorIs(t, err, captchaguard.ErrNoChallenges)
}

type anonymous struct{}

func (anonymous) ID() string { return "" }
func (anonymous) Attempt(string) bool { return true }

func TestMemoryRepositoryPutWithoutID(t *testing.T) {
	ctx := context.Background()
	repo := captchaguard.NewMemoryRepository()

	ch := &captchaguard.TextChallenge{Question: "1+1?", Answers: []string{"2"}}
	require.NoError(t, repo.Put(ch, 0))
	require.NotEmpty(t, ch.Key)
	got, err := repo.Random(ctx)
	require.NoError(t, err)
	assert.Equal(t, ch.Key, got.ID())

	err = repo.Put(anonymous{}, 0)
	assert.ErrorIs(t, err, captchaguard.ErrInvalidInput)
	assert.Equal(t, 1, repo.Len())

	g, err := captchaguard.New(captchaguard.Config{Secret: []byte("s"), Repository: repo})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		issued, err := g.Issue(ctx, g.Session(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil)))
		require.NoError(t, err)
		assert.Equal(t, ch.Key, issued.Challenge.ID())
	}
}
