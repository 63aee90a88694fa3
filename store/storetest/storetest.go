// Package storetest holds the behaviour every captchaguard.Repository
// implementation is expected to share.
package storetest

import (
	"context"
	"testing"

	"github.com/shastrum/go-captchaguard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Seeder stores a challenge in the repository under test.
type Seeder func(ctx context.Context, ch *captchaguard.TextChallenge) error

// Factory returns an empty repository and a way to fill it.
type Factory func(t *testing.T) (captchaguard.Repository, Seeder)

var fixtures = []*captchaguard.TextChallenge{
	{Key: "colour", Question: "What colour is the sky on a clear day?", Answers: []string{"blue"}},
	{Key: "sum", Question: "What is two plus three?", Answers: []string{"5", "five"}},
	{Key: "legs", Question: "How many legs does a cat have?", Answers: []string{"4", "four"}},
}

// Run executes the conformance tests against repositories built by newRepo.
func Run(t *testing.T, newRepo Factory) {
	t.Run("RandomOnEmpty", func(t *testing.T) {
		repo, _ := newRepo(t)
		_, err := repo.Random(context.Background())
		require.ErrorIs(t, err, captchaguard.ErrNoChallenges)
	})

	t.Run("ByIDUnknown", func(t *testing.T) {
		repo, _ := newRepo(t)
		_, err := repo.ByID(context.Background(), "missing")
		require.ErrorIs(t, err, captchaguard.ErrChallengeNotFound)
	})

	t.Run("ByIDAndAttempt", func(t *testing.T) {
		ctx := context.Background()
		repo, seed := newRepo(t)
		seedAll(t, seed)

		ch, err := repo.ByID(ctx, "sum")
		require.NoError(t, err)
		assert.Equal(t, "sum", ch.ID())
		assert.True(t, ch.Attempt("five"))
		assert.True(t, ch.Attempt("  FIVE "))
		assert.True(t, ch.Attempt("5"))
		assert.False(t, ch.Attempt("6"))
		assert.False(t, ch.Attempt(""))
	})

	t.Run("RandomReturnsStoredChallenge", func(t *testing.T) {
		ctx := context.Background()
		repo, seed := newRepo(t)
		seedAll(t, seed)

		known := map[string]bool{}
		for _, f := range fixtures {
			known[f.Key] = true
		}
		for i := 0; i < 30; i++ {
			ch, err := repo.Random(ctx)
			require.NoError(t, err)
			assert.True(t, known[ch.ID()], "unexpected challenge id %q", ch.ID())
		}
	})
}

func seedAll(t *testing.T, seed Seeder) {
	t.Helper()
	for _, f := range fixtures {
		cp := *f
		require.NoError(t, seed(context.Background(), &cp))
	}
}
