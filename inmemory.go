package captchaguard

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
)

// MemoryRepository is a Repository held in process memory using go-cache.
// Challenges may be given a TTL so a rotating set expires on its own.
type MemoryRepository struct {
	cache *cache.Cache
}

var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		cache: cache.New(cache.NoExpiration, 10*time.Minute),
	}
}

// Put stores ch under its id. A ttl of 0 never expires. A TextChallenge
// without a key is given a random one; any other challenge must have an id.
func (m *MemoryRepository) Put(ch Challenge, ttl time.Duration) error {
	if tc, ok := ch.(*TextChallenge); ok && tc.Key == "" {
		tc.Key = uuid.NewString()
	}
	if ch.ID() == "" {
		return fmt.Errorf("%w: challenge has no id", ErrInvalidInput)
	}
	if ttl == 0 {
		ttl = cache.NoExpiration
	}
	m.cache.Set(ch.ID(), ch, ttl)
	return nil
}

// AddQuestion stores a new TextChallenge under a random id.
func (m *MemoryRepository) AddQuestion(question string, answers ...string) *TextChallenge {
	ch := &TextChallenge{
		Key:      uuid.New().String(),
		Question: question,
		Answers:  answers,
	}
	m.cache.Set(ch.Key, ch, cache.NoExpiration)
	return ch
}

func (m *MemoryRepository) Delete(id string) {
	m.cache.Delete(id)
}

func (m *MemoryRepository) Len() int {
	return m.cache.ItemCount()
}

func (m *MemoryRepository) ByID(_ context.Context, id string) (Challenge, error) {
	raw, found := m.cache.Get(id)
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrChallengeNotFound, id)
	}
	ch, ok := raw.(Challenge)
	if !ok {
		m.cache.Delete(id)
		return nil, fmt.Errorf("%w: %s", ErrChallengeNotFound, id)
	}
	return ch, nil
}

func (m *MemoryRepository) Random(_ context.Context) (Challenge, error) {
	items := m.cache.Items()
	if len(items) == 0 {
		return nil, ErrNoChallenges
	}

	n := rand.Intn(len(items))
	for _, item := range items {
		if n == 0 {
			if ch, ok := item.Object.(Challenge); ok {
				return ch, nil
			}
			break
		}
		n--
	}
	return nil, ErrNoChallenges
}
