package captchaguard

import (
	"crypto/subtle"
	"strings"
)

// NormalizeAnswer trims and lower-cases an answer before comparison.
func NormalizeAnswer(answer string) string {
	return strings.ToLower(strings.TrimSpace(answer))
}

// TextChallenge is a question with one or more accepted answers kept in clear.
type TextChallenge struct {
	Key      string   `yaml:"id" json:"id"`
	Question string   `yaml:"question" json:"question"`
	Answers  []string `yaml:"answers" json:"answers"`
}

func (c *TextChallenge) ID() string { return c.Key }

// Attempt compares answer against every accepted answer in constant time.
func (c *TextChallenge) Attempt(answer string) bool {
	got := []byte(NormalizeAnswer(answer))
	if len(got) == 0 {
		return false
	}

	matched := 0
	for _, want := range c.Answers {
		exp := []byte(NormalizeAnswer(want))
		if subtle.ConstantTimeEq(int32(len(exp)), int32(len(got))) == 1 {
			matched |= subtle.ConstantTimeCompare(got, exp)
		}
	}
	return matched == 1
}

func (c *TextChallenge) String() string { return c.Question }

// HashedChallenge keeps only salted digests of the accepted answers, so the
// backing store never holds an answer in clear.
type HashedChallenge struct {
	Key      string
	Question string
	Salt     string
	Digests  []string
}

// Hash builds a HashedChallenge from a TextChallenge using salt.
func Hash(c *TextChallenge, salt string) *HashedChallenge {
	digests := make([]string, 0, len(c.Answers))
	for _, a := range c.Answers {
		digests = append(digests, Digest(NormalizeAnswer(a), salt))
	}
	return &HashedChallenge{
		Key:      c.Key,
		Question: c.Question,
		Salt:     salt,
		Digests:  digests,
	}
}

func (c *HashedChallenge) ID() string { return c.Key }

func (c *HashedChallenge) Attempt(answer string) bool {
	norm := NormalizeAnswer(answer)
	if norm == "" {
		return false
	}

	got := Digest(norm, c.Salt)
	matched := false
	for _, want := range c.Digests {
		if DigestEqual(got, want) {
			matched = true
		}
	}
	return matched
}

func (c *HashedChallenge) String() string { return c.Question }
