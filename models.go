package captchaguard

import (
	"context"
	"errors"
	"fmt"
)

// Challenge is a single question the client must answer.
// The guard never looks past its ID and Attempt.
type Challenge interface {
	ID() string
	Attempt(answer string) bool
}

// Repository looks challenges up by id or selects a fresh one.
// You can implement it with memory, Redis, SQL or anything else.
type Repository interface {
	// ByID returns an error wrapping ErrChallengeNotFound when id is unknown.
	ByID(ctx context.Context, id string) (Challenge, error)
	// Random returns ErrNoChallenges when the repository is empty.
	Random(ctx context.Context) (Challenge, error)
}

// SessionState is the client-carried state the guard reads and writes.
// Status lives across requests; the failed challenge slot only survives
// until it is read once.
type SessionState interface {
	Status() string
	SetStatus(token string)

	// FailedChallenge returns the failed challenge token, if any, and clears it.
	FailedChallenge() string
	SetFailedChallenge(token string)
	ClearFailedChallenge()
}

const (
	StatusPassed = "passed"
	StatusFailed = "failed"
)

var (
	ErrNoSecret          = errors.New("captchaguard secret is not configured")
	ErrInvalidInput      = errors.New("captchaguard empty value")
	ErrChallengeNotFound = errors.New("captchaguard challenge not found")
	ErrNoChallenges      = errors.New("captchaguard repository has no challenges")
)

// ConfigError reports a fatal configuration problem. It unwraps to the
// underlying cause, so errors.Is(err, ErrNoSecret) works.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("captchaguard configuration error: %v", e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Issued is what the rendering layer needs to present a challenge.
type Issued struct {
	Challenge Challenge
	// Token is the encrypted challenge id to embed in the form.
	Token string
}

// Outcome is the result of Validate.
type Outcome struct {
	Passed bool
	// ChallengeID is set on failure when the failed challenge is known.
	ChallengeID string
	// Message is the user facing failure message.
	Message string
}

func Success() Outcome {
	return Outcome{Passed: true}
}

func Failure(challengeID, message string) Outcome {
	return Outcome{ChallengeID: challengeID, Message: message}
}
