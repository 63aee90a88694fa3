package captchaguard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

const (
	DefaultFailureMessage = "The answer to the challenge was incorrect, please try again."

	defaultTokenField   = "captcha_token"
	defaultAnswerField  = "captcha_answer"
	defaultStatusCookie = "_captcha_status"
	defaultFailedCookie = "_captcha_failed"
	defaultStatusTTL    = 24 * time.Hour

	slotStatus    = "status"
	slotChallenge = "challenge"

	// tolerated drift between servers sharing a secret
	maxClockSkew = time.Minute
)

// Config defines setup options for the guard
type Config struct {
	// Server secret the codec key is derived from. Required.
	Secret []byte
	// Where challenges come from. Required.
	Repository Repository
	// Optional: replaces the default AES-GCM codec built from Secret
	Codec TokenCodec
	// Optional: message returned with every failed validation
	FailureMessage string
	// Turns the guard off: nothing is issued and every submission passes
	Disabled bool
	// Optional: defaults to a logger that discards everything
	Logger *logrus.Entry
	// Optional: prometheus counters
	Metrics *Metrics

	// Form field carrying the challenge token
	TokenField string
	// Form field carrying the answer
	AnswerField string
	// Cookie holding the encrypted pass/fail status
	StatusCookie string
	// Cookie holding the failed challenge token for the next request only
	FailedCookie string
	// Optional: how long a passed status is trusted, also the status cookie lifetime
	StatusTTL time.Duration
	// Optional: path for both cookies, "/" by default
	CookiePath string
	// Mark cookies Secure
	SecureCookies bool
	// Optional: called instead of the default 403 response on failure
	OnFailure func(w http.ResponseWriter, r *http.Request, outcome Outcome)
	// How to read the real client IP for logging
	ReadIP func(r *http.Request) string
}

func (cfg *Config) validate() error {
	var err error
	if len(cfg.Secret) == 0 {
		err = multierror.Append(err, ErrNoSecret)
	}
	if cfg.Repository == nil {
		err = multierror.Append(err, fmt.Errorf("captchaguard repository has not been provided"))
	}
	if cfg.StatusTTL < 0 {
		err = multierror.Append(err, fmt.Errorf("captchaguard status ttl must not be negative"))
	}
	return err
}

func (cfg *Config) setDefaults() {
	if cfg.FailureMessage == "" {
		cfg.FailureMessage = DefaultFailureMessage
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(&logrus.Logger{Out: io.Discard})
	}
	if cfg.TokenField == "" {
		cfg.TokenField = defaultTokenField
	}
	if cfg.AnswerField == "" {
		cfg.AnswerField = defaultAnswerField
	}
	if cfg.StatusCookie == "" {
		cfg.StatusCookie = defaultStatusCookie
	}
	if cfg.FailedCookie == "" {
		cfg.FailedCookie = defaultFailedCookie
	}
	if cfg.StatusTTL == 0 {
		cfg.StatusTTL = defaultStatusTTL
	}
	if cfg.CookiePath == "" {
		cfg.CookiePath = "/"
	}
	if cfg.ReadIP == nil {
		cfg.ReadIP = defaultIPReader
	}
}

// Guard issues and validates challenges. All of its state lives in the
// client's SessionState, so one Guard serves any number of requests.
type Guard struct {
	cfg Config
	// status and challenge tokens are sealed for their own slot
	statusCodec    TokenCodec
	challengeCodec TokenCodec
	log            *logrus.Entry
	now            func() time.Time
}

func New(cfg Config) (*Guard, error) {
	if err := cfg.validate(); err != nil {
		return nil, &ConfigError{Err: err}
	}
	cfg.setDefaults()

	codec := cfg.Codec
	if codec == nil {
		c, err := NewCodec(cfg.Secret)
		if err != nil {
			return nil, err
		}
		codec = c
	}

	return &Guard{
		cfg:            cfg,
		statusCodec:    bindSlot(codec, slotStatus),
		challengeCodec: bindSlot(codec, slotChallenge),
		log:            cfg.Logger,
		now:            time.Now,
	}, nil
}

// MustNew is like New but panics on a bad config.
func MustNew(cfg Config) *Guard {
	g, err := New(cfg)
	if err != nil {
		panic("CaptchaGuard: " + err.Error())
	}
	return g
}

// Config returns a copy of the effective configuration.
func (g *Guard) Config() Config {
	return g.cfg
}

// ready fails when the guard was not built through New with a secret.
func (g *Guard) ready() error {
	if g == nil || g.statusCodec == nil || g.challengeCodec == nil || len(g.cfg.Secret) == 0 {
		return &ConfigError{Err: ErrNoSecret}
	}
	return nil
}

// Issue picks the challenge to present. It returns nil when the client is
// already trusted or the guard is disabled.
func (g *Guard) Issue(ctx context.Context, state SessionState) (*Issued, error) {
	if err := g.ready(); err != nil {
		return nil, err
	}
	if g.cfg.Disabled {
		return nil, nil
	}
	if g.alreadyTrusted(state) {
		g.cfg.Metrics.bypass("issue")
		g.log.Debug("client already passed, no challenge issued")
		return nil, nil
	}

	ch, err := g.findOutstandingOrRandom(ctx, state)
	if err != nil {
		return nil, err
	}

	token, err := g.challengeCodec.Encode(ch.ID())
	if err != nil {
		return nil, fmt.Errorf("captchaguard encode challenge id: %w", err)
	}

	g.cfg.Metrics.issue()
	g.log.WithField("challenge_id", ch.ID()).Debug("challenge issued")
	return &Issued{Challenge: ch, Token: token}, nil
}

// Validate checks answer against the challenge named by token and records
// the result in state. A returned error means nothing was written.
func (g *Guard) Validate(ctx context.Context, state SessionState, token, answer string) (Outcome, error) {
	if err := g.ready(); err != nil {
		return Outcome{}, err
	}
	if g.cfg.Disabled {
		return Success(), nil
	}
	if g.alreadyTrusted(state) {
		g.cfg.Metrics.bypass("validate")
		return Success(), nil
	}

	id, ok := g.challengeCodec.Decode(token)
	if !ok {
		g.cfg.Metrics.decodeFailure()
		g.log.Warn("submitted challenge token could not be decoded")
		return g.fail(state, "", "")
	}

	ch, err := g.cfg.Repository.ByID(ctx, id)
	if errors.Is(err, ErrChallengeNotFound) {
		g.log.WithField("challenge_id", id).Warn("submitted challenge no longer exists")
		return g.fail(state, id, "")
	} else if err != nil {
		g.log.WithFields(logrus.Fields{"challenge_id": id, "err": err}).Error("challenge lookup failed")
		return Outcome{}, fmt.Errorf("captchaguard find challenge: %w", err)
	}

	// The failure marker always carries a token minted on this request.
	fresh, err := g.challengeCodec.Encode(ch.ID())
	if err != nil {
		return Outcome{}, fmt.Errorf("captchaguard encode challenge id: %w", err)
	}

	if answer == "" || !ch.Attempt(answer) {
		return g.fail(state, ch.ID(), fresh)
	}

	if err := g.persist(state, true, ""); err != nil {
		return Outcome{}, err
	}
	g.cfg.Metrics.validation(true)
	g.log.WithField("challenge_id", ch.ID()).Info("challenge passed")
	return Success(), nil
}

func (g *Guard) fail(state SessionState, id, token string) (Outcome, error) {
	if err := g.persist(state, false, token); err != nil {
		return Outcome{}, err
	}
	g.cfg.Metrics.validation(false)
	g.log.WithField("challenge_id", id).Info("challenge failed")
	return Failure(id, g.cfg.FailureMessage), nil
}

// persist records the result for the next request. On failure the failed
// challenge token is kept so the next Issue presents the same challenge.
func (g *Guard) persist(state SessionState, passed bool, challengeToken string) error {
	status := StatusFailed
	if passed {
		status = StatusPassed
	}
	statusToken, err := g.statusCodec.Encode(status + "." + strconv.FormatInt(g.now().Unix(), 10))
	if err != nil {
		return fmt.Errorf("captchaguard encode status: %w", err)
	}

	if passed || challengeToken == "" {
		state.ClearFailedChallenge()
	} else {
		state.SetFailedChallenge(challengeToken)
	}
	state.SetStatus(statusToken)
	return nil
}

// alreadyTrusted accepts a passed status no older than StatusTTL.
func (g *Guard) alreadyTrusted(state SessionState) bool {
	status, issuedAt, ok := g.readStatus(state)
	if !ok || status != StatusPassed {
		return false
	}
	now := g.now()
	return !issuedAt.After(now.Add(maxClockSkew)) && now.Sub(issuedAt) <= g.cfg.StatusTTL
}

// readStatus decodes the "<status>.<unix seconds>" plaintext of the status slot.
func (g *Guard) readStatus(state SessionState) (string, time.Time, bool) {
	plain, ok := g.statusCodec.Decode(state.Status())
	if !ok {
		return "", time.Time{}, false
	}
	status, ts, found := strings.Cut(plain, ".")
	if !found {
		return "", time.Time{}, false
	}
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return "", time.Time{}, false
	}
	return status, time.Unix(sec, 0), true
}

// findOutstandingOrRandom re-presents the challenge the client just failed,
// falling back to a random one.
func (g *Guard) findOutstandingOrRandom(ctx context.Context, state SessionState) (Challenge, error) {
	if id, ok := g.challengeCodec.Decode(state.FailedChallenge()); ok {
		ch, err := g.cfg.Repository.ByID(ctx, id)
		if err == nil {
			return ch, nil
		}
		if !errors.Is(err, ErrChallengeNotFound) {
			g.log.WithFields(logrus.Fields{"challenge_id": id, "err": err}).Error("challenge lookup failed")
			return nil, fmt.Errorf("captchaguard find failed challenge: %w", err)
		}
		g.log.WithField("challenge_id", id).Debug("failed challenge is gone, picking a new one")
	}

	ch, err := g.cfg.Repository.Random(ctx)
	if err != nil {
		g.log.WithField("err", err).Error("random challenge lookup failed")
		return nil, fmt.Errorf("captchaguard pick challenge: %w", err)
	}
	return ch, nil
}
