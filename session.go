package captchaguard

import (
	"net/http"
	"strings"
	"time"
)

// CookieSession is a SessionState kept in two cookies: a long lived status
// cookie and a failed challenge cookie that is expired as soon as it is read.
type CookieSession struct {
	w   http.ResponseWriter
	r   *http.Request
	cfg *Config

	status     string
	statusSet  bool
	failedRead bool
	failedSet  bool
}

var _ SessionState = (*CookieSession)(nil)

// Session binds a CookieSession to one request/response pair. Writes go to
// the response headers, so it must be used before the body is written.
func (g *Guard) Session(w http.ResponseWriter, r *http.Request) *CookieSession {
	return &CookieSession{w: w, r: r, cfg: &g.cfg}
}

func (s *CookieSession) Status() string {
	if s.statusSet {
		return s.status
	}
	if ck, err := s.r.Cookie(s.cfg.StatusCookie); err == nil {
		return ck.Value
	}
	return ""
}

func (s *CookieSession) SetStatus(token string) {
	s.status, s.statusSet = token, true
	s.setCookie(&http.Cookie{
		Name:    s.cfg.StatusCookie,
		Value:   token,
		MaxAge:  int(s.cfg.StatusTTL / time.Second),
		Expires: time.Now().Add(s.cfg.StatusTTL),
	})
}

func (s *CookieSession) FailedChallenge() string {
	if s.failedRead {
		return ""
	}
	s.failedRead = true

	ck, err := s.r.Cookie(s.cfg.FailedCookie)
	if err != nil || ck.Value == "" {
		return ""
	}
	if !s.failedSet {
		s.expire(s.cfg.FailedCookie)
	}
	return ck.Value
}

func (s *CookieSession) SetFailedChallenge(token string) {
	s.failedSet = true
	s.setCookie(&http.Cookie{Name: s.cfg.FailedCookie, Value: token})
}

func (s *CookieSession) ClearFailedChallenge() {
	s.failedSet = false
	s.expire(s.cfg.FailedCookie)
}

func (s *CookieSession) expire(name string) {
	s.setCookie(&http.Cookie{
		Name:    name,
		Value:   "",
		MaxAge:  -1,
		Expires: time.Unix(0, 0),
	})
}

// setCookie replaces any Set-Cookie header already queued for the same name.
func (s *CookieSession) setCookie(ck *http.Cookie) {
	ck.Path = s.cfg.CookiePath
	ck.HttpOnly = true
	ck.Secure = s.cfg.SecureCookies
	ck.SameSite = http.SameSiteLaxMode

	h := s.w.Header()
	prefix := ck.Name + "="
	var kept []string
	for _, v := range h.Values("Set-Cookie") {
		if !strings.HasPrefix(v, prefix) {
			kept = append(kept, v)
		}
	}
	h.Del("Set-Cookie")
	for _, v := range kept {
		h.Add("Set-Cookie", v)
	}
	http.SetCookie(s.w, ck)
}
