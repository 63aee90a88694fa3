package captchaguard

import (
	"context"
	"net/http"

	"github.com/sirupsen/logrus"
)

type ctxKey int

const (
	issuedKey ctxKey = iota
	sessionKey
)

// GuardOn protects paths. Safe requests get a challenge issued into the
// request context; unsafe requests must carry a correct answer or are
// stopped with the failure message. Use "*" to guard every path.
func (g *Guard) GuardOn(paths []string) func(http.Handler) http.Handler {
	pathsMp := map[string]bool{}
	for i := range paths {
		pathsMp[sanitizeUrl(paths[i])] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			pth := sanitizeUrl(r.URL.Path)
			if !pathsMp[pth] && !pathsMp["/*"] {
				next.ServeHTTP(w, r)
				return
			}

			state := g.Session(w, r)
			ctx := context.WithValue(r.Context(), sessionKey, state)
			log := g.log.WithFields(logrus.Fields{"path": pth, "ip": g.readIP(r)})

			if isSafeMethod(r.Method) {
				issued, err := g.Issue(ctx, state)
				if err != nil {
					log.WithField("err", err).Error("could not issue challenge")
					http.Error(w, "Seems the service is experiencing some issue, please try again later", http.StatusInternalServerError)
					return
				}
				next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, issuedKey, issued)))
				return
			}

			outcome, err := g.Validate(ctx, state, r.PostFormValue(g.cfg.TokenField), r.PostFormValue(g.cfg.AnswerField))
			if err != nil {
				log.WithField("err", err).Error("could not validate challenge")
				http.Error(w, "Seems the service is experiencing some issue, please try again later", http.StatusInternalServerError)
				return
			}
			if !outcome.Passed {
				log.Info("request stopped by failed challenge")
				if g.cfg.OnFailure != nil {
					g.cfg.OnFailure(w, r.WithContext(ctx), outcome)
					return
				}
				http.Error(w, outcome.Message, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IssuedFromContext returns the challenge GuardOn issued for this request,
// or nil when the client did not need one.
func IssuedFromContext(ctx context.Context) *Issued {
	issued, _ := ctx.Value(issuedKey).(*Issued)
	return issued
}

// SessionFromContext returns the session GuardOn used for this request.
func SessionFromContext(ctx context.Context) *CookieSession {
	s, _ := ctx.Value(sessionKey).(*CookieSession)
	return s
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

func sanitizeUrl(url string) string {
	if len(url) == 0 {
		return "/"
	}
	for len(url) > 0 && url[len(url)-1] == '/' {
		url = url[0 : len(url)-1]
	}
	if len(url) == 0 || url[0] != '/' {
		url = "/" + url
	}
	return url
}
