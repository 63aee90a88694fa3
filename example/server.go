package main

import (
	"context"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shastrum/go-captchaguard"
	"github.com/shastrum/go-captchaguard/store/pgstore"
	"github.com/shastrum/go-captchaguard/store/redisstore"
	"github.com/sirupsen/logrus"
)

const commentPath = "/comment"

var commentTpl = template.Must(template.New("comment").Parse(`<!doctype html>
<html><body>
{{if .Failed}}<p class="error">{{.Message}}</p>{{end}}
<form method="post" action="/comment">
  <textarea name="body"></textarea>
  {{with .Issued}}
  <label>{{.Challenge}}</label>
  <input type="hidden" name="{{$.TokenField}}" value="{{.Token}}">
  <input type="text" name="{{$.AnswerField}}" autocomplete="off">
  {{end}}
  <button type="submit">Post</button>
</form>
</body></html>`))

// buildRepository opens the configured store and seeds it with cfg.Challenges.
func buildRepository(ctx context.Context, cfg *config) (captchaguard.Repository, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Store.Driver {
	case driverRedis:
		repo, closeFn, err := redisstore.New(ctx, cfg.Store.Redis)
		if err != nil {
			return nil, nil, err
		}
		for i := range cfg.Challenges {
			if err := repo.Put(ctx, &cfg.Challenges[i]); err != nil {
				_ = closeFn()
				return nil, nil, err
			}
		}
		return repo, closeFn, nil

	case driverPostgres:
		repo, err := pgstore.New(cfg.Store.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		if err := repo.Migrate(ctx); err != nil {
			_ = repo.Close()
			return nil, nil, err
		}
		for i := range cfg.Challenges {
			if err := repo.Put(ctx, &cfg.Challenges[i]); err != nil {
				_ = repo.Close()
				return nil, nil, err
			}
		}
		return repo, repo.Close, nil

	default:
		repo := captchaguard.NewMemoryRepository()
		for i := range cfg.Challenges {
			if err := repo.Put(&cfg.Challenges[i], 0); err != nil {
				return nil, nil, err
			}
		}
		return repo, noop, nil
	}
}

// newGuard builds the guard and registers its metrics with reg.
func newGuard(cfg *config, repo captchaguard.Repository, reg prometheus.Registerer, logger *logrus.Entry) (*captchaguard.Guard, error) {
	metrics, err := captchaguard.NewMetrics(reg)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	return captchaguard.New(captchaguard.Config{
		Secret:         []byte(cfg.Secret),
		Repository:     repo,
		FailureMessage: cfg.FailureMessage,
		Disabled:       cfg.Disabled,
		Logger:         logger,
		Metrics:        metrics,
		StatusTTL:      cfg.StatusTTL,
		SecureCookies:  cfg.SecureCookies,
		OnFailure: func(w http.ResponseWriter, r *http.Request, _ captchaguard.Outcome) {
			http.Redirect(w, r, commentPath+"?failed=1", http.StatusSeeOther)
		},
	})
}

func newRouter(cfg *config, guard *captchaguard.Guard, gatherer prometheus.Gatherer, logger *logrus.Entry) *chi.Mux {
	gcfg := guard.Config()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RedirectSlashes)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"OPTIONS", "GET", "POST"},
		AllowedHeaders:   []string{"X-Forwarded-For", "Content-Type"},
		AllowCredentials: true,
	}))
	r.Use(guard.GuardOn([]string{commentPath}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"status":"ok"}`)
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Get(commentPath, func(w http.ResponseWriter, r *http.Request) {
		data := map[string]interface{}{
			"Issued":      captchaguard.IssuedFromContext(r.Context()),
			"Failed":      r.URL.Query().Get("failed") != "",
			"Message":     gcfg.FailureMessage,
			"TokenField":  gcfg.TokenField,
			"AnswerField": gcfg.AnswerField,
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := commentTpl.Execute(w, data); err != nil {
			logger.WithField("err", err).Error("render comment form")
		}
	})
	r.Post(commentPath, func(w http.ResponseWriter, r *http.Request) {
		logger.WithField("request_id", middleware.GetReqID(r.Context())).Info("comment accepted")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, "thanks, your comment was posted")
	})
	return r
}

func setupHttpServer(port int, baseRouter http.Handler, logger *logrus.Entry) (func(), func()) {
	server := http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           baseRouter,
		ReadHeaderTimeout: 5 * time.Second,
	}
	stop := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.WithField("err", err).Error("server shutdown failed")
			return
		}
		logger.Info("server shutdown successfully")
	}
	start := func() {
		logger.WithField("port", port).Info("server starting")
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.WithField("err", err).Error("server starting returned error")
		}
	}

	return start, stop
}
