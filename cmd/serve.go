package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/extract-cli/internal/cost"
	"github.com/sells-group/extract-cli/internal/model"
	"github.com/sells-group/extract-cli/internal/pipeline"
	"github.com/sells-group/extract-cli/internal/store"
)

var servePort int

// routerDeps are the handlers' dependencies. Store, Metrics and NewGuard
// may be nil.
type routerDeps struct {
	Runner      pipeline.Runner
	Store       store.Store
	Metrics     *prometheus.Registry
	CORSOrigins []string
	MaxBodySize int64

	// NewGuard returns a fresh guard for each extract request; Estimate is
	// the single-document estimate checked against its confirm ceiling.
	NewGuard func() *cost.Guard
	Estimate cost.Estimate
}

type extractRequest struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func newRouter(deps routerDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(deps.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: deps.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", "Authorization"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if deps.Store != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := deps.Store.Ping(ctx); err != nil {
				writeError(w, http.StatusServiceUnavailable, "store unavailable")
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if deps.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Metrics, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/extract", func(w http.ResponseWriter, r *http.Request) {
			if deps.MaxBodySize > 0 {
				r.Body = http.MaxBytesReader(w, r.Body, deps.MaxBodySize)
			}
			var req extractRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			if strings.TrimSpace(req.Text) == "" {
				writeError(w, http.StatusBadRequest, "text is required")
				return
			}
			if req.ID == "" {
				req.ID = uuid.NewString()
			}

			ctx := r.Context()
			if deps.NewGuard != nil {
				guard := deps.NewGuard()
				if err := guard.Preflight(ctx, deps.Estimate, nil); err != nil {
					writeError(w, http.StatusUnprocessableEntity, "estimated cost exceeds the confirmation ceiling")
					return
				}
				ctx = cost.WithGuard(ctx, guard)
			}

			result, err := deps.Runner.Run(ctx, model.Document{ID: req.ID, Text: req.Text})
			if err != nil {
				zap.L().Error("serve: extraction failed", zap.String("document_id", req.ID), zap.Error(err))
				writeError(w, http.StatusInternalServerError, "extraction failed")
				return
			}
			writeJSON(w, http.StatusOK, result)
		})

		r.Get("/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
			if deps.Store == nil {
				writeError(w, http.StatusNotFound, "runs are not persisted")
				return
			}
			run, err := deps.Store.GetRun(r.Context(), chi.URLParam(r, "id"))
			if err != nil {
				writeError(w, http.StatusNotFound, "run not found")
				return
			}
			writeJSON(w, http.StatusOK, run)
		})
	})

	return r
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve synchronous extraction over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		newGuard := func() *cost.Guard {
			return cost.NewGuard(cfg.Cost.ConfirmCeilingUSD, cfg.Cost.HardCeilingUSD)
		}
		handler := newRouter(routerDeps{
			Runner:      env.Pipeline,
			Store:       env.Store,
			Metrics:     env.Metrics,
			CORSOrigins: cfg.Server.CORSOrigins,
			MaxBodySize: int64(cfg.Server.MaxBodyKB) << 10,
			NewGuard:    newGuard,
			Estimate:    env.Batch.Estimate(1),
		})
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
