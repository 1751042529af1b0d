package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/krau/tumorlens/history"
	"github.com/krau/tumorlens/service"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// multipartOverhead is the slack allowed on top of the file size for
// multipart boundaries and headers.
const multipartOverhead = 1 << 20

type HistoryStore interface {
	List(ctx context.Context) ([]history.Record, error)
	Clear(ctx context.Context) (history.ClearResult, error)
	ImagePath(name string) (string, error)
}

type Options struct {
	ModelVersion   string
	MaxUploadBytes int64
	CORSOrigins    []string
}

// Server holds the read-only state shared by every request handler.
type Server struct {
	predictor    *service.Predictor
	history      HistoryStore
	modelVersion string
	maxUpload    int64
	corsOrigins  []string
}

func New(predictor *service.Predictor, store HistoryStore, opts Options) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 16 << 20
	}
	return &Server{
		predictor:    predictor,
		history:      store,
		modelVersion: opts.ModelVersion,
		maxUpload:    opts.MaxUploadBytes,
		corsOrigins:  opts.CORSOrigins,
	}
}

func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery(), s.corsMiddleware())
	r.MaxMultipartMemory = s.maxUpload

	api := r.Group("/api")
	api.POST("/predict", s.limitBody(), s.PredictHandler)
	api.POST("/clear-history", s.ClearHistoryHandler)
	api.GET("/history", s.HistoryHandler)
	api.GET("/model", s.ModelInfoHandler)

	r.GET("/history-images/:name", s.ImageHandler)
	r.GET("/health", HealthHandler)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

func (s *Server) limitBody() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxUpload+multipartOverhead)
		c.Next()
	}
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(s.corsOrigins) == 0 || (len(s.corsOrigins) == 1 && s.corsOrigins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = s.corsOrigins
	}
	return cors.New(cfg)
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Listening on", slog.String("address", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
