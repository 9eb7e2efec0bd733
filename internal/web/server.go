package web

import (
	"context"
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/camuig/spot-ledger/internal/avgprice"
	"github.com/camuig/spot-ledger/internal/config"
	"github.com/camuig/spot-ledger/internal/logger"
	"github.com/camuig/spot-ledger/internal/storage"
)

//go:embed templates/*.html
var templateFS embed.FS

type Server struct {
	httpServer *http.Server
	store      *storage.Store
	repo       *storage.Repository
	calc       *avgprice.Calculator
	tmpl       *template.Template
	config     *config.Config
	logger     *logger.Logger
}

func NewServer(store *storage.Store, repo *storage.Repository, calc *avgprice.Calculator, cfg *config.Config, log *logger.Logger) *Server {
	s := &Server{
		store:  store,
		repo:   repo,
		calc:   calc,
		tmpl:   template.Must(template.ParseFS(templateFS, "templates/dashboard.html")),
		config: cfg,
		logger: log,
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Web.Port),
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleDashboard)
	mux.HandleFunc("/api/averages", s.handleAverages)
	mux.HandleFunc("/api/sync-logs", s.handleSyncLogs)
	return mux
}

func (s *Server) Start() error {
	s.logger.Info("web server starting", "port", s.config.Web.Port)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("web server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
