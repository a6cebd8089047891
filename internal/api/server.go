package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"fieldsense/internal/aggregate"
	"fieldsense/internal/analysis"
	"fieldsense/internal/config"
	"fieldsense/internal/engine"
	"fieldsense/internal/feed"
	"fieldsense/internal/metrics"
	"fieldsense/internal/model"
	"fieldsense/internal/storage"
)

type Ingestor interface {
	Ingest(ctx context.Context, c model.Candidate) (engine.Admission, error)
}

type HistoryReader interface {
	History(ctx context.Context, deviceID, rangeName string) ([]model.Bucket, error)
}

type Analyzer interface {
	Analyze(ctx context.Context, req analysis.Request) (analysis.Result, error)
}

// Deps are the collaborators behind the HTTP surface. Feed and Metrics may be nil.
type Deps struct {
	Config   *config.Manager
	Engine   Ingestor
	Store    storage.Store
	State    *aggregate.Aggregator
	History  HistoryReader
	Analysis Analyzer
	Feed     *feed.Hub
	Metrics  *metrics.Registry
	Logger   *slog.Logger
	Version  string
}

type Server struct {
	Deps
	started time.Time
}

func New(d Deps) *Server {
	return &Server{Deps: d, started: time.Now().UTC()}
}

// Public: /health, /ready, /metrics. Everything else honours api.api_keys.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/health", s.handleHealth)
	r.GET("/ready", s.handleReady)
	r.GET("/metrics", gin.WrapH(s.Metrics.Handler()))

	g := r.Group("/")
	g.Use(APIKeyMiddleware(s.apiKeys))
	g.GET("/status", s.handleStatus)

	g.POST("/webhook/chirpstack", s.handleChirpStackWebhook)
	g.POST("/packets", s.handlePacket)
	g.POST("/packets/:channel", s.handlePacket)

	g.GET("/devices", s.handleDevices)
	g.GET("/devices/:id", s.handleDevice)
	g.GET("/devices/:id/readings", s.handleReadings)
	g.GET("/stats", s.handleFleetStats)

	g.GET("/chirpstack/events", s.handleEvents)
	g.GET("/chirpstack/events/:id", s.handleEvent)
	g.GET("/chirpstack/stats", s.handleNetworkStats)
	g.GET("/chirpstack/devices", s.handleNetworkDevices)
	g.GET("/chirpstack/devices/:eui/summary", s.handleDeviceSummary)

	g.POST("/ml/analyze", s.handleAnalyze)

	if s.Feed != nil {
		g.GET("/ws", gin.WrapF(s.Feed.ServeWS))
	}
	return r
}

func (s *Server) apiKeys() []string {
	if s.Config == nil {
		return nil
	}
	return s.Config.Get().API.APIKeys
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if s.Logger == nil {
			return
		}
		s.Logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		if s.Logger != nil {
			s.Logger.Info("api listening", "addr", addr)
		}
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleReady(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
	defer cancel()
	if err := s.Store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

type statusResponse struct {
	Status        string       `json:"status"`
	Time          time.Time    `json:"time"`
	StartedAt     time.Time    `json:"started_at"`
	Version       string       `json:"version"`
	ConfigPath    string       `json:"config_path"`
	StorageDriver string       `json:"storage_driver"`
	Devices       int          `json:"devices"`
	Ingest        ingestStatus `json:"ingest"`
	Feed          bool         `json:"feed"`
}

type ingestStatus struct {
	TCPStream bool `json:"tcp_stream"`
	Kafka     bool `json:"kafka"`
	Redis     bool `json:"redis_dedupe"`
}

func (s *Server) handleStatus(c *gin.Context) {
	cfg := config.DefaultConfig()
	path := ""
	if s.Config != nil {
		cfg = s.Config.Get()
		path = s.Config.Path()
	}
	c.JSON(http.StatusOK, statusResponse{
		Status:        "ok",
		Time:          time.Now().UTC(),
		StartedAt:     s.started,
		Version:       s.Version,
		ConfigPath:    path,
		StorageDriver: cfg.Storage.Driver,
		Devices:       len(s.State.FleetSnapshot()),
		Ingest: ingestStatus{
			TCPStream: cfg.Ingest.TCPStream.Enabled,
			Kafka:     cfg.Ingest.Kafka.Enabled,
			Redis:     cfg.Dedupe.Redis.Enabled,
		},
		Feed: s.Feed != nil,
	})
}
