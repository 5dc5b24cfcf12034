package httpapi

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"hlstream/internal/application/port"
	"hlstream/internal/application/service"
	"hlstream/internal/domain"
)

const (
	shutdownTimeout = 5 * time.Second
	lookupTimeout   = 3 * time.Second
)

type Deps struct {
	Registry *service.SubscriptionRegistry
	Candles  *service.CandleStore
	Repo     port.Repository
	Metrics  http.Handler
}

// Server 只读 HTTP 接口：健康检查、订阅状态、K线和 Prometheus 指标
type Server struct {
	deps   Deps
	engine *gin.Engine
	srv    *http.Server
}

func NewServer(addr string, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		deps:   deps,
		engine: engine,
		srv:    &http.Server{Addr: addr, Handler: engine, ReadHeaderTimeout: 5 * time.Second},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", s.getHealth)
	s.engine.GET("/subscriptions", s.getSubscriptions)
	s.engine.GET("/candles", s.getCandleStreams)
	s.engine.GET("/candles/:coin/:interval", s.getLastBar)
	if s.deps.Metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}
}

func (s *Server) Handler() http.Handler { return s.engine }

// Run 启动 HTTP 服务，ctx 取消后优雅关闭
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.srv.Addr).Msg("http server listening")
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) getHealth(c *gin.Context) {
	stats := s.deps.Registry.Stats()
	body := gin.H{"status": "ok", "subscriptions": stats}
	if s.deps.Candles != nil {
		body["candles"] = s.deps.Candles.Stats()
	}
	if !s.deps.Registry.Healthy() {
		body["status"] = "degraded"
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	c.JSON(http.StatusOK, body)
}

type subscriptionView struct {
	Key       string                    `json:"key"`
	Method    string                    `json:"method"`
	Status    domain.SubscriptionStatus `json:"status"`
	Error     string                    `json:"error,omitempty"`
	HasData   bool                      `json:"hasData"`
	Data      any                       `json:"data,omitempty"`
	UpdatedAt time.Time                 `json:"updatedAt"`
}

func (s *Server) getSubscriptions(c *gin.Context) {
	withData := c.Query("data") == "1" || c.Query("data") == "true"
	method := c.Query("method")

	entries := s.deps.Registry.Store().Snapshot()
	out := make([]subscriptionView, 0, len(entries))
	for key, e := range entries {
		m := domain.KeyMethod(key)
		if method != "" && m != method {
			continue
		}
		v := subscriptionView{
			Key:       key,
			Method:    m,
			Status:    e.Status,
			HasData:   e.Data != nil,
			UpdatedAt: e.UpdatedAt,
		}
		if e.Err != nil {
			v.Error = e.Err.Error()
		}
		if withData {
			v.Data = e.Data
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	c.JSON(http.StatusOK, out)
}

type candleStreamView struct {
	service.CandleStream
	Error string `json:"error,omitempty"`
}

func (s *Server) getCandleStreams(c *gin.Context) {
	if s.deps.Candles == nil {
		c.JSON(http.StatusOK, []candleStreamView{})
		return
	}
	streams := s.deps.Candles.Streams()
	out := make([]candleStreamView, 0, len(streams))
	for _, st := range streams {
		v := candleStreamView{CandleStream: st}
		if st.Err != nil {
			v.Error = st.Err.Error()
		}
		out = append(out, v)
	}
	c.JSON(http.StatusOK, out)
}

// getLastBar 先查内存 LRU，未命中再查持久化仓储
func (s *Server) getLastBar(c *gin.Context) {
	coin := strings.ToUpper(strings.TrimSpace(c.Param("coin")))
	interval := strings.TrimSpace(c.Param("interval"))
	key, err := service.CandleKey(coin, interval)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if s.deps.Candles != nil {
		if bar, ok := s.deps.Candles.LastBar(key); ok {
			c.JSON(http.StatusOK, gin.H{"key": key, "source": "cache", "bar": bar})
			return
		}
	}

	if s.deps.Repo != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), lookupTimeout)
		defer cancel()
		bar, ok, err := s.deps.Repo.GetLastBar(ctx, key)
		if err != nil {
			log.Error().Err(err).Str("key", key).Msg("last bar lookup failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
			return
		}
		if ok {
			c.JSON(http.StatusOK, gin.H{"key": key, "source": "repository", "bar": bar})
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "no bar for " + key})
}
