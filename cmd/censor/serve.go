package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"

	"github.com/elum-utils/aiocensor/config"
	"github.com/elum-utils/aiocensor/interfaces"
	"github.com/elum-utils/aiocensor/models"
)

var cmdServe = &cli.Command{
	Name:  "serve",
	Usage: "run the moderation HTTP API",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "addr",
			Usage:   "listen address; overrides the config file",
			EnvVars: []string{"CENSOR_ADDR"},
		},
	},
	Action: runServe,
}

func runServe(cctx *cli.Context) error {
	ctx, stop := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, rt, log, err := setup(cctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	defer func() { _ = log.Zap().Sync() }()

	if err := syncRules(ctx, rt); err != nil {
		return err
	}
	go func() {
		if err := rt.Core.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("rule sync loop stopped", map[string]any{"error": err})
		}
	}()

	addr := cfg.Server.Addr
	if a := cctx.String("addr"); a != "" {
		addr = a
	}
	e := newServer(rt, log, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting http server", map[string]any{"addr": addr})
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	log.Info("shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

type server struct {
	rt     *config.Runtime
	logger interfaces.Logger
}

func newServer(rt *config.Runtime, logger interfaces.Logger, reg prometheus.Registerer, gatherer prometheus.Gatherer) *echo.Echo {
	s := &server{rt: rt, logger: logger}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Subsystem:  "censor",
		Registerer: reg,
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/metrics" || c.Path() == "/healthz"
		},
	}))

	e.GET("/healthz", s.handleHealth)
	e.GET("/metrics", echoprometheus.NewHandlerWithConfig(echoprometheus.HandlerConfig{Gatherer: gatherer}))

	v1 := e.Group("/v1")
	v1.POST("/moderate", s.handleModerate)
	v1.GET("/offenses/:group/:user", s.handleOffense)
	v1.POST("/rules", s.handleAddRule)
	v1.DELETE("/rules", s.handleRemoveRule)
	v1.POST("/rules/reload", s.handleReload)
	v1.GET("/stats", s.handleStats)
	return e
}

func (s *server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"status": "ok", "rules": s.rt.Core.RuleCount()})
}

type moderateBody struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
	URL  string `json:"url"`
	// Image is raw base64 or a data URL.
	Image     string `json:"image"`
	UserID    string `json:"user_id"`
	GroupID   string `json:"group_id"`
	MessageID string `json:"message_id"`
}

func (b moderateBody) request() (models.ModerationRequest, error) {
	req := models.ModerationRequest{
		Context: models.Context{
			UserID:    b.UserID,
			GroupID:   b.GroupID,
			MessageID: b.MessageID,
			Timestamp: time.Now(),
		},
	}
	kind := strings.TrimSpace(b.Kind)
	if kind == "" {
		switch {
		case b.URL != "":
			kind = models.KindImageURL.String()
		case b.Image != "":
			kind = models.KindImageBase64.String()
		default:
			kind = models.KindText.String()
		}
	}
	k, err := models.ParseContentKind(kind)
	if err != nil {
		return req, err
	}
	req.Kind = k
	switch k {
	case models.KindText:
		if strings.TrimSpace(b.Text) == "" {
			return req, errors.New("text is empty")
		}
		req.Text = b.Text
	case models.KindImageURL:
		req.URL = b.URL
	case models.KindImageBase64:
		data, mime, err := decodeImage(b.Image)
		if err != nil {
			return req, err
		}
		req.Data, req.MimeType = data, mime
	}
	return req, req.Validate()
}

func (s *server) handleModerate(c echo.Context) error {
	var body moderateBody
	if err := c.Bind(&body); err != nil {
		return err
	}
	req, err := body.request()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := s.rt.Core.Moderate(c.Request().Context(), req)
	if err != nil {
		s.logger.Error("moderation failed", map[string]any{"error": err, "request_id": res.RequestID})
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return c.JSON(http.StatusOK, res)
}

func (s *server) handleOffense(c echo.Context) error {
	if s.rt.Enforcement == nil {
		return echo.NewHTTPError(http.StatusNotFound, "enforcement is disabled")
	}
	key := models.OffenseKey{UserID: c.Param("user"), GroupID: c.Param("group")}
	rec, err := s.rt.Core.Offense(c.Request().Context(), key)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, rec)
}

type ruleBody struct {
	Rule string `json:"rule"`
}

func (s *server) handleAddRule(c echo.Context) error {
	var body ruleBody
	if err := c.Bind(&body); err != nil {
		return err
	}
	if err := s.rt.Core.AddRule(c.Request().Context(), body.Rule); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"rules": s.rt.Core.RuleCount()})
}

func (s *server) handleRemoveRule(c echo.Context) error {
	var body ruleBody
	if err := c.Bind(&body); err != nil {
		return err
	}
	if err := s.rt.Core.RemoveRule(c.Request().Context(), body.Rule); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"rules": s.rt.Core.RuleCount()})
}

func (s *server) handleReload(c echo.Context) error {
	if err := s.rt.Core.SyncOnce(c.Request().Context()); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"rules": s.rt.Core.RuleCount()})
}

func (s *server) handleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"processed": s.rt.Core.Metrics(),
		"matcher":   s.rt.Core.MatcherStats(),
	})
}
