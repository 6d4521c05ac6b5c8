package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/hubbridge/internal/assets"
	"github.com/danmuck/hubbridge/internal/auth"
	"github.com/danmuck/hubbridge/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const version = "0.1.0"

type writeRequest struct {
	Value any `json:"value"`
}

// AdminHandler builds the admin HTTP surface: health, readiness, metrics,
// record inspection, and host write intents.
func (c *Controller) AdminHandler() http.Handler {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(observability.ComponentLogger(c.cfg.Name)))
	r.Use(observability.RequestMetricsMiddleware(c.cfg.Name))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(c.cfg.CORSOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	r.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(c.appeared).String(),
			"component": c.cfg.Name,
			"version":   version,
		})
	})

	r.GET("/ready", func(ctx *gin.Context) {
		status := c.Status()
		code := http.StatusOK
		if status != StatusConnected {
			code = http.StatusServiceUnavailable
		}
		body := gin.H{
			"ready":      status == StatusConnected,
			"connection": status,
			"records":    len(c.store.List()),
			"version":    version,
		}
		if last := c.LastDiscovery(); !last.IsZero() {
			body["last_discovery"] = last.UTC()
		}
		if last := c.LastResync(); !last.IsZero() {
			body["last_resync"] = last.UTC()
		}
		if err := c.Err(); err != nil {
			body["error"] = err.Error()
		}
		ctx.JSON(code, body)
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/records", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"records": c.store.List()})
	})

	r.GET("/records/:key", func(ctx *gin.Context) {
		rec, ok := c.store.Lookup(ctx.Param("key"))
		if !ok {
			ctx.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
			return
		}
		ctx.JSON(http.StatusOK, rec)
	})

	r.GET("/events", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"events": c.Events()})
	})

	writes := r.Group("/")
	if token := strings.TrimSpace(c.cfg.AdminToken); token != "" {
		writes.Use(auth.RequireBearer(auth.StaticToken{Token: token}))
	}

	writes.POST("/discover", func(ctx *gin.Context) {
		res, err := c.Discover(ctx.Request.Context())
		if err != nil {
			code := http.StatusBadGateway
			if errors.Is(err, ErrNotStarted) {
				code = http.StatusServiceUnavailable
			}
			ctx.JSON(code, gin.H{"error": err.Error()})
			return
		}
		ctx.JSON(http.StatusOK, gin.H{
			"created": len(res.Created),
			"known":   res.Known,
			"groups":  res.Groups,
		})
	})

	writes.POST("/records/:key/attributes/:name", func(ctx *gin.Context) {
		var req writeRequest
		dec := json.NewDecoder(ctx.Request.Body)
		dec.UseNumber()
		if err := dec.Decode(&req); err != nil {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		ack, err := c.WriteAttribute(ctx.Request.Context(), ctx.Param("key"), ctx.Param("name"), req.Value)
		if err != nil {
			ctx.JSON(writeErrorStatus(err), gin.H{"error": err.Error()})
			return
		}
		body := gin.H{
			"status":     "ok",
			"value":      ack.Value,
			"suppressed": ack.Suppressed,
			"dropped":    ack.Dropped,
		}
		if ack.Command != nil {
			body["service"] = ack.Command.Service
		}
		ctx.JSON(http.StatusOK, body)
	})

	return r
}

func writeErrorStatus(err error) int {
	switch {
	case errors.Is(err, assets.ErrRecordNotFound), errors.Is(err, assets.ErrAttributeNotFound):
		return http.StatusNotFound
	case errors.Is(err, assets.ErrKindMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrNotStarted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// serveAdmin runs the admin HTTP server until ctx is done.
func (c *Controller) serveAdmin(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           c.AdminHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Info().Str("addr", ln.Addr().String()).Msg("bridge.Controller.admin listening")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
