// Package server exposes the generation engine over HTTP. It carries the
// public API surface; the runner package serves the same engine on a private
// port without CORS or request ids.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/chenwanqq/llava-go/api"
	"github.com/chenwanqq/llava-go/envconfig"
	"github.com/chenwanqq/llava-go/imageproc"
	"github.com/chenwanqq/llava-go/model"
	"github.com/chenwanqq/llava-go/runner"
	"github.com/chenwanqq/llava-go/version"
)

type Server struct {
	engine *runner.Engine
}

func NewServer(engine *runner.Engine) *Server {
	return &Server{engine: engine}
}

// GenerateHandler streams one generation as newline-delimited JSON. Every
// chunk carries the request id so interleaved client logs stay attributable.
func (s *Server) GenerateHandler(c *gin.Context) {
	var req api.GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	requestID := uuid.NewString()

	ch := make(chan any)
	go func() {
		defer close(ch)

		err := s.engine.Complete(c.Request.Context(), &req, func(resp api.GenerateResponse) error {
			resp.RequestID = requestID
			ch <- resp
			return nil
		})
		if err != nil {
			slog.Error("generate failed", "request", requestID, "error", err)
			ch <- gin.H{"error": err.Error(), "status": statusFor(err)}
		}
	}()

	streamResponse(c, ch)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, runner.ErrPlaceholderCount),
		errors.Is(err, runner.ErrContextOverflow),
		errors.Is(err, imageproc.ErrInvalidImage),
		errors.Is(err, model.ErrEmptyImageFeatures):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func streamResponse(c *gin.Context, ch chan any) {
	c.Header("Content-Type", "application/x-ndjson")
	c.Stream(func(w io.Writer) bool {
		val, ok := <-ch
		if !ok {
			return false
		}

		if h, ok := val.(gin.H); ok {
			if e, ok := h["error"].(string); ok {
				status, ok := h["status"].(int)
				if !ok {
					status = http.StatusInternalServerError
				}

				if !c.Writer.Written() {
					c.Header("Content-Type", "application/json")
					c.JSON(status, gin.H{"error": e})
				} else {
					// the stream already started, attach the failure
					// as a final line
					if err := json.NewEncoder(c.Writer).Encode(gin.H{"error": e}); err != nil {
						slog.Error("streamResponse failed to encode json error", "error", err)
					}
				}

				return false
			}
		}

		bts, err := json.Marshal(val)
		if err != nil {
			slog.Info(fmt.Sprintf("streamResponse: json.Marshal failed with %s", err))
			return false
		}

		bts = append(bts, '\n')
		if _, err := w.Write(bts); err != nil {
			slog.Info(fmt.Sprintf("streamResponse: w.Write failed with %s", err))
			return false
		}

		return true
	})
}

// GenerateRoutes builds the public HTTP router.
func (s *Server) GenerateRoutes() http.Handler {
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowWildcard = true
	corsConfig.AllowBrowserExtensions = true
	corsConfig.AllowHeaders = []string{
		"Authorization",
		"Content-Type",
		"User-Agent",
		"Accept",
		"X-Requested-With",
	}
	corsConfig.AllowOrigins = envconfig.AllowedOrigins()

	r := gin.Default()
	r.HandleMethodNotAllowed = true
	r.Use(cors.New(corsConfig))

	r.HEAD("/", func(c *gin.Context) { c.String(http.StatusOK, "llava-go is running") })
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "llava-go is running") })
	r.HEAD("/api/version", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"version": version.Version}) })
	r.GET("/api/version", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"version": version.Version}) })

	r.POST("/api/generate", s.GenerateHandler)

	return r
}

// Serve runs the public API on ln until the listener fails or closes.
func Serve(ln net.Listener, engine *runner.Engine) error {
	if !envconfig.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}

	s := NewServer(engine)

	slog.Info("listening", "addr", ln.Addr())
	srv := &http.Server{Handler: s.GenerateRoutes()}
	return srv.Serve(ln)
}
