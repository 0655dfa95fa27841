// Package server is the HTTP adapter: a JSON-RPC style endpoint over the
// engine plus server-sent events for streamed runs.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taskforge/taskforge/engine"
	"github.com/taskforge/taskforge/engine/stream"
	"github.com/taskforge/taskforge/internal/profile"
	"github.com/taskforge/taskforge/store"
	"github.com/taskforge/taskforge/store/sessionpool"
)

// Server hosts the HTTP surface of the engine.
type Server struct {
	Profile *profile.Profile
	Store   *store.Store
	Engine  *engine.Engine

	echoServer *echo.Echo
}

// NewServer assembles the echo application and its routes.
func NewServer(ctx context.Context, p *profile.Profile, st *store.Store) (*Server, error) {
	eng, err := engine.New(p, st)
	if err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	s := &Server{
		Profile:    p,
		Store:      st,
		Engine:     eng,
		echoServer: e,
	}

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{"status": "ok", "version": p.Version})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.POST("/api/v1/rpc", s.handleRPC)
	e.GET("/events", s.handleEvents)

	return s, nil
}

// Start begins serving in a background goroutine.
func (s *Server) Start(ctx context.Context) error {
	address := fmt.Sprintf("%s:%d", s.Profile.Addr, s.Profile.Port)
	go func() {
		if err := s.echoServer.Start(address); err != nil && err != http.ErrServerClosed {
			s.echoServer.Logger.Fatal(err)
		}
	}()
	return nil
}

// Shutdown drains in-flight requests and closes the store.
func (s *Server) Shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := s.echoServer.Shutdown(ctx); err != nil {
		s.echoServer.Logger.Error(err)
	}
	if err := s.Store.Close(); err != nil {
		s.echoServer.Logger.Error(err)
	}
}

// rpcRequest is the envelope of POST /api/v1/rpc.
type rpcRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func (s *Server) handleRPC(c echo.Context) error {
	var req rpcRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]any{"error": "invalid request body"})
	}
	if req.Method == "" {
		return c.JSON(http.StatusBadRequest, map[string]any{"error": "method is required"})
	}

	result, err := s.Engine.HandleRPC(c.Request().Context(), req.Method, req.Params)
	if err != nil {
		status := http.StatusBadRequest
		switch {
		case errors.Is(err, engine.ErrUnknownMethod):
			status = http.StatusNotFound
		case errors.Is(err, engine.ErrRootAlreadyRunning):
			status = http.StatusConflict
		case errors.Is(err, sessionpool.ErrSessionLimitExceeded):
			status = http.StatusServiceUnavailable
		}
		return c.JSON(status, map[string]any{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]any{"result": result})
}

// handleEvents serves the buffered event stream of one root task as SSE.
// The stream ends after the final event or when the client disconnects.
func (s *Server) handleEvents(c echo.Context) error {
	rootID := c.QueryParam("task_id")
	if rootID == "" {
		return c.JSON(http.StatusBadRequest, map[string]any{"error": "task_id is required"})
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)

	ctx := c.Request().Context()
	sink := s.Engine.Events()
	offset := 0
	for {
		events := sink.WaitFor(ctx, rootID, offset)
		if len(events) == 0 {
			// Context done.
			return nil
		}
		for _, event := range events {
			if err := writeSSE(resp, event); err != nil {
				return nil
			}
			offset++
			if event.Final {
				return nil
			}
		}
		resp.Flush()
	}
}

func writeSSE(resp *echo.Response, event stream.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(resp, "data: %s\n\n", payload); err != nil {
		return err
	}
	resp.Flush()
	return nil
}
