package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caffeineduck/modhost/gateway"
	"github.com/caffeineduck/modhost/message"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve <gateway.yaml>",
	Short: "Load a gateway and publish HTTP requests to it",
	Long: `Load a gateway and start an HTTP server publishing to it.

Endpoints:
  POST   /messages   Publish {"content":"...","properties":{...}}
  GET    /modules    List loaded modules
  GET    /health     Health check`,
	Args: cobra.ExactArgs(1),
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	serveCmd.Flags().Int64("max-body", 1024*1024, "Max request body size")
	rootCmd.AddCommand(serveCmd)
}

type publishRequest struct {
	Content    string            `json:"content"`
	Properties map[string]string `json:"properties,omitempty"`
}

type publishResponse struct {
	Result string `json:"result"`
}

type modulesResponse struct {
	Modules []string `json:"modules"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func runServe(cmd *cobra.Command, args []string) error {
	port, _ := cmd.Flags().GetInt("port")
	maxBody, _ := cmd.Flags().GetInt64("max-body")

	g, err := loadGateway(args[0], cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer g.Destroy()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           newRouter(g, maxBody),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errc:
		return fmt.Errorf("server error: %w", err)
	}
}

// gatewayAPI is the part of a gateway the HTTP handlers use.
type gatewayAPI interface {
	Publish(msg *message.Message) gateway.Result
	Modules() []string
}

func newRouter(g gatewayAPI, maxBody int64) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/modules", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, modulesResponse{Modules: g.Modules()})
	})
	r.Post("/messages", func(w http.ResponseWriter, r *http.Request) {
		var req publishRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json: " + err.Error()})
			return
		}

		res := g.Publish(message.New([]byte(req.Content), req.Properties))
		status := http.StatusAccepted
		if res != gateway.OK {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, publishResponse{Result: res.String()})
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
