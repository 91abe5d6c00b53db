package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cropwatch/leafnet/serve"
)

func newServeCmd(stdout, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve top-k predictions over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, stdout, stderr)
		},
	}
	cmd.Flags().String("addr", "", "Listen address (overrides config)")
	cmd.Flags().String("checkpoint", "", "Checkpoint file (overrides config)")
	cmd.Flags().String("onnx", "", "ONNX model to serve through onnxruntime (overrides config)")
	return cmd
}

func runServe(cmd *cobra.Command, stdout, stderr io.Writer) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	addr := cfg.Serve.Addr
	if v, _ := cmd.Flags().GetString("addr"); v != "" {
		addr = v
	}
	checkpointPath := cfg.Serve.Checkpoint
	if v, _ := cmd.Flags().GetString("checkpoint"); v != "" {
		checkpointPath = v
	}
	onnxPath := cfg.Serve.ONNXModel
	if v, _ := cmd.Flags().GetString("onnx"); v != "" {
		onnxPath = v
	}
	if checkpointPath == "" {
		return fmt.Errorf("a checkpoint is required to serve, set serve.checkpoint or --checkpoint")
	}

	logger := slog.New(slog.NewTextHandler(stderr, nil))

	// A failed model load still brings the server up so /health can
	// report the degraded state.
	var svc *serve.Service
	if onnxPath != "" {
		svc, err = serve.LoadONNX(onnxPath, checkpointPath, logger)
	} else {
		svc, err = serve.Load(checkpointPath, logger)
	}
	if err != nil {
		logger.Error("model load failed, serving degraded", "error", err)
		svc = nil
	} else {
		defer svc.Close() //nolint:errcheck // shutdown path
	}

	handler := serve.NewHandler(svc, logger)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	fmt.Fprintf(stdout, "listening on %s\n", addr)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down: %w", err)
		}
		fmt.Fprintln(stdout, "server stopped")
	}
	return nil
}
