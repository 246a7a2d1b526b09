package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/surveykit/internal/api"
	"github.com/kalambet/surveykit/internal/config"
	"github.com/kalambet/surveykit/internal/storage"
	"github.com/kalambet/surveykit/internal/syncer"
	"github.com/kalambet/surveykit/internal/transport"
	"github.com/kalambet/surveykit/internal/widget"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the survey runtime and host bridge (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running surveykit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show runtime status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmdContext(cmd))
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "also serve the bridge as an MCP server on stdio")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "surveykit.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func logLevel(level string) slog.Level {
	if strings.EqualFold(level, "debug") {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

func initConfig(cfg config.Config) widget.InitConfig {
	return widget.InitConfig{
		EnvironmentID: cfg.Environment.ID,
		APIHost:       cfg.Environment.APIHost,
		UserID:        cfg.Person.UserID,
		Sync: syncer.Options{
			Interval:   cfg.Sync.Interval,
			MaxRetries: cfg.Sync.MaxRetries,
			Backoff:    cfg.Sync.Backoff,
			TTL:        cfg.State.TTL,
		},
		Transport: transport.Options{
			MaxRetries: cfg.Transport.MaxRetries,
			Backoff:    cfg.Transport.Backoff,
			MaxBackoff: cfg.Transport.MaxBackoff,
		},
	}
}

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "surveykit version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.Log.Level)})))

	// Refuse to start twice.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Bridge.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("surveykit already running (PID %d)", pid)
		}
		return fmt.Errorf("surveykit already running on port %d", cfg.Bridge.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	renderer := api.NewHostRenderer(slog.Default())
	rt := widget.New(store, renderer, slog.Default())

	initOp, err := rt.Init(initConfig(cfg))
	if err != nil {
		return err
	}
	go func() {
		if err := initOp.Wait(ctx); err != nil {
			slog.Warn("runtime started without fresh state", "environment_id", cfg.Environment.ID, "error", err)
			return
		}
		slog.Info("runtime initialized", "environment_id", cfg.Environment.ID)
	}()

	handler := api.NewBridgeHandler(api.BridgeDeps{
		Runtime:  rt,
		Renderer: renderer,
		Token:    cfg.Bridge.Token,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Bridge.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Runtime: rt})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("bridge listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("bridge shutdown", "error", err)
	}
	if err := rt.Close(shutdownCtx); err != nil {
		slog.Warn("undelivered responses at shutdown", "error", err)
	}
	return nil
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("could not load config: %w", err)
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("surveykit is not running (no PID file): %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("could not find process %d: %w", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		removePIDFile(pidPath)
		return fmt.Errorf("could not stop surveykit (PID %d): %w", pid, err)
	}

	printSuccess("Sent stop signal to surveykit (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	printStatus("Environment", "%s", cfg.Environment.ID)
	printStatus("API host", "%s", cfg.Environment.APIHost)

	client := &apiClient{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", cfg.Bridge.Port),
		token:      cfg.Bridge.Token,
		httpClient: &http.Client{Timeout: 2 * time.Second},
	}

	resp, err := client.get(ctx, "/health")
	if err != nil {
		printStatus("Bridge", "stopped")
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
		return nil
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		printStatus("Bridge", "error (HTTP %d)", resp.StatusCode)
		return nil
	}
	printStatus("Bridge", "running on port %d", cfg.Bridge.Port)

	if resp, err := client.get(ctx, "/state"); err == nil {
		var st stateSummary
		if decodeJSON(resp, &st) == nil {
			printStatus("Person", "%s", orNone(st.State.Person.ID))
			printStatus("Session", "%s", orNone(st.State.Session.ID))
			printStatus("Surveys", "%d", len(st.State.Surveys))
			printStatus("Action classes", "%d", len(st.State.ActionClasses))
		} else {
			printStatus("State", "not initialized")
		}
	}

	if resp, err := client.get(ctx, "/survey/current"); err == nil {
		var m struct {
			SurveyID string `json:"surveyId"`
		}
		if decodeJSON(resp, &m) == nil {
			printStatus("Displayed", "%s", m.SurveyID)
		} else {
			printStatus("Displayed", "none")
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

type stateSummary struct {
	EnvironmentID string `json:"environmentId"`
	State         struct {
		Person struct {
			ID string `json:"id"`
		} `json:"person"`
		Session struct {
			ID string `json:"id"`
		} `json:"session"`
		Surveys       []struct{} `json:"surveys"`
		ActionClasses []struct{} `json:"actionClasses"`
	} `json:"state"`
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
