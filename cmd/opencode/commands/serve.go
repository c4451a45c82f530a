package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/opencode-ai/opencode/internal/agent"
	"github.com/opencode-ai/opencode/internal/config"
	"github.com/opencode-ai/opencode/internal/executor"
	"github.com/opencode-ai/opencode/internal/formatter"
	"github.com/opencode-ai/opencode/internal/logging"
	"github.com/opencode-ai/opencode/internal/mcp"
	"github.com/opencode-ai/opencode/internal/permission"
	"github.com/opencode-ai/opencode/internal/persistence"
	"github.com/opencode-ai/opencode/internal/project"
	"github.com/opencode-ai/opencode/internal/provider"
	"github.com/opencode-ai/opencode/internal/sandbox"
	"github.com/opencode-ai/opencode/internal/server"
	"github.com/opencode-ai/opencode/internal/storage"
	"github.com/opencode-ai/opencode/internal/tool"
	"github.com/opencode-ai/opencode/internal/vcs"
	"github.com/spf13/cobra"
)

var (
	servePort     int
	serveHostname string
	serveDir      string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the RunLoop HTTP shim",
	Long: `Start a minimal HTTP shim exposing /health, /event (global SSE),
and /run (single-turn RunLoop exerciser). This is not a full session/project
REST API — see internal/server's package doc.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8080, "Port to listen on")
	serveCmd.Flags().StringVar(&serveHostname, "hostname", "127.0.0.1", "Hostname to listen on")
	serveCmd.Flags().StringVar(&serveDir, "directory", "", "Working directory")
}

func runServe(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(serveDir)
	if err != nil {
		return err
	}

	logging.Info().Str("version", Version).Msg("starting opencode shim server")
	logging.Info().Str("directory", workDir).Msg("working directory")

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return err
	}

	appConfig, err := config.Load(workDir)
	if err != nil {
		return err
	}
	if model := GetGlobalModel(); model != "" {
		appConfig.Model = model
	}

	ctx := context.Background()
	providerReg, err := provider.InitializeProviders(ctx, appConfig)
	if err != nil {
		logging.Warn().Err(err).Msg("failed to initialize some providers")
	}
	if appConfig.Model == "" {
		if def, derr := providerReg.DefaultModel(); derr == nil {
			appConfig.Model = def.ProviderID + "/" + def.ID
		}
	}

	storageDir := paths.StoragePath()
	if proj, perr := project.FromDirectory(workDir); perr == nil && proj.ID != "" {
		storageDir = filepath.Join(storageDir, "project", proj.ID)
	}

	store := storage.New(storageDir)
	sb := sandbox.New(workDir, sandbox.AllowlistPolicy{})
	toolReg := tool.DefaultRegistry(workDir, sb, store)
	toolReg.SetFormatter(formatter.NewManager(workDir, appConfig))

	agentReg := agent.NewRegistry()
	agentReg.LoadFromConfig(appConfig.Agent)
	toolReg.RegisterTaskTool(agentReg)

	permChecker := permission.NewChecker()
	persist := persistence.New(storageDir)

	defaultProviderID, defaultModelID := provider.ParseModelString(appConfig.Model)
	toolReg.SetTaskExecutor(executor.NewSubagentExecutor(executor.Config{
		ProviderRegistry:  providerReg,
		ToolRegistry:      toolReg,
		PermissionChecker: permChecker,
		AgentRegistry:     agentReg,
		Store:             persist,
		DefaultProviderID: defaultProviderID,
		DefaultModelID:    defaultModelID,
	}))

	mcpClient := mcp.NewClient()
	for name, cfg := range appConfig.MCP {
		enabled := cfg.Enabled == nil || *cfg.Enabled
		mcpCfg := &mcp.Config{
			Enabled:     enabled,
			Type:        mcp.TransportType(cfg.Type),
			URL:         cfg.URL,
			Headers:     cfg.Headers,
			Command:     cfg.Command,
			Environment: cfg.Environment,
			Timeout:     cfg.Timeout,
		}
		if err := mcpClient.AddServer(ctx, name, mcpCfg); err != nil {
			logging.Warn().Err(err).Str("server", name).Msg("failed to connect MCP server")
			continue
		}
	}
	mcp.RegisterMCPTools(mcpClient, toolReg)

	vcsWatcher, err := vcs.NewWatcher(workDir)
	if err != nil {
		logging.Warn().Err(err).Msg("failed to start VCS watcher")
	} else if vcsWatcher != nil {
		vcsWatcher.Start()
		defer vcsWatcher.Stop()
	}

	serverConfig := server.DefaultConfig()
	serverConfig.Port = servePort

	srv := server.New(serverConfig, workDir, providerReg, toolReg, agentReg, permChecker, persist, defaultProviderID, defaultModelID)

	addr := fmt.Sprintf("%s:%d", serveHostname, servePort)
	go func() {
		logging.Info().Str("url", fmt.Sprintf("http://%s", addr)).Msg("server listening")
		if err := srv.ListenAndServe(addr); err != nil {
			logging.Error().Err(err).Msg("server exited")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.Info().Msg("shutting down server")

	if err := mcpClient.Close(); err != nil {
		logging.Warn().Err(err).Msg("error closing MCP servers")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("server shutdown error")
	}

	persist.Drain(drainTimeout)
	logging.Info().Msg("server stopped")
	return nil
}
