package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opencode-ai/opencode/internal/agent"
	"github.com/opencode-ai/opencode/internal/command"
	"github.com/opencode-ai/opencode/internal/config"
	"github.com/opencode-ai/opencode/internal/executor"
	"github.com/opencode-ai/opencode/internal/formatter"
	"github.com/opencode-ai/opencode/internal/permission"
	"github.com/opencode-ai/opencode/internal/persistence"
	"github.com/opencode-ai/opencode/internal/project"
	"github.com/opencode-ai/opencode/internal/provider"
	"github.com/opencode-ai/opencode/internal/runloop"
	"github.com/opencode-ai/opencode/internal/sandbox"
	"github.com/opencode-ai/opencode/internal/storage"
	"github.com/opencode-ai/opencode/internal/streamfmt"
	"github.com/opencode-ai/opencode/internal/tool"
	"github.com/opencode-ai/opencode/pkg/types"
	"github.com/spf13/cobra"
)

var (
	runModel   string
	runAgent   string
	runSession string
	runDir     string
)

// drainTimeout bounds how long a run waits for background persistence saves
// to finish before the process exits.
const drainTimeout = 5 * time.Second

var runCmd = &cobra.Command{
	Use:   "run [message...]",
	Short: "Run one RunLoop turn against a message",
	Long: `Run one agent turn against the given message, streaming the
normalized event tagset to stdout.

Examples:
  opencode run "Fix the bug in main.go"
  opencode run --model anthropic/claude-sonnet-4-20250514 "Explain this code"
  opencode run --agent explore "look around this repo"`,
	RunE: runOnce,
}

func init() {
	runCmd.Flags().StringVarP(&runModel, "model", "m", "", "Model to use (provider/model format)")
	runCmd.Flags().StringVar(&runAgent, "agent", "", "Agent to use")
	runCmd.Flags().StringVarP(&runSession, "session", "s", "", "Session ID to resume (starts a new one if omitted)")
	runCmd.Flags().StringVar(&runDir, "directory", "", "Working directory")
}

func runOnce(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(runDir)
	if err != nil {
		return err
	}

	message := strings.Join(args, " ")
	if message == "" {
		return fmt.Errorf("message required. Usage: opencode run \"your message\"")
	}

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return err
	}

	appConfig, err := config.Load(workDir)
	if err != nil {
		return err
	}
	if runModel != "" {
		appConfig.Model = runModel
	} else if m := GetGlobalModel(); m != "" {
		appConfig.Model = m
	}

	ctx := context.Background()

	// A leading "/name args" invokes a user-defined templated command
	// (.opencode/command/*.md or config-declared) instead of sending the
	// message to the agent verbatim.
	if strings.HasPrefix(message, "/") {
		rest := strings.TrimPrefix(message, "/")
		name, cmdArgs, _ := strings.Cut(rest, " ")
		cmdExec := command.NewExecutor(workDir, appConfig)
		if _, ok := cmdExec.Get(name); ok {
			result, err := cmdExec.Execute(ctx, name, cmdArgs)
			if err != nil {
				return fmt.Errorf("command %q: %w", name, err)
			}
			message = result.Prompt
			if result.Agent != "" {
				runAgent = result.Agent
			}
			if result.Model != "" {
				appConfig.Model = result.Model
			}
		}
	}
	providerReg, err := provider.InitializeProviders(ctx, appConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize providers: %w", err)
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
	subExecutor := executor.NewSubagentExecutor(executor.Config{
		ProviderRegistry:  providerReg,
		ToolRegistry:      toolReg,
		PermissionChecker: permChecker,
		AgentRegistry:     agentReg,
		Store:             persist,
		DefaultProviderID: defaultProviderID,
		DefaultModelID:    defaultModelID,
	})
	toolReg.SetTaskExecutor(subExecutor)

	providerID, modelID := defaultProviderID, defaultModelID
	systemPrompt := ""
	var ag *agent.Agent
	if runAgent != "" {
		ag, err = agentReg.Get(runAgent)
		if err != nil {
			return err
		}
		if ag.Model != nil {
			providerID, modelID = ag.Model.ProviderID, ag.Model.ModelID
		}
		systemPrompt = ag.Prompt
	}

	prov, err := providerReg.Get(providerID)
	if err != nil {
		return fmt.Errorf("resolve provider %q: %w", providerID, err)
	}

	sessionID := runSession
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	loop := runloop.New(runloop.Config{
		SystemPrompt: systemPrompt,
		Provider:     prov,
		ProviderID:   providerID,
		ModelID:      modelID,
		Registry:     toolReg,
		Permissions:  permChecker,
		Agent:        ag,
		Store:        persist,
		Sink:         streamfmt.New(os.Stdout),
	})

	st := types.NewAgentState(sessionID)
	result, err := loop.Run(ctx, st, message)
	if err != nil {
		return err
	}

	persist.Drain(drainTimeout)
	fmt.Fprintf(os.Stderr, "\nsession: %s  steps: %d  stop: %s\n", sessionID, result.TotalSteps, result.StopReason)
	return nil
}
