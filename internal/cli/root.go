package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gzhole/moltshield/internal/config"
)

var (
	configPath string
	statePath  string
	logPath    string
	agentID    string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "moltshield",
	Short: "MoltShield - trust boundary and rate governor for social-platform agents",
	Long: `MoltShield sits between an autonomous agent and the social platform it
talks to. Inbound content is classified for prompt injection and wrapped in
boundary markers before it reaches the model; every outbound post, comment,
and API call passes a persisted rate/quota governor so platform limits hold
across bursts and restarts.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config YAML file (default: ~/.moltshield/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&statePath, "state", "", "Directory for rate state files (forces the file store)")
	rootCmd.PersistentFlags().StringVar(&logPath, "log", "", "Path to audit log file (default: ~/.moltshield/audit.jsonl)")
	rootCmd.PersistentFlags().StringVar(&agentID, "agent", "", "Agent identity (default from config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Operational log level: debug, info, warn, error")
}

func Execute() error {
	return rootCmd.Execute()
}

// ExitError ends the process with Code once the command has printed its
// result. Denied and blocked actions exit 2.
type ExitError struct {
	Code   int
	Reason string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit %d: %s", e.Code, e.Reason)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(config.Overrides{
		ConfigPath: configPath,
		StatePath:  statePath,
		LogPath:    logPath,
		AgentID:    agentID,
		LogLevel:   logLevel,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// textInput joins args, or reads stdin when there are none or the only
// arg is "-".
func textInput(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 0 || (len(args) == 1 && args[0] == "-") {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("failed to read stdin: %w", err)
		}
		return string(data), nil
	}
	return strings.Join(args, " "), nil
}

func readFileArg(cmd *cobra.Command, path string) (string, error) {
	if path == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		return string(data), err
	}
	data, err := os.ReadFile(path)
	return string(data), err
}
