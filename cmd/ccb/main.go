// Command ccb talks to an AI assistant CLI (codex or gemini) running in a
// terminal multiplexer pane: it types questions into the pane and reads
// answers out of the transcript the assistant writes to disk.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tiancaiamao/ccb/pkg/comm"
	"github.com/tiancaiamao/ccb/pkg/config"
	"github.com/tiancaiamao/ccb/pkg/logger"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:          "ccb",
	Short:        "Talk to an AI assistant CLI running in a terminal pane",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.ccb/config.json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.AddCommand(newProviderCmd("codex", "Talk to a codex CLI session"))
	rootCmd.AddCommand(newProviderCmd("gemini", "Talk to a gemini CLI session"))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ccb: %v\n", err)
		os.Exit(1)
	}
}

// setup loads configuration and builds the logger shared by every
// subcommand.
func setup() (*config.Config, *logger.Logger, error) {
	path := configPath
	if path == "" {
		if def, err := config.GetDefaultConfigPath(); err == nil {
			path = def
		}
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, nil, err
	}
	cfg.ApplyBackendEnv()

	log, err := cfg.Log.CreateLogger()
	if err != nil {
		return nil, nil, err
	}
	if verbose {
		log.SetLevel(logger.DEBUG)
		log.SetConsoleEnabled(true)
	}
	return cfg, log, nil
}

func newProviderCmd(provider, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   provider,
		Short: short,
	}
	cmd.AddCommand(newAskCmd(provider))
	cmd.AddCommand(newPingCmd(provider))
	cmd.AddCommand(newStatusCmd(provider))
	cmd.AddCommand(newPendingCmd(provider))
	return cmd
}

func newAskCmd(provider string) *cobra.Command {
	var (
		wait    bool
		timeout int
	)
	cmd := &cobra.Command{
		Use:   "ask [text]",
		Short: "Send a question to the assistant",
		Long: "Send a question to the assistant. Without --wait the question is\n" +
			"injected and the command returns immediately; with --wait it blocks\n" +
			"until the reply lands in the transcript or the timeout elapses.\n" +
			"Text is read from stdin when no argument is given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := askText(args)
			if err != nil {
				return err
			}
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			c, err := comm.New(provider, cfg, log)
			if err != nil {
				return err
			}

			if !wait && !cmd.Flags().Changed("timeout") {
				return c.AskAsync(text)
			}

			seconds := timeout
			if !cmd.Flags().Changed("timeout") {
				seconds = providerConfig(cfg, provider).SyncTimeout
			}
			c.OnProgress = func(elapsed time.Duration) {
				fmt.Fprintf(os.Stderr, "still waiting for %s (%v elapsed)\n", provider, elapsed.Round(time.Second))
			}

			reply, err := c.AskSync(text, time.Duration(seconds)*time.Second)
			if errors.Is(err, comm.ErrTimeout) {
				return fmt.Errorf("no reply from %s within %ds", provider, seconds)
			}
			if err != nil {
				return err
			}
			fmt.Println(reply)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait for the reply")
	cmd.Flags().IntVarP(&timeout, "timeout", "t", 0, "reply timeout in seconds (0 waits forever; implies --wait)")
	return cmd
}

func newPingCmd(provider string) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the session and its terminal are alive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			c, err := comm.NewLazy(provider, cfg, log)
			if err != nil {
				return err
			}
			ok, detail := c.Ping()
			if !ok {
				return errors.New(detail)
			}
			fmt.Println(detail)
			return nil
		},
	}
}

func newStatusCmd(provider string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print session status as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			c, err := comm.NewLazy(provider, cfg, log)
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(c.Status(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	}
}

func newPendingCmd(provider string) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "Print the latest reply without sending anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			c, err := comm.NewLazy(provider, cfg, log)
			if err != nil {
				return err
			}
			text, ok := c.ConsumePending()
			if !ok {
				return fmt.Errorf("no pending %s reply", provider)
			}
			fmt.Println(text)
			return nil
		},
	}
}

// askText joins the argument words, falling back to stdin so questions
// can be piped in.
func askText(args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("reading question from stdin: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", errors.New("empty question")
	}
	return text, nil
}

func providerConfig(cfg *config.Config, provider string) config.ProviderConfig {
	if provider == "gemini" {
		return cfg.Gemini
	}
	return cfg.Codex
}
