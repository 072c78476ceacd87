package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"souk-chat/internal/chatclient"
	"souk-chat/internal/config"
	"souk-chat/internal/logging"
	"souk-chat/internal/tui"
)

func main() {
	cmd := &cobra.Command{
		Use:           "souk-chat",
		Short:         "Terminal chat client for the souk assistant",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadClient()
			applyFlags(cmd, cfg)
			return run(cmd.Context(), cfg)
		},
	}
	cmd.CompletionOptions.DisableDefaultCmd = true

	f := cmd.Flags()
	f.String("api", "", "relay HTTP origin (overrides CHAT_API_URL)")
	f.String("ws", "", "relay WebSocket origin (overrides CHAT_WS_URL)")
	f.String("thread", "", "resume an existing thread (overrides CHAT_THREAD_ID)")
	f.String("user", "", "guest user id used to request a session (overrides CHAT_USER_ID)")
	f.String("name", "", "display name (overrides CHAT_DISPLAY_NAME)")
	f.String("lang", "", "reply language (overrides CHAT_LANGUAGE)")
	f.Bool("production", false, "send the credential as a cookie instead of a query parameter")
	f.String("log-file", "", "log destination (overrides CHAT_LOG_FILE)")
	f.String("log-level", "", "log level (overrides CHAT_LOG_LEVEL)")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func applyFlags(cmd *cobra.Command, cfg *config.ClientConfig) {
	strFlags := map[string]*string{
		"api":       &cfg.APIURL,
		"ws":        &cfg.WSURL,
		"thread":    &cfg.ThreadID,
		"user":      &cfg.UserID,
		"name":      &cfg.DisplayName,
		"lang":      &cfg.Language,
		"log-file":  &cfg.LogFile,
		"log-level": &cfg.LogLevel,
	}
	for name, dst := range strFlags {
		if cmd.Flags().Changed(name) {
			*dst, _ = cmd.Flags().GetString(name)
		}
	}
	if on, _ := cmd.Flags().GetBool("production"); on {
		cfg.Env = "production"
	}
}

func run(ctx context.Context, cfg *config.ClientConfig) error {
	// The terminal belongs to the UI; logs go to a file.
	logFile, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()
	logger := logging.New(logFile, cfg.LogLevel, true)

	client, err := chatclient.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	title := "souk chat"
	if cfg.DisplayName != "" {
		title += " · " + cfg.DisplayName
	}

	program := tea.NewProgram(tui.New(ctx, client, title), tea.WithAltScreen(), tea.WithContext(ctx))
	bridge := tui.NewBridge(program)
	client.Conversation().AddViewport(bridge)
	client.SetUIHandlers(bridge.Handlers())

	runErr := make(chan error, 1)
	go func() {
		err := client.Run(ctx)
		if err != nil {
			program.Send(tui.ErrorMsg{Err: err})
		}
		runErr <- err
	}()

	_, uiErr := program.Run()
	interrupted := ctx.Err() != nil
	cancel()

	if err := <-runErr; err != nil {
		return fmt.Errorf("chat client: %w", err)
	}
	if uiErr != nil && !interrupted {
		return uiErr
	}
	return nil
}
