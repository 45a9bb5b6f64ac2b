package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MrWong99/hearth/internal/app"
	"github.com/MrWong99/hearth/internal/chat"
	"github.com/MrWong99/hearth/internal/task"
)

// newChatCmd runs a single turn without starting the socket server. The
// turn is recorded in the character's history like any other.
func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Send one message to a character and print the answer",
		Args:  cobra.ExactArgs(1),
		RunE:  runChat,
	}
	cmd.Flags().String("character", "", "character id (default: the first configured character)")
	return cmd
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configPath(cmd))
	if err != nil {
		return err
	}
	newLogger(cfg.Server.LogLevel)
	// Nobody runs the voice worker here.
	cfg.Voice.Enabled = false

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialise application: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = application.Shutdown(shutdownCtx)
	}()

	id, _ := cmd.Flags().GetString("character")
	if id == "" {
		ids := application.Engine().CharacterIDs()
		if len(ids) == 0 {
			return fmt.Errorf("no characters configured")
		}
		id = ids[0]
	}

	out, err := application.Engine().Turn(ctx, chat.Request{
		Character: id,
		Type:      task.TypeChat,
		UserInput: args[0],
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", out.Character, out.Text)
	return nil
}
