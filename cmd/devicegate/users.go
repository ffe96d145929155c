package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/learnhub/devicegate/pkg/client"
	"github.com/learnhub/devicegate/pkg/config"
	"github.com/learnhub/devicegate/pkg/user"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// cliActor is recorded as the actor of admin commands run from the shell
var cliActor = client.AuthUser{UserID: uuid.Nil, Role: "superadmin", Email: "cli@localhost", DisplayName: "devicegate cli"}

func warnEphemeral(cfg config.AppConfig, what string) {
	if cfg.Device.PersistenceType == "memory" || cfg.Device.PersistenceType == "inmem" {
		slog.Warn("In-memory persistence: "+what+" is lost when this command exits", "persistence", cfg.Device.PersistenceType)
	}
}

func newCreateUserCommand() *cobra.Command {
	var params user.CreateUserParams

	cmd := &cobra.Command{
		Use:   "create-user",
		Short: "Create a user account",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			warnEphemeral(cfg, "the user")

			if params.Password == "" {
				if params.Password, err = readPassword(); err != nil {
					return err
				}
			}

			ctx := context.Background()
			services, cleanup, err := openServices(ctx, cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			u, err := services.Users.CreateUser(ctx, params)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created user %s (%s) with role %s\n", u.ID, u.Email, u.Role)
			return nil
		},
	}
	cmd.Flags().StringVar(&params.Email, "email", "", "Email address (required)")
	cmd.Flags().StringVar(&params.DisplayName, "name", "", "Display name")
	cmd.Flags().StringVar(&params.Role, "role", user.DefaultRole, "Role name")
	cmd.Flags().StringVar(&params.Password, "password", "", "Password, prompted for when omitted")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

// readPassword prompts without echo on a terminal and reads one line otherwise
func readPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, "Password: ")
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(b), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", errors.New("no password given")
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func newResetUserCommand() *cobra.Command {
	var userID, reason string

	cmd := &cobra.Command{
		Use:   "reset-user",
		Short: "Deactivate every device of a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(userID)
			if err != nil {
				return fmt.Errorf("invalid --user-id: %w", err)
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			warnEphemeral(cfg, "the reset")

			ctx := context.Background()
			services, cleanup, err := openServices(ctx, cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			n, err := services.Admin.ResetUser(ctx, cliActor, id, reason)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deactivated %d device(s) for user %s\n", n, id)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "User ID (required)")
	cmd.Flags().StringVar(&reason, "reason", "", "Deactivation reason")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}

func newSetLimitCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "set-limit",
		Short: "Change the per-user device limit, deactivating devices of users over it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Device.LimitStore == "memory" {
				slog.Warn("Memory limit store: running servers will not see this change", "limitStore", cfg.Device.LimitStore)
			}

			ctx := context.Background()
			services, cleanup, err := openServices(ctx, cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			update, err := services.Admin.SetGlobalLimit(ctx, cliActor, limit)
			if !update.Accepted {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Device limit changed from %d to %d\n", update.PreviousLimit, update.CurrentLimit)
			if update.Reset != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Deactivated %d device(s) across %d user(s)\n", update.Reset.DevicesDeactivated, update.Reset.UsersAffected)
			}
			return err
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "New maximum devices per user, 1 to 10 (required)")
	_ = cmd.MarkFlagRequired("limit")
	return cmd
}
