package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/learnhub/devicegate/pkg/client"
	"github.com/learnhub/devicegate/pkg/tokengenerator"
	"github.com/spf13/cobra"
)

func newTokenCommand() *cobra.Command {
	var (
		userID       string
		role         string
		email        string
		expiry       time.Duration
		outputFormat string
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an access token signed with JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			id := uuid.New()
			if userID != "" {
				if id, err = uuid.Parse(userID); err != nil {
					return fmt.Errorf("invalid --user-id: %w", err)
				}
			}
			if expiry == 0 {
				if expiry, err = cfg.JWT.ParseAccessTokenExpiry(); err != nil {
					return err
				}
			}

			tokenGen := tokengenerator.NewJwtTokenGenerator(cfg.JWT.Secret,
				tokengenerator.WithIssuer(cfg.JWT.Issuer),
				tokengenerator.WithAudience(cfg.JWT.Audience),
				tokengenerator.WithExpiry(expiry),
			)
			tokenStr, expiresAt, err := tokenGen.GenerateToken(client.AuthUser{UserID: id, Role: role, Email: email})
			if err != nil {
				return fmt.Errorf("failed to generate token: %w", err)
			}

			out := cmd.OutOrStdout()
			switch outputFormat {
			case "compact":
				fmt.Fprintln(out, tokenStr)
			case "full":
				fmt.Fprintf(out, "Token: %s\nExpires: %s\n", tokenStr, expiresAt.Format(time.RFC3339))
			case "debug":
				claims, err := tokenGen.ParseToken(tokenStr)
				if err != nil {
					return fmt.Errorf("failed to parse generated token: %w", err)
				}
				claimsJSON, _ := json.MarshalIndent(claims, "", "  ")
				fmt.Fprintf(out, "Token: %s\n\n%s\n", tokenStr, claimsJSON)
			default:
				return fmt.Errorf("unknown output format: %s", outputFormat)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "Subject user ID, random when omitted")
	cmd.Flags().StringVar(&role, "role", "superadmin", "Role claim")
	cmd.Flags().StringVar(&email, "email", "", "Email claim")
	cmd.Flags().DurationVar(&expiry, "expiry", 0, "Token lifetime, ACCESS_TOKEN_EXPIRY when omitted")
	cmd.Flags().StringVarP(&outputFormat, "format", "f", "compact", "Output format: compact, full or debug")
	return cmd
}
