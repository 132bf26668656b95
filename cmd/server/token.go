package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Tyrowin/chatverse/internal/auth"
	"github.com/Tyrowin/chatverse/internal/config"
	"github.com/Tyrowin/chatverse/internal/store"
)

func newTokenCmd(v *viper.Viper, configFile *string) *cobra.Command {
	var (
		ttl  time.Duration
		name string
	)

	cmd := &cobra.Command{
		Use:   "token <userId>",
		Short: "Issue a development bearer token",
		Long: "Issue a signed bearer token for userId using auth.jwt_secret. With --name the user " +
			"record is also created in the configured store so the server can resolve it.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, *configFile)
			if err != nil {
				return err
			}

			userID := args[0]
			if name != "" {
				if err := createUser(cmd.Context(), cfg, userID, name); err != nil {
					return err
				}
			}

			token, err := auth.NewVerifier(cfg.Auth.JWTSecret).Issue(userID, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	cmd.Flags().StringVar(&name, "name", "", "create the user with this display name")
	return cmd
}

func createUser(ctx context.Context, cfg config.Config, userID, name string) error {
	if cfg.Store.Driver == "" || cfg.Store.Driver == "memory" {
		return fmt.Errorf("--name needs a persistent store driver, got %q", cfg.Store.Driver)
	}
	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close(ctx)

	if _, err := st.CreateUser(ctx, store.User{ID: userID, Name: name}); err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}
