package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newRootCmd() *cobra.Command {
	v := viper.New()
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "chatverse",
		Short:         "Realtime chat server with rooms, presence and delivery receipts",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, v, configFile)
		},
	}
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configFile, "config", "c", "", "path to a config file (default: chatverse.yaml in . or /etc/chatverse)")
	flags.String("port", "", "listen address, e.g. :8080")
	flags.String("store-driver", "", "message store: memory, mongo or postgres")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	for key, name := range map[string]string{
		"server.port":  "port",
		"store.driver": "store-driver",
		"log.level":    "log-level",
	} {
		_ = v.BindPFlag(key, flags.Lookup(name))
	}

	rootCmd.AddCommand(
		newServeCmd(v, &configFile),
		newTokenCmd(v, &configFile),
		newVersionCmd(),
	)
	return rootCmd
}
