// Command authgate authenticates bearer tokens against an OpenID Connect
// provider and serves the caller's identity, caching user profiles per
// subject.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"authgate/internal/config"
)

// Version is set via -ldflags "-X main.Version=<version>" during build.
var Version = "dev"

const defaultConfigPath = "config.yaml"

var configFile string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "authgate",
		Short:         "Bearer token gateway with a cached user profile lookup",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to config file (yaml), defaults to $WBS_CONFIG or "+defaultConfigPath)

	root.AddCommand(
		newServeCmd(),
		newCheckConfigCmd(),
		newHashTokenCmd(),
		newVersionCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// configPath resolves --config > WBS_CONFIG > config.yaml. The default file
// is optional; an explicit path must exist.
func configPath() (string, error) {
	if configFile != "" {
		return configFile, nil
	}
	if p := os.Getenv(config.EnvPrefix + "CONFIG"); p != "" {
		return p, nil
	}
	if _, err := os.Stat(defaultConfigPath); errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	return defaultConfigPath, nil
}

func loadConfig() (*config.Config, string, error) {
	path, err := configPath()
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("load config: %w", err)
	}
	return cfg, path, nil
}

func newCheckConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, path, err := loadConfig()
			if err != nil {
				return err
			}
			if path == "" {
				path = "environment only"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Config OK: %s\n", path)
			return nil
		},
	}
}

func newHashTokenCmd() *cobra.Command {
	var cost int
	cmd := &cobra.Command{
		Use:   "hash-token <token>",
		Short: "Print the bcrypt hash of an admin API token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := bcrypt.GenerateFromPassword([]byte(args[0]), cost)
			if err != nil {
				return fmt.Errorf("generate bcrypt: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, string(hash))
			fmt.Fprintln(out, "\nAdd this to your config.yaml:")
			fmt.Fprintln(out, "admin:")
			fmt.Fprintf(out, "  token_hash: %q\n", string(hash))
			fmt.Fprintf(out, "\nor set %sADMIN_TOKEN_HASH. Send the plain token in the X-Admin-Token header.\n", config.EnvPrefix)
			return nil
		},
	}
	cmd.Flags().IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
		},
	}
}
