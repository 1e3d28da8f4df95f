// Package cmd defines and implements the CLI commands for the domaintext executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/domaintext/internal/api"
	"github.com/JakeFAU/domaintext/internal/app"
	"github.com/JakeFAU/domaintext/internal/config"
	"github.com/JakeFAU/domaintext/internal/logging"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is what subcommands need from the service container.
type App interface {
	Close()
	Config() config.Config
	Logger() *zap.Logger
	Lookups() api.Finder
}

type serviceApp struct {
	*app.App
}

func (s serviceApp) Lookups() api.Finder { return s.Finder() }

// newApp is the application factory. Tests replace it.
var newApp = func(ctx context.Context, configPath string) (App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return serviceApp{a}, nil
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "domaintext",
		Short: "Serves cleaned web text for domains, ingesting Common Crawl archives on demand.",
		Long: `domaintext answers lookups for a domain's text from Postgres. When nothing is
stored yet it locates the domain in the Common Crawl index, downloads the matching
WET archives, extracts and cleans their text, stores it, and answers again.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); environment variables use the DOMAINTEXT_ prefix")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newLookupCmd())
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// withApp hands the initialized App to run and closes it afterwards, whatever run returns.
func withApp(run func(*cobra.Command, []string, App) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		appInstance, err := resolveApp(cmd.Context())
		if err != nil {
			return err
		}
		defer appInstance.Close()
		return run(cmd, args, appInstance)
	}
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
