package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/domaintext/internal/api"
)

// errLookupUnavailable marks a lookup that produced a Service Unavailable entry.
var errLookupUnavailable = errors.New("one or more domains could not be looked up")

func newLookupCmd() *cobra.Command {
	var predictions bool

	cmd := &cobra.Command{
		Use:   "lookup <domain>...",
		Short: "Looks up domains once and prints the JSON response",
		Long: `Runs the same lookup as POST /find_data/ (or /find_predictions/ with
--predictions) for the given domains, ingesting archives on a miss, and prints the
response array to stdout.`,
		Args: cobra.MinimumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, appInstance App) error {
			domains, err := api.NormalizeDomains(args)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var (
				entries []any
				ok      bool
			)
			if predictions {
				entries, ok = api.LookupPredictions(ctx, appInstance.Lookups(), domains)
			} else {
				entries, ok = api.LookupData(ctx, appInstance.Lookups(), domains)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(entries); err != nil {
				return fmt.Errorf("write response: %w", err)
			}
			if !ok {
				return errLookupUnavailable
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&predictions, "predictions", false, "look up stored predictions instead of text")
	return cmd
}
