package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"mozarex-cache/internal/cache"
)

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the content cache",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "Show total, active and expired entry counts",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withService(cmd, func(svc *cache.Service) error {
					st, err := svc.Stats(cmd.Context())
					if err != nil {
						return fmt.Errorf("reading cache stats: %w", err)
					}
					data, err := json.MarshalIndent(st, "", "  ")
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), string(data))
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "cleanup",
			Short: "Delete expired entries",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withService(cmd, func(svc *cache.Service) error {
					n, err := svc.CleanupExpired(cmd.Context())
					if err != nil {
						return fmt.Errorf("cleaning cache: %w", err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d expired entries.\n", n)
					return nil
				})
			},
		},
	)
	return cmd
}

// withService opens the configured store for maintenance commands. No
// generator is wired; these commands never generate content.
func withService(cmd *cobra.Command, fn func(*cache.Service) error) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	b, err := openBackends(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	return fn(cache.NewService(b.store, nil, cache.WithTTL(cfg.Cache.TTL)))
}
