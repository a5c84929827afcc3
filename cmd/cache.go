package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/mail-triage/internal/cache"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Analysis cache maintenance",
}

var cacheWarmCmd = &cobra.Command{
	Use:   "warm",
	Short: "Rebuild the on-disk cache from stored phase 2/3 results",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if !cfg.Cache.Enabled {
			return eris.New("cache is disabled (TRIAGE_CACHE_ENABLED)")
		}
		if cfg.Cache.Dir == "" {
			return eris.New("cache.dir is required to warm a persistent cache (TRIAGE_CACHE_DIR)")
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		c, err := initCache()
		if err != nil {
			return err
		}
		defer c.Close() //nolint:errcheck

		n, err := cache.Warm(ctx, c, st)
		if err != nil {
			return err
		}
		zap.L().Info("cache warm complete", zap.Int("entries", n), zap.String("dir", cfg.Cache.Dir))
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheWarmCmd)
	rootCmd.AddCommand(cacheCmd)
}
