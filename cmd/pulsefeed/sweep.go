package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pulsedash/pulsefeed/internal/app"
)

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := setupLogger(cfg)
	if err != nil {
		return err
	}

	st, err := app.BuildStore(cfg.Store, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	removed, err := st.SweepExpired(ctx)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	logger.Info().Str("backend", cfg.Store.Backend).Int("removed", removed).Msg("sweep complete")
	fmt.Printf("removed %d expired record(s) from the %s store\n", removed, cfg.Store.Backend)
	return nil
}
