package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pulsedash/pulsefeed/internal/app"
	"github.com/pulsedash/pulsefeed/internal/source"
)

var probeSources = []string{
	source.SourceComposite,
	source.SourceGlobal,
	source.SourceTopPrimary,
	source.SourceTopFallback,
	source.SourceFX,
}

func runProbe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := setupLogger(cfg)
	if err != nil {
		return err
	}

	name, _ := cmd.Flags().GetString("source")
	timeoutSecs, _ := cmd.Flags().GetInt("timeout")

	browser := app.BuildBrowser(cfg.Sources.Browser, logger)
	defer browser.Close()
	client := source.NewRESTClient(cfg.Sources.GetHTTPTimeout())
	reg := app.BuildSources(cfg.Sources, browser, client, logger)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutSecs)*time.Second)
	defer cancel()

	started := time.Now()
	var result any
	switch name {
	case source.SourceComposite:
		result, err = reg.Composite.Fetch(ctx)
	case source.SourceGlobal:
		result, err = reg.Global.Fetch(ctx)
	case source.SourceTopPrimary:
		result, err = reg.TopPrimary.Fetch(ctx)
	case source.SourceTopFallback:
		result, err = reg.TopFallback.Fetch(ctx)
	case source.SourceFX:
		result, err = reg.FX.Fetch(ctx)
	default:
		return fmt.Errorf("unknown source %q, expected one of %v", name, probeSources)
	}
	if err != nil {
		return fmt.Errorf("probe %s: %w", name, err)
	}
	logger.Info().Str("source", name).Dur("elapsed", time.Since(started)).Msg("probe succeeded")

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
