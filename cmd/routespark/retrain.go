package main

import (
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/routespark/core/internal/forecast"
	"github.com/routespark/core/internal/forecastcache"
	"github.com/routespark/core/internal/retrain"
	"github.com/routespark/core/internal/routeclock"
)

func newRetrainCmd() *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "retrain",
		Short: "Run the retrain orchestrator daemon (one tick per interval)",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.Close()

			clock := routeclock.Real{}
			calendar := routeclock.NewCalendar(clock, nil)
			cache := forecastcache.New(a.docs, a.rel)
			gen := forecast.NewGenerator(a.rel, cache, calendar, clock, a.cfg, nil, a.log)
			orch := retrain.New(a.rel, a.docs, cache, gen, calendar, clock, a.cfg, a.log)

			ctx, stop := signalContext()
			defer stop()

			if once {
				return orch.Tick(ctx)
			}

			// The first tick runs immediately; cron drives the rest.
			if err := orch.Tick(ctx); err != nil {
				a.log.Error().Err(err).Msg("initial retrain tick failed")
			}

			c := cron.New()
			spec := fmt.Sprintf("@every %dh", a.cfg.RetrainIntervalHours)
			if _, err := c.AddFunc(spec, func() {
				if err := orch.Tick(ctx); err != nil {
					a.log.Error().Err(err).Msg("retrain tick failed")
				}
			}); err != nil {
				return err
			}
			c.Start()
			a.log.Info().Str("schedule", spec).Msg("retrain orchestrator started")

			<-ctx.Done()
			<-c.Stop().Done() // let a mid-flight tick finish before exit
			a.log.Info().Msg("retrain orchestrator stopped")
			return nil
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single tick and exit")
	return cmd
}
