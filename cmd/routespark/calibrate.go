package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/routespark/core/internal/backtest"
	"github.com/routespark/core/internal/calibration"
	"github.com/routespark/core/internal/routeclock"
	"github.com/routespark/core/internal/rserrors"
)

func newCalibrateCmd() *cobra.Command {
	var (
		routeID string
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Run band calibration for one route (or all routes) from a fresh backtest",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signalContext()
			defer stop()

			clock := routeclock.Real{}
			calendar := routeclock.NewCalendar(clock, nil)
			now := clock.Now()

			routes, err := a.rel.Routes(ctx)
			if err != nil {
				return err
			}
			if routeID != "" {
				kept := routes[:0]
				for _, r := range routes {
					if r.ID == routeID {
						kept = append(kept, r)
					}
				}
				routes = kept
				if len(routes) == 0 {
					return fmt.Errorf("unknown route %q", routeID)
				}
			}

			for _, r := range routes {
				schedules, err := a.rel.SchedulesForRoute(ctx, r.ID)
				if err != nil {
					return err
				}
				for _, key := range schedules {
					result, err := backtest.RunRouteSchedule(ctx, a.rel, r.ID, key, a.cfg, backtest.Options{Calendar: calendar})
					if err != nil {
						if rserrors.KindOf(err) == rserrors.InsufficientHistory {
							a.log.Debug().Str("route", r.ID).Str("schedule", key).Msg("insufficient history; skipping")
							continue
						}
						return err
					}

					scorecard, sources := calibrationRows(result)
					updated, err := calibration.CalibrateRouteIfDue(ctx, a.rel, a.cfg, r.ID, key, a.cfg.BandIntervalName, scorecard, sources, now, force)
					if err != nil {
						return err
					}
					a.log.Info().
						Str("route", r.ID).
						Str("schedule", key).
						Bool("updated", updated).
						Float64("coverage", result.Scorecard.WeightedCoverage).
						Msg("calibration pass")
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&routeID, "route", "", "calibrate only this route")
	cmd.Flags().BoolVar(&force, "force", false, "bypass the weekly cadence gate")
	return cmd
}

// calibrationRows converts a backtest result into calibrator inputs.
func calibrationRows(result backtest.Result) (calibration.ScorecardRow, []calibration.SourceRow) {
	sc := result.Scorecard
	row := calibration.ScorecardRow{
		Route:            sc.Route,
		Schedule:         sc.Schedule,
		SampleLines:      sc.SampleLines,
		FoldCount:        sc.FoldCount,
		ObservedCoverage: sc.WeightedCoverage,
		TargetCoverage:   0.80,
		UnderRate:        sc.WeightedUnderRate,
		OverRate:         sc.WeightedOverRate,
		AvgWidthUnits:    sc.AvgBandWidth,
	}
	sources := make([]calibration.SourceRow, 0, len(result.Sources))
	for _, s := range result.Sources {
		sources = append(sources, calibration.SourceRow{
			Route:            sc.Route,
			Schedule:         sc.Schedule,
			Source:           s.Source,
			LineCount:        s.LineCount,
			ObservedCoverage: s.BandCoverage,
			TargetCoverage:   0.80,
			UnderRate:        s.UnderRate,
			OverRate:         s.OverRate,
			AvgWidthUnits:    s.AvgBandWidth,
		})
	}
	return row, sources
}
