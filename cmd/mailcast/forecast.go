package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/kubilitics/mailcast/internal/analytics/forecast"
	"github.com/kubilitics/mailcast/internal/analytics/timeseries"
	"github.com/kubilitics/mailcast/internal/registry"
)

func newForecastCmd(a *app) *cobra.Command {
	var (
		kindName string
		steps    int
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "forecast",
		Short: "Print a forecast from the stored artifacts",
		Long: `Load the stored artifacts and print a forecast of the given kind.

Examples:

  mailcast forecast --kind hourly --steps 24
  mailcast forecast --kind daily --steps 7 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			kind, err := parseKind(kindName)
			if err != nil {
				return err
			}
			if steps < 1 {
				return fmt.Errorf("--steps must be at least 1, got %d", steps)
			}

			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			reg := registry.New(store, a.logger)
			location := a.cfg.Models.HourlyLocation
			if kind == forecast.KindSeasonal {
				location = a.cfg.Models.DailyLocation
			}
			if err := reg.Load(cmd.Context(), kind, location); err != nil {
				return err
			}
			res, err := reg.Forecast(kind, steps)
			if err != nil {
				return err
			}
			active, err := reg.Active(kind)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(a.stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			printForecast(a.stdout, active, res)
			return nil
		},
	}
	cmd.Flags().StringVar(&kindName, "kind", "hourly", "model to forecast with: hourly or daily")
	cmd.Flags().IntVar(&steps, "steps", 0, "number of buckets to forecast (default: forecast.hourly_steps or forecast.daily_steps)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the forecast as JSON")
	cmd.PreRunE = func(*cobra.Command, []string) error {
		if steps != 0 {
			return nil
		}
		steps = a.cfg.Forecast.HourlySteps
		if kindName == "daily" || kindName == string(forecast.KindSeasonal) {
			steps = a.cfg.Forecast.DailySteps
		}
		return nil
	}
	return cmd
}

func printForecast(w io.Writer, a *forecast.Artifact, res forecast.Result) {
	layout := "2006-01-02 15:04"
	if res.Granularity == timeseries.Day {
		layout = "Mon 2006-01-02"
	}
	fmt.Fprintf(w, "%s model %s, fitted %s on %d points\n",
		a.Kind, a.ID, humanize.Time(a.FittedAt), a.Training.Points)
	for _, p := range res.Points {
		fmt.Fprintf(w, "  %s  %6s\n", p.Timestamp.Format(layout), humanize.Comma(int64(p.Count)))
	}
	fmt.Fprintf(w, "  %-*s  %6s\n", len(layout), "total", humanize.Comma(int64(res.Total())))
}
