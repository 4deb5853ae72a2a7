package cmd

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"argus/anomaly"
	"argus/core"
	"argus/detect"
)

// isFailedLogon reports whether an event ID records a failed
// authentication: 4625 (logon failure), 4771 (Kerberos pre-auth
// failure), 4776 (credential validation failure) and the pre-Vista
// 529-539 series.
func isFailedLogon(eventID int) bool {
	switch eventID {
	case 4625, 4771, 4776:
		return true
	}
	return eventID >= 529 && eventID <= 539
}

// newAnomaliesCmd creates the 'anomalies' subcommand
func newAnomaliesCmd() *cobra.Command {
	var (
		eventsFile   string
		baselineFile string
		entityField  string
		threshold    float64
		interval     time.Duration
		top          int
	)

	cmd := &cobra.Command{
		Use:   "anomalies",
		Short: "Score per-entity event timelines for anomalies",
		Long: `Group events by an entity field, bucket each entity's activity over
time and run a two-stage change detector over the bucket counts.
Entities are ranked by their peak anomaly score; scores at or over the
threshold flag the entity.

With --baseline, each entity's model is pre-trained on its activity in
the baseline events file, so scoring judges the target window against
known-normal behavior instead of a cold start.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfigAndLogger()
			if err != nil {
				return err
			}
			if entityField == "" {
				entityField = cfg.Anomaly.EntityField
			}
			if threshold == 0 {
				threshold = cfg.Anomaly.Threshold
			}
			if interval <= 0 {
				interval = cfg.Anomaly.BucketInterval
			}

			events, err := detect.LoadEvents(eventsFile)
			if err != nil {
				return fmt.Errorf("load events: %w", err)
			}

			fr := detect.NewFieldReader(cfg.Engine.PayloadCacheSize, cfg.Engine.ValueCacheSize)
			samples := collectSamples(fr, events, entityField)
			if len(samples) == 0 {
				warningColor.Printf("No events carry the entity field %q\n", entityField)
				return nil
			}

			baselines := make(map[string][]float64)
			if baselineFile != "" {
				baseEvents, err := detect.LoadEvents(baselineFile)
				if err != nil {
					return fmt.Errorf("load baseline: %w", err)
				}
				for name, s := range collectSamples(fr, baseEvents, entityField) {
					baselines[name] = bucketSeries(s, interval)
				}
				logger.Infow("baseline loaded",
					"events", len(baseEvents), "entities", len(baselines))
			}

			cfConfig := &anomaly.ChangeFinderConfig{
				DiscountRate: cfg.Anomaly.DiscountRate,
				Order:        cfg.Anomaly.Order,
				Smooth:       cfg.Anomaly.Smooth,
			}

			names := make([]string, 0, len(samples))
			for name := range samples {
				names = append(names, name)
			}
			sort.Strings(names)

			entities := make([]*anomaly.EntityActivity, 0, len(names))
			for _, name := range names {
				buckets := anomaly.BuildBuckets(samples[name], interval)
				entities = append(entities, anomaly.ScoreEntity(name, buckets, baselines[name], cfConfig))
			}

			anomaly.Rank(entities)
			flagged := anomaly.FlagAnomalous(entities, threshold)

			if top > 0 && len(entities) > top {
				entities = entities[:top]
			}

			if outputJSON {
				return outputAsJSON(entities)
			}

			renderEntities(entities, threshold)
			if len(flagged) > 0 {
				errorColor.Printf("%d entities at or over threshold %.1f\n", len(flagged), threshold)
			} else if !quiet {
				successColor.Printf("No entity reached threshold %.1f\n", threshold)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&eventsFile, "events", "", "Events file (JSON array) to score")
	cmd.Flags().StringVar(&baselineFile, "baseline", "", "Events file with known-normal activity for pre-training")
	cmd.Flags().StringVar(&entityField, "entity-field", "", "Event field to group entities by (default from config)")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "Anomaly score threshold (default from config)")
	cmd.Flags().DurationVar(&interval, "interval", 0, "Bucket interval (default from config)")
	cmd.Flags().IntVar(&top, "top", 0, "Show only the top N entities")
	_ = cmd.MarkFlagRequired("events")

	return cmd
}

// collectSamples groups events into per-entity timeline samples. Events
// without a value for the entity field are dropped.
func collectSamples(fr *detect.FieldReader, events []*core.Event, field string) map[string][]anomaly.Sample {
	samples := make(map[string][]anomaly.Sample)
	for _, ev := range events {
		entity := fr.Field(ev, field)
		if entity == "" {
			continue
		}
		samples[entity] = append(samples[entity], anomaly.Sample{
			Time:   ev.TimeCreated,
			Failed: isFailedLogon(ev.EventID),
		})
	}
	return samples
}

// bucketSeries turns samples into the per-bucket count series the
// change detector trains on.
func bucketSeries(samples []anomaly.Sample, interval time.Duration) []float64 {
	buckets := anomaly.BuildBuckets(samples, interval)
	series := make([]float64, len(buckets))
	for i, b := range buckets {
		series[i] = float64(b.Count)
	}
	return series
}
