// Command indexctl inspects and maintains an entity index stored in a Badger
// data directory.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/entity"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/events"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/geo"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/index"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/query"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/registry"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/store"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/sweep"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/pkg/metrics"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "indexctl",
		Short: "Inspect and maintain an entity index",
		Long: `indexctl opens the Badger data directory of an index directly.
Badger locks its directory, so stop indexd (or work on a copy) first.
Only "sweep --async" talks to a running indexd, through Kafka.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level, _ := cmd.Flags().GetString("log-level")
			logger.Setup(level, "text")
		},
	}
	rootCmd.PersistentFlags().String("config", "", "Path to an indexd config file")
	rootCmd.PersistentFlags().String("data-dir", "", "Badger data directory (overrides the config)")
	rootCmd.PersistentFlags().String("log-level", "warn", "Log level")

	queryCmd := &cobra.Command{
		Use:   "query [ql]",
		Short: "Run a query against one or more collections or connections",
		Args:  cobra.ExactArgs(1),
		RunE:  runQuery,
	}
	queryCmd.Flags().StringSlice("target", nil, "Target as <owner>/<name>; repeatable")
	queryCmd.Flags().Int("limit", 0, "Page size (0 uses the configured default)")
	queryCmd.Flags().String("cursor", "", "Cursor from a previous page")
	queryCmd.Flags().Bool("reversed", false, "Walk the driving index backwards")
	queryCmd.Flags().String("level", "ids", "Result level: ids, refs or properties")
	queryCmd.Flags().String("type", "", "Entity type (defaults to the singular of the target name)")
	_ = queryCmd.MarkFlagRequired("target")
	rootCmd.AddCommand(queryCmd)

	proximityCmd := &cobra.Command{
		Use:   "proximity",
		Short: "List entities of one target near a point",
		RunE:  runProximity,
	}
	proximityCmd.Flags().String("target", "", "Target as <owner>/<name>")
	proximityCmd.Flags().String("path", "location", "Location property")
	proximityCmd.Flags().Float64("lat", 0, "Latitude of the center")
	proximityCmd.Flags().Float64("lon", 0, "Longitude of the center")
	proximityCmd.Flags().Float64("radius", 1000, "Radius in meters")
	proximityCmd.Flags().Int("limit", 0, "Page size")
	proximityCmd.Flags().String("cursor", "", "Cursor from a previous page")
	_ = proximityCmd.MarkFlagRequired("target")
	rootCmd.AddCommand(proximityCmd)

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete stale index entries past the grace period",
		RunE:  runSweep,
	}
	sweepCmd.Flags().Bool("async", false, "Ask a running indexd to sweep through Kafka")
	sweepCmd.Flags().String("reason", "indexctl", "Reason recorded with an async request")
	sweepCmd.Flags().Duration("grace", -1, "Grace period (negative uses the configured one)")
	rootCmd.AddCommand(sweepCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Summarise the rows held in the data directory",
		RunE:  runStats,
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// env is everything the offline commands need.
type env struct {
	cfg       *config.Config
	backend   *store.Badger
	entries   *index.Store
	clock     *store.Clock
	geo       *geo.Index
	evaluator *query.Evaluator
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
		cfg.Store.DataDir = dir
	}
	return cfg, nil
}

func openEnv(cmd *cobra.Command) (*env, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	backend, err := store.OpenBadger(store.BadgerOptions{DataDir: cfg.Store.DataDir, TombstoneTTL: cfg.Store.TombstoneTTL})
	if err != nil {
		return nil, err
	}
	reg, err := registry.FromSchema(cfg.Schema)
	if err != nil {
		backend.Close()
		return nil, err
	}
	m := metrics.NewUnregistered()
	resolver := registry.NewResolver(reg, registry.NewCache(cfg.Index.MetadataCacheSize, cfg.Index.MetadataCacheTTL), m)
	clock := store.NewClock()
	entries := index.NewStore(backend, m)
	g := geo.New(entries, clock, geo.Config{
		MaxIterations: cfg.Geo.MaxIterations,
		MaxRing:       cfg.Geo.MaxRing,
		DefaultLimit:  cfg.Query.DefaultLimit,
		MaxLimit:      cfg.Query.MaxLimit,
	}, m)
	eval := query.NewEvaluator(entries, g, entity.NewSnapshotStore(backend), resolver, query.Config{
		DefaultLimit: cfg.Query.DefaultLimit,
		MaxLimit:     cfg.Query.MaxLimit,
		Timeout:      cfg.Query.Timeout,
	}, m)
	return &env{cfg: cfg, backend: backend, entries: entries, clock: clock, geo: g, evaluator: eval}, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runQuery(cmd *cobra.Command, args []string) error {
	raw, _ := cmd.Flags().GetStringSlice("target")
	targets := make([]index.Target, 0, len(raw))
	for _, s := range raw {
		t, err := index.ParseTarget(s)
		if err != nil {
			return err
		}
		targets = append(targets, t)
	}
	q, err := query.Parse(args[0])
	if err != nil {
		return err
	}
	q.Limit, _ = cmd.Flags().GetInt("limit")
	q.Cursor, _ = cmd.Flags().GetString("cursor")
	q.Reversed, _ = cmd.Flags().GetBool("reversed")
	q.Type, _ = cmd.Flags().GetString("type")
	level, _ := cmd.Flags().GetString("level")
	if q.Level, err = query.ParseLevel(level); err != nil {
		return err
	}

	e, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer e.backend.Close()
	ctx, stop := signalContext()
	defer stop()

	res, err := e.evaluator.Execute(ctx, targets, q)
	if err != nil {
		return err
	}
	return printJSON(cmd, res)
}

func runProximity(cmd *cobra.Command, args []string) error {
	raw, _ := cmd.Flags().GetString("target")
	target, err := index.ParseTarget(raw)
	if err != nil {
		return err
	}
	s := geo.Search{Target: target}
	s.Path, _ = cmd.Flags().GetString("path")
	s.Center.Lat, _ = cmd.Flags().GetFloat64("lat")
	s.Center.Lon, _ = cmd.Flags().GetFloat64("lon")
	s.Radius, _ = cmd.Flags().GetFloat64("radius")
	s.Limit, _ = cmd.Flags().GetInt("limit")
	if c, _ := cmd.Flags().GetString("cursor"); c != "" {
		if s.Cursor, err = base64.RawURLEncoding.DecodeString(c); err != nil {
			return fmt.Errorf("decoding cursor: %w", err)
		}
	}

	e, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer e.backend.Close()
	ctx, stop := signalContext()
	defer stop()

	res, err := e.geo.ProximitySearch(ctx, s)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ENTITY\tTYPE\tLAT\tLON\tDISTANCE (m)")
	for _, h := range res.Hits {
		fmt.Fprintf(w, "%s\t%s\t%.6f\t%.6f\t%.1f\n", h.Ref.ID, h.Ref.Type, h.Point.Lat, h.Point.Lon, h.Distance)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if res.Cursor != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "\nnext page: --cursor %s\n", base64.RawURLEncoding.EncodeToString(res.Cursor))
	}
	return nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	if async, _ := cmd.Flags().GetBool("async"); async {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if len(cfg.Kafka.Brokers) == 0 {
			return fmt.Errorf("sweep --async needs kafka.brokers")
		}
		producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.SweepRequests)
		defer producer.Close()
		reason, _ := cmd.Flags().GetString("reason")
		id, err := events.RequestSweep(ctx, producer, reason)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "sweep requested: %s (topic %s)\n", id, producer.Topic())
		return nil
	}

	e, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer e.backend.Close()
	grace := e.cfg.Sweep.GracePeriod
	if g, _ := cmd.Flags().GetDuration("grace"); g >= 0 {
		grace = g
	}
	s := sweep.New(e.entries, e.clock, sweep.Config{
		GracePeriod:   grace,
		BatchSize:     e.cfg.Sweep.BatchSize,
		RatePerSecond: e.cfg.Sweep.RatePerSecond,
	}, metrics.NewUnregistered())
	rep, err := s.Sweep(ctx, sweep.TriggerManual)
	if err != nil {
		return err
	}
	return printJSON(cmd, rep)
}

type rowGroup struct {
	name       string
	rows       int
	cells      int
	tombstones int
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	backend, err := store.OpenBadger(store.BadgerOptions{DataDir: cfg.Store.DataDir})
	if err != nil {
		return err
	}
	defer backend.Close()
	ctx, stop := signalContext()
	defer stop()

	start := time.Now()
	st, err := backend.Stats(ctx)
	if err != nil {
		return err
	}
	groups := make(map[string]*rowGroup)
	for _, r := range st.Rows {
		name := "other"
		if scope, err := index.ParseRowKey(r.Row); err == nil {
			name = scope.Target().String()
		} else if len(r.Row) > 0 && r.Row[0] != 'i' {
			name = string(r.Row)
		}
		g, ok := groups[name]
		if !ok {
			g = &rowGroup{name: name}
			groups[name] = g
		}
		g.rows++
		g.cells += r.Cells
		g.tombstones += r.Tombstones
	}
	sorted := make([]*rowGroup, 0, len(groups))
	for _, g := range groups {
		sorted = append(sorted, g)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].name < sorted[j].name })

	out := cmd.OutOrStdout()
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TARGET\tROWS\tCELLS\tTOMBSTONES")
	for _, g := range sorted {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", g.name, g.rows, g.cells, g.tombstones)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\nlsm %d bytes, value log %d bytes, walked in %s\n", st.LSMBytes, st.VLogBytes, time.Since(start).Round(time.Millisecond))
	return nil
}
