package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"isobus-core/internal/api"
	"isobus-core/internal/batch"
	"isobus-core/internal/can"
	"isobus-core/internal/codec"
	"isobus-core/internal/config"
	"isobus-core/internal/database/clickhouse"
	"isobus-core/internal/database/influxdb"
	"isobus-core/internal/models"
	"isobus-core/internal/pool"
)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).
		With().Timestamp().Logger()
}

func main() {
	var cfgPath string

	root := &cobra.Command{
		Use:     "isobus-core",
		Short:   "ISOBUS communication core: claims bus addresses, merges CAN traffic and ships it to a time-series store",
		Version: getVersion(),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfgPath)
		},
	}
	root.Flags().StringVarP(&cfgPath, "config", "c", "config.toml", "path to the TOML configuration file")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for {
		reload, err := runOnce(ctx, cfgPath)
		if err != nil {
			return err
		}
		if !reload {
			return nil
		}
	}
}

// statsSink is implemented by backends that persist interface health history.
type statsSink interface {
	WriteLinkStats(ctx context.Context, stats []models.LinkStats) error
}

// dropSink discards batches. Used when the sink backend is "none", which
// keeps the bus side runnable without any database.
type dropSink struct{ log zerolog.Logger }

func (s dropSink) WriteBatch(_ context.Context, batchID string, msgs []models.DecodedMessage) error {
	s.log.Debug().Str("batch_id", batchID).Int("messages", len(msgs)).Msg("batch discarded, no sink configured")
	return nil
}

func (s dropSink) Close() error { return nil }

// runOnce builds the full pipeline from the config file and runs it until
// shutdown or until the config file changes. A reload tears everything down
// through the normal shutdown path and reports reload=true so run rebuilds.
func runOnce(ctx context.Context, cfgPath string) (bool, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return false, fmt.Errorf("load config: %w", err)
	}
	log := newLogger(cfg.LogLevel)
	log.Info().Str("config", cfgPath).Int("interfaces", len(cfg.Interfaces)).Str("sink", cfg.Sink.Backend).Msg("starting")

	cdc := codec.New(cfg.Codec.Strict, cfg.Codec.PGNs)

	var sink batch.Sink
	switch cfg.Sink.Backend {
	case "clickhouse":
		sink, err = clickhouse.New(clickhouse.Config{
			Host:       cfg.Sink.ClickHouse.Host,
			Port:       cfg.Sink.ClickHouse.Port,
			Database:   cfg.Sink.ClickHouse.Database,
			Username:   cfg.Sink.ClickHouse.Username,
			Password:   cfg.Sink.ClickHouse.Password,
			Table:      cfg.Sink.ClickHouse.Table,
			StatsTable: cfg.Sink.ClickHouse.StatsTable,
		})
	case "influxdb":
		sink, err = influxdb.New(influxdb.Config{
			URL:      cfg.Sink.InfluxDB.URL,
			Token:    cfg.Sink.InfluxDB.Token,
			Database: cfg.Sink.InfluxDB.Database,
			Table:    cfg.Sink.InfluxDB.Table,
		})
	default:
		sink = dropSink{log: log}
	}
	if err != nil {
		return false, fmt.Errorf("open sink: %w", err)
	}

	writer := batch.NewWriter(batch.Config{
		Size:          cfg.Batch.Size,
		FlushInterval: cfg.Batch.FlushInterval,
		QueueSize:     cfg.Batch.QueueSize,
		PushTimeout:   cfg.Batch.PushTimeout,
		WriteTimeout:  cfg.Batch.WriteTimeout,
		RetryAttempts: cfg.Batch.RetryAttempts,
		RetryBase:     cfg.Batch.RetryBase,
		RetryMax:      cfg.Batch.RetryMax,
		SpoolDir:      cfg.Batch.SpoolDir,
		SafetyPGNs:    cfg.Batch.SafetyPGNs,
	}, sink, cdc, log)
	writer.Start()

	// Virtual interfaces share one in-memory bus so they can see each
	// other's traffic, including claim arbitration.
	vbus := can.NewVirtualBus()
	opener := func(ic pool.InterfaceConfig, faultThreshold int) (can.Driver, error) {
		if ic.Driver == "virtual" {
			return vbus.Open(ic.Channel, faultThreshold), nil
		}
		return can.OpenSocketCAN(ic.Channel, faultThreshold)
	}

	poolCfg := pool.Config{
		HealthCheckInterval: cfg.Pool.HealthCheckInterval,
		FailoverTimeout:     cfg.Pool.FailoverTimeout,
		ConnectTimeout:      cfg.Pool.ConnectTimeout,
		RecvTimeout:         cfg.Pool.RecvTimeout,
		ClaimTimeout:        cfg.Claim.Timeout,
		MaxConnections:      cfg.Pool.MaxConnections,
		FaultThreshold:      cfg.Pool.FaultThreshold,
		BaseName: models.NAMEFields{
			IdentityNumber:   cfg.Claim.IdentityNumber,
			ManufacturerCode: cfg.Claim.ManufacturerCode,
			Function:         cfg.Claim.Function,
			VehicleSystem:    cfg.Claim.VehicleSystem,
			IndustryGroup:    cfg.Claim.IndustryGroup,
			SelfConfigurable: cfg.Claim.SelfConfigurable,
		},
		AddressCandidates: cfg.AddressCandidates(),
	}
	for _, iface := range cfg.Interfaces {
		role := models.RolePrimary
		if iface.Role == "backup" {
			role = models.RoleBackup
		}
		poolCfg.Interfaces = append(poolCfg.Interfaces, pool.InterfaceConfig{
			ID:      iface.ID,
			Channel: iface.Channel,
			Bitrate: iface.Bitrate,
			Role:    role,
			Driver:  iface.Driver,
		})
	}

	p := pool.New(poolCfg, cdc, opener, log)
	if err := p.Start(ctx); err != nil {
		writer.Close()
		return false, fmt.Errorf("start pool: %w", err)
	}

	// Pump the merged stream into the batch writer. Ends when the pool
	// closes its stream on Stop.
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		for msg := range p.Messages() {
			writer.Push(msg)
		}
	}()

	statsCtx, stopStats := context.WithCancel(ctx)
	defer stopStats()
	var collectors []*can.StatsCollector
	if cfg.Stats.Enabled {
		for _, iface := range cfg.Interfaces {
			if iface.Driver == "virtual" {
				continue
			}
			sc := can.NewStatsCollector(iface.Channel, cfg.Stats.Interval)
			sc.Start()
			collectors = append(collectors, sc)
			go consumeStats(statsCtx, sc, iface.ID, p, sink, log)
		}
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg.API.Port, p, writer, log)
		apiServer.Start()
	}

	watcher := config.NewWatcher(cfgPath, log)
	go watcher.Run(ctx)

	reload := false
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case <-watcher.C:
		log.Info().Msg("configuration changed, restarting pipeline")
		reload = true
	}

	stopStats()
	for _, sc := range collectors {
		sc.Stop()
	}
	if apiServer != nil {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := apiServer.Shutdown(shCtx); err != nil {
			log.Warn().Err(err).Msg("status API shutdown")
		}
		cancel()
	}
	p.Stop()
	<-pumpDone
	if err := writer.Close(); err != nil {
		log.Warn().Err(err).Msg("writer shutdown")
	}

	st := p.Status()
	log.Info().
		Uint64("received", st.Received).
		Uint64("promotions", st.Promotions).
		Uint64("decode_errors", st.DecodeErrs).
		Uint64("dropped", p.Dropped()).
		Msg("pipeline stopped")
	return reload, nil
}

// consumeStats feeds link statistics into the pool's health grading and,
// when the backend keeps history, into the stats table.
func consumeStats(ctx context.Context, sc *can.StatsCollector, ifaceID string, p *pool.Pool, sink batch.Sink, log zerolog.Logger) {
	history, _ := sink.(statsSink)
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-sc.Stats():
			if !ok {
				return
			}
			p.ReportHealthHint(ifaceID, st.HealthGrade(), st.BusState)
			if history != nil {
				wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
				if err := history.WriteLinkStats(wctx, []models.LinkStats{st}); err != nil {
					log.Warn().Err(err).Str("interface", ifaceID).Msg("cannot persist link stats")
				}
				cancel()
			}
		}
	}
}
