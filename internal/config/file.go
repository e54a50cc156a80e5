package config

import (
	"fmt"
	"os"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// fileConfig mirrors Config but uses strings for durations to make TOML friendly.
type fileConfig struct {
	LogLevel   string          `toml:"log_level"`
	Interfaces []fileInterface `toml:"interfaces"`
	Pool       filePool        `toml:"pool"`
	Claim      fileClaim       `toml:"claim"`
	Codec      fileCodec       `toml:"codec"`
	Batch      fileBatch       `toml:"batch"`
	Sink       fileSink        `toml:"sink"`
	Stats      fileStats       `toml:"stats"`
	API        fileAPI         `toml:"api"`
}

type fileInterface struct {
	ID      string `toml:"id"`
	Channel string `toml:"channel"`
	Bitrate int    `toml:"bitrate"`
	Role    string `toml:"role"`
	Driver  string `toml:"driver"`
}

type filePool struct {
	HealthCheckInterval string `toml:"health_check_interval"`
	FailoverTimeout     string `toml:"failover_timeout"`
	ConnectTimeout      string `toml:"connect_timeout"`
	RecvTimeout         string `toml:"recv_timeout"`
	MaxConnections      int    `toml:"max_connections"`
	FaultThreshold      int    `toml:"fault_threshold"`
}

type fileClaim struct {
	Timeout          string `toml:"timeout"`
	AddressRangeLow  *int   `toml:"address_range_low"`
	AddressRangeHigh *int   `toml:"address_range_high"`
	IdentityNumber   uint32 `toml:"identity_number"`
	ManufacturerCode uint16 `toml:"manufacturer_code"`
	Function         uint8  `toml:"function"`
	VehicleSystem    uint8  `toml:"vehicle_system"`
	IndustryGroup    *uint8 `toml:"industry_group"`
	SelfConfigurable *bool  `toml:"self_configurable"`
}

type fileCodec struct {
	Strict bool     `toml:"strict"`
	PGNs   []uint32 `toml:"pgns"`
}

type fileBatch struct {
	Size          int      `toml:"size"`
	FlushInterval string   `toml:"flush_interval"`
	QueueSize     int      `toml:"queue_size"`
	PushTimeout   string   `toml:"push_timeout"`
	WriteTimeout  string   `toml:"write_timeout"`
	RetryAttempts int      `toml:"retry_attempts"`
	RetryBase     string   `toml:"retry_base"`
	RetryMax      string   `toml:"retry_max"`
	SpoolDir      string   `toml:"spool_dir"`
	SafetyPGNs    []uint32 `toml:"safety_pgns"`
}

type fileSink struct {
	Backend    string         `toml:"backend"`
	ClickHouse fileClickHouse `toml:"clickhouse"`
	InfluxDB   fileInfluxDB   `toml:"influxdb"`
}

type fileClickHouse struct {
	Host       string `toml:"host"`
	Port       int    `toml:"port"`
	Database   string `toml:"database"`
	Username   string `toml:"username"`
	Password   string `toml:"password"`
	Table      string `toml:"table"`
	StatsTable string `toml:"stats_table"`
}

type fileInfluxDB struct {
	URL      string `toml:"url"`
	Token    string `toml:"token"`
	Database string `toml:"database"`
	Table    string `toml:"table"`
}

type fileStats struct {
	Enabled  *bool  `toml:"enabled"`
	Interval string `toml:"interval"`
}

type fileAPI struct {
	Enabled *bool `toml:"enabled"`
	Port    int   `toml:"port"`
}

// Load reads the TOML file at path over the defaults, applies environment
// overrides for credentials and validates the result. A missing file is not
// an error; the defaults plus environment apply.
func Load(path string) (Config, error) {
	cfg := Default()

	b, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config: %w", err)
		}
	} else {
		var fc fileConfig
		if err := toml.Unmarshal(b, &fc); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
		if err := apply(&cfg, fc); err != nil {
			return cfg, err
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func apply(cfg *Config, fc fileConfig) error {
	setString(&cfg.LogLevel, fc.LogLevel)

	for _, fi := range fc.Interfaces {
		iface := Interface{
			ID:      fi.ID,
			Channel: fi.Channel,
			Bitrate: fi.Bitrate,
			Role:    fi.Role,
			Driver:  fi.Driver,
		}
		if iface.ID == "" {
			iface.ID = fi.Channel
		}
		if iface.Role == "" {
			iface.Role = "primary"
		}
		if iface.Driver == "" {
			iface.Driver = "socketcan"
		}
		cfg.Interfaces = append(cfg.Interfaces, iface)
	}

	if err := setDuration(&cfg.Pool.HealthCheckInterval, fc.Pool.HealthCheckInterval, "pool.health_check_interval"); err != nil {
		return err
	}
	if err := setDuration(&cfg.Pool.FailoverTimeout, fc.Pool.FailoverTimeout, "pool.failover_timeout"); err != nil {
		return err
	}
	if err := setDuration(&cfg.Pool.ConnectTimeout, fc.Pool.ConnectTimeout, "pool.connect_timeout"); err != nil {
		return err
	}
	if err := setDuration(&cfg.Pool.RecvTimeout, fc.Pool.RecvTimeout, "pool.recv_timeout"); err != nil {
		return err
	}
	setInt(&cfg.Pool.MaxConnections, fc.Pool.MaxConnections)
	setInt(&cfg.Pool.FaultThreshold, fc.Pool.FaultThreshold)

	if err := setDuration(&cfg.Claim.Timeout, fc.Claim.Timeout, "claim.timeout"); err != nil {
		return err
	}
	if fc.Claim.AddressRangeLow != nil {
		cfg.Claim.AddressRangeLow = uint8(*fc.Claim.AddressRangeLow)
	}
	if fc.Claim.AddressRangeHigh != nil {
		cfg.Claim.AddressRangeHigh = uint8(*fc.Claim.AddressRangeHigh)
	}
	if fc.Claim.IdentityNumber != 0 {
		cfg.Claim.IdentityNumber = fc.Claim.IdentityNumber
	}
	if fc.Claim.ManufacturerCode != 0 {
		cfg.Claim.ManufacturerCode = fc.Claim.ManufacturerCode
	}
	if fc.Claim.Function != 0 {
		cfg.Claim.Function = fc.Claim.Function
	}
	if fc.Claim.VehicleSystem != 0 {
		cfg.Claim.VehicleSystem = fc.Claim.VehicleSystem
	}
	if fc.Claim.IndustryGroup != nil {
		cfg.Claim.IndustryGroup = *fc.Claim.IndustryGroup
	}
	if fc.Claim.SelfConfigurable != nil {
		cfg.Claim.SelfConfigurable = *fc.Claim.SelfConfigurable
	}

	cfg.Codec.Strict = fc.Codec.Strict
	if len(fc.Codec.PGNs) > 0 {
		cfg.Codec.PGNs = fc.Codec.PGNs
	}

	setInt(&cfg.Batch.Size, fc.Batch.Size)
	if err := setDuration(&cfg.Batch.FlushInterval, fc.Batch.FlushInterval, "batch.flush_interval"); err != nil {
		return err
	}
	setInt(&cfg.Batch.QueueSize, fc.Batch.QueueSize)
	if err := setDuration(&cfg.Batch.PushTimeout, fc.Batch.PushTimeout, "batch.push_timeout"); err != nil {
		return err
	}
	if err := setDuration(&cfg.Batch.WriteTimeout, fc.Batch.WriteTimeout, "batch.write_timeout"); err != nil {
		return err
	}
	setInt(&cfg.Batch.RetryAttempts, fc.Batch.RetryAttempts)
	if err := setDuration(&cfg.Batch.RetryBase, fc.Batch.RetryBase, "batch.retry_base"); err != nil {
		return err
	}
	if err := setDuration(&cfg.Batch.RetryMax, fc.Batch.RetryMax, "batch.retry_max"); err != nil {
		return err
	}
	setString(&cfg.Batch.SpoolDir, fc.Batch.SpoolDir)
	if len(fc.Batch.SafetyPGNs) > 0 {
		cfg.Batch.SafetyPGNs = fc.Batch.SafetyPGNs
	}

	setString(&cfg.Sink.Backend, fc.Sink.Backend)
	setString(&cfg.Sink.ClickHouse.Host, fc.Sink.ClickHouse.Host)
	setInt(&cfg.Sink.ClickHouse.Port, fc.Sink.ClickHouse.Port)
	setString(&cfg.Sink.ClickHouse.Database, fc.Sink.ClickHouse.Database)
	setString(&cfg.Sink.ClickHouse.Username, fc.Sink.ClickHouse.Username)
	setString(&cfg.Sink.ClickHouse.Password, fc.Sink.ClickHouse.Password)
	setString(&cfg.Sink.ClickHouse.Table, fc.Sink.ClickHouse.Table)
	setString(&cfg.Sink.ClickHouse.StatsTable, fc.Sink.ClickHouse.StatsTable)
	setString(&cfg.Sink.InfluxDB.URL, fc.Sink.InfluxDB.URL)
	setString(&cfg.Sink.InfluxDB.Token, fc.Sink.InfluxDB.Token)
	setString(&cfg.Sink.InfluxDB.Database, fc.Sink.InfluxDB.Database)
	setString(&cfg.Sink.InfluxDB.Table, fc.Sink.InfluxDB.Table)

	if fc.Stats.Enabled != nil {
		cfg.Stats.Enabled = *fc.Stats.Enabled
	}
	if err := setDuration(&cfg.Stats.Interval, fc.Stats.Interval, "stats.interval"); err != nil {
		return err
	}

	if fc.API.Enabled != nil {
		cfg.API.Enabled = *fc.API.Enabled
	}
	setInt(&cfg.API.Port, fc.API.Port)

	return nil
}

// applyEnv overrides credentials from the environment so secrets can stay
// out of the config file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("CLICKHOUSE_PASSWORD"); v != "" {
		cfg.Sink.ClickHouse.Password = v
	}
	if v := os.Getenv("CLICKHOUSE_USERNAME"); v != "" {
		cfg.Sink.ClickHouse.Username = v
	}
	if v := os.Getenv("INFLUXDB_TOKEN"); v != "" {
		cfg.Sink.InfluxDB.Token = v
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v, name string) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = d
	return nil
}
