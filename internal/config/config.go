package config

import (
	"fmt"
	"time"
)

// Interface describes one CAN channel the pool manages.
type Interface struct {
	ID      string
	Channel string
	Bitrate int
	Role    string // primary or backup
	Driver  string // socketcan or virtual
}

// Pool tunes interface supervision and failover.
type Pool struct {
	HealthCheckInterval time.Duration
	FailoverTimeout     time.Duration
	ConnectTimeout      time.Duration
	RecvTimeout         time.Duration
	MaxConnections      int
	FaultThreshold      int
}

// Claim configures the address claim identity and candidate range.
type Claim struct {
	Timeout          time.Duration
	AddressRangeLow  uint8
	AddressRangeHigh uint8

	IdentityNumber   uint32
	ManufacturerCode uint16
	Function         uint8
	VehicleSystem    uint8
	IndustryGroup    uint8
	SelfConfigurable bool
}

// Codec selects decode behavior.
type Codec struct {
	Strict bool
	PGNs   []uint32 // empty means the built-in set
}

// Batch tunes the time-series batch writer.
type Batch struct {
	Size          int
	FlushInterval time.Duration
	QueueSize     int
	PushTimeout   time.Duration
	WriteTimeout  time.Duration
	RetryAttempts int
	RetryBase     time.Duration
	RetryMax      time.Duration
	SpoolDir      string
	SafetyPGNs    []uint32
}

// ClickHouse holds ClickHouse sink settings.
type ClickHouse struct {
	Host       string
	Port       int
	Database   string
	Username   string
	Password   string
	Table      string
	StatsTable string
}

// InfluxDB holds InfluxDB v3 sink settings.
type InfluxDB struct {
	URL      string
	Token    string
	Database string
	Table    string
}

// Sink selects and configures the time-series backend.
type Sink struct {
	Backend    string // clickhouse or influxdb
	ClickHouse ClickHouse
	InfluxDB   InfluxDB
}

// Stats controls the link statistics collector.
type Stats struct {
	Enabled  bool
	Interval time.Duration
}

// API controls the HTTP status endpoint.
type API struct {
	Enabled bool
	Port    int
}

// Config holds all application configuration.
type Config struct {
	LogLevel   string
	Interfaces []Interface
	Pool       Pool
	Claim      Claim
	Codec      Codec
	Batch      Batch
	Sink       Sink
	Stats      Stats
	API        API
}

// Default returns the configuration used when the file omits a setting.
func Default() Config {
	return Config{
		LogLevel: "info",
		Pool: Pool{
			HealthCheckInterval: 500 * time.Millisecond,
			FailoverTimeout:     2 * time.Second,
			ConnectTimeout:      5 * time.Second,
			RecvTimeout:         100 * time.Millisecond,
			MaxConnections:      64,
			FaultThreshold:      3,
		},
		Claim: Claim{
			Timeout:          2 * time.Second,
			AddressRangeLow:  128,
			AddressRangeHigh: 247,
			ManufacturerCode: 1861,
			Function:         25,
			VehicleSystem:    2,
			IndustryGroup:    2, // agricultural
			SelfConfigurable: true,
		},
		Batch: Batch{
			Size:          500,
			FlushInterval: time.Second,
			PushTimeout:   5 * time.Millisecond,
			WriteTimeout:  10 * time.Second,
			RetryAttempts: 3,
			RetryBase:     100 * time.Millisecond,
			RetryMax:      2 * time.Second,
			SpoolDir:      "spool",
		},
		Sink: Sink{
			Backend: "clickhouse",
			ClickHouse: ClickHouse{
				Host:       "localhost",
				Port:       9000,
				Database:   "default",
				Username:   "default",
				Table:      "isobus_messages",
				StatsTable: "isobus_interface_stats",
			},
			InfluxDB: InfluxDB{
				URL:      "http://localhost:8181",
				Database: "isobus",
				Table:    "isobus_messages",
			},
		},
		Stats: Stats{
			Enabled:  true,
			Interval: 10 * time.Second,
		},
		API: API{
			Enabled: true,
			Port:    8080,
		},
	}
}

// Validate checks cross-field constraints after loading.
func (c *Config) Validate() error {
	if len(c.Interfaces) == 0 {
		return fmt.Errorf("no interfaces configured")
	}
	seen := make(map[string]bool, len(c.Interfaces))
	primaries := 0
	for i, iface := range c.Interfaces {
		if iface.Channel == "" {
			return fmt.Errorf("interfaces[%d]: channel is required", i)
		}
		if seen[iface.Channel] {
			return fmt.Errorf("interfaces[%d]: duplicate channel %q", i, iface.Channel)
		}
		seen[iface.Channel] = true
		switch iface.Role {
		case "primary":
			primaries++
		case "backup":
		default:
			return fmt.Errorf("interfaces[%d]: role must be primary or backup, got %q", i, iface.Role)
		}
		switch iface.Driver {
		case "", "socketcan", "virtual":
		default:
			return fmt.Errorf("interfaces[%d]: driver must be socketcan or virtual, got %q", i, iface.Driver)
		}
	}
	if primaries == 0 {
		return fmt.Errorf("at least one interface must have role primary")
	}

	if c.Claim.AddressRangeLow > c.Claim.AddressRangeHigh {
		return fmt.Errorf("claim address range is empty: %d > %d", c.Claim.AddressRangeLow, c.Claim.AddressRangeHigh)
	}
	if c.Claim.AddressRangeHigh > 253 {
		return fmt.Errorf("claim address range high %d exceeds 253", c.Claim.AddressRangeHigh)
	}

	switch c.Sink.Backend {
	case "clickhouse", "influxdb", "none":
	default:
		return fmt.Errorf("sink backend must be clickhouse, influxdb or none, got %q", c.Sink.Backend)
	}

	return nil
}

// AddressCandidates expands the configured claim range.
func (c *Config) AddressCandidates() []uint8 {
	out := make([]uint8, 0, int(c.Claim.AddressRangeHigh)-int(c.Claim.AddressRangeLow)+1)
	for a := int(c.Claim.AddressRangeLow); a <= int(c.Claim.AddressRangeHigh); a++ {
		out = append(out, uint8(a))
	}
	return out
}
