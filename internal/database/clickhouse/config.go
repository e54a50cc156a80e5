package clickhouse

// Config holds ClickHouse connection settings
type Config struct {
	Host       string
	Port       int
	Database   string
	Username   string
	Password   string
	Table      string
	StatsTable string
}
