package influxdb

// Config holds InfluxDB v3 connection settings
type Config struct {
	URL      string
	Token    string
	Database string
	Table    string
}
