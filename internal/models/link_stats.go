package models

import "time"

// LinkStats carries SocketCAN link-layer statistics for one interface,
// parsed from `ip -details -statistics link show`.
type LinkStats struct {
	Interface string    `json:"interface"`
	Timestamp time.Time `json:"timestamp"`

	State       string `json:"state"` // UP, DOWN
	Bitrate     int    `json:"bitrate"`
	RestartMS   int    `json:"restart_ms"`
	BusState    string `json:"bus_state"` // ERROR-ACTIVE, ERROR-PASSIVE, BUS-OFF
	RXErrorCnt  int    `json:"rx_error_counter"`
	TXErrorCnt  int    `json:"tx_error_counter"`

	RXPackets uint64 `json:"rx_packets"`
	RXBytes   uint64 `json:"rx_bytes"`
	RXErrors  uint64 `json:"rx_errors"`
	RXDropped uint64 `json:"rx_dropped"`
	TXPackets uint64 `json:"tx_packets"`
	TXBytes   uint64 `json:"tx_bytes"`
	TXErrors  uint64 `json:"tx_errors"`
	TXDropped uint64 `json:"tx_dropped"`

	BusOffRestarts  uint64 `json:"bus_off_restarts"`
	ArbitrationLost uint64 `json:"arbitration_lost"`
	ErrorWarning    uint64 `json:"error_warning"`
	ErrorPassive    uint64 `json:"error_passive"`
	BusOff          uint64 `json:"bus_off"`
}

// HealthGrade maps the controller bus state onto the pool's health scale.
func (s LinkStats) HealthGrade() HealthState {
	switch s.BusState {
	case "BUS-OFF":
		return Failed
	case "ERROR-PASSIVE", "ERROR-WARNING":
		return Degraded
	default:
		return Healthy
	}
}
