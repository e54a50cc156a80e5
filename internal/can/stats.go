package can

import (
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"isobus-core/internal/models"
)

// StatsCollector periodically samples SocketCAN link-layer statistics for
// one channel. The pool uses the bus state to tell a degraded controller
// (ERROR-PASSIVE) from a dead one (BUS-OFF), and the history is persisted
// by the sink layer.
type StatsCollector struct {
	channel   string
	interval  time.Duration
	statsChan chan models.LinkStats
	stopChan  chan struct{}
}

// NewStatsCollector creates a collector for the named channel.
func NewStatsCollector(channel string, interval time.Duration) *StatsCollector {
	return &StatsCollector{
		channel:   channel,
		interval:  interval,
		statsChan: make(chan models.LinkStats, 10),
		stopChan:  make(chan struct{}),
	}
}

// Start begins collecting in the background.
func (sc *StatsCollector) Start() {
	go sc.collectLoop()
}

// Stop terminates collection and closes the stats channel.
func (sc *StatsCollector) Stop() {
	close(sc.stopChan)
}

// Stats returns the channel on which samples are delivered.
func (sc *StatsCollector) Stats() <-chan models.LinkStats {
	return sc.statsChan
}

func (sc *StatsCollector) collectLoop() {
	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()
	defer close(sc.statsChan)

	sc.collect()
	for {
		select {
		case <-ticker.C:
			sc.collect()
		case <-sc.stopChan:
			return
		}
	}
}

func (sc *StatsCollector) collect() {
	out, err := exec.Command("ip", "-details", "-statistics", "link", "show", sc.channel).CombinedOutput()
	if err != nil {
		return
	}
	stats := parseLinkOutput(string(out))
	stats.Timestamp = time.Now().UTC()
	stats.Interface = sc.channel

	select {
	case sc.statsChan <- stats:
	default:
	}
}

var (
	reState      = regexp.MustCompile(`state ([A-Z-]+)`)
	reBitrate    = regexp.MustCompile(`bitrate (\d+)`)
	reRestartMS  = regexp.MustCompile(`restart-ms (\d+)`)
	reBerr       = regexp.MustCompile(`berr-counter tx (\d+) rx (\d+)`)
	reRestarted  = regexp.MustCompile(`re-started (\d+)`)
	reArbLost    = regexp.MustCompile(`arbitration-lost (\d+)`)
	reErrWarning = regexp.MustCompile(`error-warning (\d+)`)
	reErrPassive = regexp.MustCompile(`error-passive (\d+)`)
	reBusOff     = regexp.MustCompile(`bus-off (\d+)`)
)

// parseLinkOutput extracts link statistics from the text output of
// `ip -details -statistics link show <dev>`.
func parseLinkOutput(output string) models.LinkStats {
	stats := models.LinkStats{}
	lines := strings.Split(output, "\n")

	for i, line := range lines {
		line = strings.TrimSpace(line)

		if i == 0 {
			if strings.Contains(line, "UP") {
				stats.State = "UP"
			} else {
				stats.State = "DOWN"
			}
			continue
		}

		if strings.Contains(line, "bitrate") {
			if m := reBitrate.FindStringSubmatch(line); len(m) > 1 {
				stats.Bitrate, _ = strconv.Atoi(m[1])
			}
		}

		if strings.Contains(line, "can state") {
			// "can state ERROR-ACTIVE (berr-counter tx 0 rx 0) restart-ms 0"
			if m := reState.FindStringSubmatch(line); len(m) > 1 {
				stats.BusState = m[1]
			}
			if m := reBerr.FindStringSubmatch(line); len(m) > 2 {
				stats.TXErrorCnt, _ = strconv.Atoi(m[1])
				stats.RXErrorCnt, _ = strconv.Atoi(m[2])
			}
			if m := reRestartMS.FindStringSubmatch(line); len(m) > 1 {
				stats.RestartMS, _ = strconv.Atoi(m[1])
			}
		}

		if strings.HasPrefix(line, "RX:") && i+1 < len(lines) {
			f := strings.Fields(lines[i+1])
			if len(f) >= 4 {
				stats.RXBytes, _ = strconv.ParseUint(f[0], 10, 64)
				stats.RXPackets, _ = strconv.ParseUint(f[1], 10, 64)
				stats.RXErrors, _ = strconv.ParseUint(f[2], 10, 64)
				stats.RXDropped, _ = strconv.ParseUint(f[3], 10, 64)
			}
		}
		if strings.HasPrefix(line, "TX:") && i+1 < len(lines) {
			f := strings.Fields(lines[i+1])
			if len(f) >= 4 {
				stats.TXBytes, _ = strconv.ParseUint(f[0], 10, 64)
				stats.TXPackets, _ = strconv.ParseUint(f[1], 10, 64)
				stats.TXErrors, _ = strconv.ParseUint(f[2], 10, 64)
				stats.TXDropped, _ = strconv.ParseUint(f[3], 10, 64)
			}
		}

		if m := reRestarted.FindStringSubmatch(line); len(m) > 1 {
			stats.BusOffRestarts, _ = strconv.ParseUint(m[1], 10, 64)
		}
		if m := reArbLost.FindStringSubmatch(line); len(m) > 1 {
			stats.ArbitrationLost, _ = strconv.ParseUint(m[1], 10, 64)
		}
		if m := reErrWarning.FindStringSubmatch(line); len(m) > 1 {
			stats.ErrorWarning, _ = strconv.ParseUint(m[1], 10, 64)
		}
		if m := reErrPassive.FindStringSubmatch(line); len(m) > 1 {
			stats.ErrorPassive, _ = strconv.ParseUint(m[1], 10, 64)
		}
		if m := reBusOff.FindStringSubmatch(line); len(m) > 1 {
			stats.BusOff, _ = strconv.ParseUint(m[1], 10, 64)
		}
	}
	return stats
}
