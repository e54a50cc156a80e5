package can

import (
	"testing"

	"isobus-core/internal/models"
)

const sampleLinkOutput = `3: can0: <NOARP,UP,LOWER_UP,ECHO> mtu 16 qdisc pfifo_fast state UP mode DEFAULT group default qlen 10
    link/can  promiscuity 0 allmulti 0 minmtu 0 maxmtu 0
    can state ERROR-PASSIVE (berr-counter tx 140 rx 2) restart-ms 100
	  bitrate 250000 sample-point 0.875
	  tq 250 prop-seg 6 phase-seg1 7 phase-seg2 2 sjw 1 brp 2
    RX: bytes  packets  errors  dropped overrun mcast
    123456     7890     3       1       0       0
    TX: bytes  packets  errors  dropped carrier collsns
    654321     987      2       0       0       0
    re-started 1 bus-error 5 arbitration-lost 4 error-warning 2 error-passive 1 bus-off 0`

func TestParseLinkOutput(t *testing.T) {
	stats := parseLinkOutput(sampleLinkOutput)

	if stats.State != "UP" {
		t.Fatalf("expected state UP, got %q", stats.State)
	}
	if stats.BusState != "ERROR-PASSIVE" {
		t.Fatalf("expected bus state ERROR-PASSIVE, got %q", stats.BusState)
	}
	if stats.TXErrorCnt != 140 || stats.RXErrorCnt != 2 {
		t.Fatalf("unexpected berr counters tx=%d rx=%d", stats.TXErrorCnt, stats.RXErrorCnt)
	}
	if stats.Bitrate != 250000 {
		t.Fatalf("expected bitrate 250000, got %d", stats.Bitrate)
	}
	if stats.RXPackets != 7890 || stats.TXPackets != 987 {
		t.Fatalf("unexpected packet counts rx=%d tx=%d", stats.RXPackets, stats.TXPackets)
	}
	if stats.RXDropped != 1 {
		t.Fatalf("expected 1 dropped rx packet, got %d", stats.RXDropped)
	}
	if stats.BusOffRestarts != 1 || stats.ArbitrationLost != 4 {
		t.Fatalf("unexpected restart/arbitration counters: %+v", stats)
	}
}

func TestHealthGrade(t *testing.T) {
	cases := []struct {
		busState string
		want     models.HealthState
	}{
		{"ERROR-ACTIVE", models.Healthy},
		{"ERROR-WARNING", models.Degraded},
		{"ERROR-PASSIVE", models.Degraded},
		{"BUS-OFF", models.Failed},
	}
	for _, tc := range cases {
		s := models.LinkStats{BusState: tc.busState}
		if got := s.HealthGrade(); got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.busState, tc.want, got)
		}
	}
}
