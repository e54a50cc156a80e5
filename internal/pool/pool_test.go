package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"isobus-core/internal/can"
	"isobus-core/internal/codec"
	"isobus-core/internal/models"
)

// testBus wires pool interfaces onto one shared virtual bus and keeps the
// endpoints reachable for fault injection.
type testBus struct {
	bus *can.VirtualBus

	mu        sync.Mutex
	endpoints map[string]*can.VirtualDriver
}

func newTestBus() *testBus {
	return &testBus{bus: can.NewVirtualBus(), endpoints: make(map[string]*can.VirtualDriver)}
}

func (tb *testBus) opener(ic InterfaceConfig, threshold int) (can.Driver, error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	d, ok := tb.endpoints[ic.ID]
	if !ok {
		d = tb.bus.Open(ic.Channel, threshold)
		tb.endpoints[ic.ID] = d
	} else if err := d.Reset(); err != nil {
		return nil, err
	}
	return d, nil
}

func (tb *testBus) endpoint(id string) *can.VirtualDriver {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.endpoints[id]
}

func testConfig(interfaces ...InterfaceConfig) Config {
	return Config{
		Interfaces:          interfaces,
		HealthCheckInterval: 20 * time.Millisecond,
		FailoverTimeout:     2 * time.Second,
		RecvTimeout:         10 * time.Millisecond,
		ClaimTimeout:        2 * time.Second,
		BaseName:            models.NAMEFields{IdentityNumber: 7, ManufacturerCode: 99, IndustryGroup: 2},
	}
}

func speedFrame(seq uint8) models.CANFrame {
	return models.CANFrame{
		ID:       0x0CFEF100 | uint32(seq%250), // PGN 65265 from varying sources
		Extended: true,
		DLC:      8,
		Data:     [8]byte{seq, 0x28, 0x00},
	}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func claimedCount(p *Pool) int {
	n := 0
	for _, d := range p.Status().Interfaces {
		if d.Claim.Status == models.ClaimClaimed {
			n++
		}
	}
	return n
}

func TestPoolMergedStreamTagsInterfaces(t *testing.T) {
	tb := newTestBus()
	defer tb.bus.Close()

	cfg := testConfig(
		InterfaceConfig{ID: "can0", Channel: "sim0", Role: models.RolePrimary, Driver: "virtual"},
		InterfaceConfig{ID: "can1", Channel: "sim1", Role: models.RolePrimary, Driver: "virtual"},
	)
	p := New(cfg, codec.New(false, nil), tb.opener, zerolog.Nop())
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start returned error: %v", err)
	}
	defer p.Stop()

	waitFor(t, 3*time.Second, "both claims", func() bool { return claimedCount(p) == 2 })

	const perInterface = 50
	for i := 0; i < perInterface; i++ {
		tb.endpoint("can0").Inject(speedFrame(uint8(i)))
		tb.endpoint("can1").Inject(speedFrame(uint8(i)))
	}

	seen := map[string][]uint8{}
	deadline := time.After(3 * time.Second)
	for len(seen["can0"])+len(seen["can1"]) < 2*perInterface {
		select {
		case msg := <-p.Messages():
			if msg.PGN != codec.PGNVehicleSpeed {
				continue // claim chatter
			}
			seen[msg.Interface] = append(seen[msg.Interface], msg.Data[0])
		case <-deadline:
			t.Fatalf("merged stream delivered %d/%d messages", len(seen["can0"])+len(seen["can1"]), 2*perInterface)
		}
	}

	for _, id := range []string{"can0", "can1"} {
		if len(seen[id]) != perInterface {
			t.Fatalf("%s: expected %d messages, got %d", id, perInterface, len(seen[id]))
		}
		for i, seq := range seen[id] {
			if seq != uint8(i) {
				t.Fatalf("%s: per-interface order broken at %d: got seq %d", id, i, seq)
			}
		}
	}
}

func TestPoolFailoverPromotesBackup(t *testing.T) {
	tb := newTestBus()
	defer tb.bus.Close()

	cfg := testConfig(
		InterfaceConfig{ID: "can0", Channel: "sim0", Role: models.RolePrimary, Driver: "virtual"},
		InterfaceConfig{ID: "can1", Channel: "sim1", Role: models.RoleBackup, Driver: "virtual"},
	)
	p := New(cfg, codec.New(false, nil), tb.opener, zerolog.Nop())
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start returned error: %v", err)
	}
	defer p.Stop()

	waitFor(t, 3*time.Second, "primary claim", func() bool { return claimedCount(p) >= 1 })

	// Backups stay closed until needed.
	if tb.endpoint("can1") != nil {
		t.Fatal("backup was opened before any failover")
	}

	tb.endpoint("can0").Kill()

	waitFor(t, cfg.FailoverTimeout, "promotion", func() bool { return p.Status().Promotions == 1 })

	st := p.Status()
	for _, d := range st.Interfaces {
		switch d.ID {
		case "can0":
			if d.Health != models.Failed {
				t.Fatalf("dead primary should be failed, is %s", d.Health)
			}
		case "can1":
			if d.Role != models.RolePrimary {
				t.Fatalf("backup was not promoted, role %s", d.Role)
			}
			if d.Health != models.Healthy {
				t.Fatalf("promoted backup unhealthy: %s (%s)", d.Health, d.FailureReason)
			}
		}
	}

	// The promoted interface re-claims before outbound eligibility.
	waitFor(t, 3*time.Second, "promoted claim", func() bool {
		for _, d := range p.Status().Interfaces {
			if d.ID == "can1" && d.Claim.Status == models.ClaimClaimed {
				return true
			}
		}
		return false
	})

	if err := p.Send(models.DecodedMessage{
		PGN: codec.PGNVehicleSpeed, Priority: 6, Destination: models.Broadcast,
		DLC: 8, Extended: true,
	}); err != nil {
		t.Fatalf("send through promoted primary failed: %v", err)
	}
}

func TestPoolEndToEndWithMidRunFailure(t *testing.T) {
	tb := newTestBus()
	defer tb.bus.Close()

	cfg := testConfig(
		InterfaceConfig{ID: "can0", Channel: "sim0", Role: models.RolePrimary, Driver: "virtual"},
		InterfaceConfig{ID: "can1", Channel: "sim1", Role: models.RolePrimary, Driver: "virtual"},
		InterfaceConfig{ID: "can2", Channel: "sim2", Role: models.RoleBackup, Driver: "virtual"},
	)
	p := New(cfg, codec.New(false, nil), tb.opener, zerolog.Nop())
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start returned error: %v", err)
	}
	defer p.Stop()

	waitFor(t, 3*time.Second, "primary claims", func() bool { return claimedCount(p) == 2 })

	received := 0
	telemetry := func(timeout time.Duration, want int) {
		deadline := time.After(timeout)
		for received < want {
			select {
			case msg := <-p.Messages():
				if msg.PGN == codec.PGNVehicleSpeed {
					received++
				}
			case <-deadline:
				t.Fatalf("received %d/%d telemetry messages", received, want)
			}
		}
	}

	// Phase 1: both primaries carrying traffic.
	for i := 0; i < 100; i++ {
		tb.endpoint("can0").Inject(speedFrame(uint8(i)))
		tb.endpoint("can1").Inject(speedFrame(uint8(i)))
	}
	telemetry(3*time.Second, 200)

	// Kill one primary; traffic continues on the survivor and, after
	// promotion, on the backup.
	tb.endpoint("can0").Kill()
	waitFor(t, cfg.FailoverTimeout, "promotion", func() bool { return p.Status().Promotions == 1 })

	for i := 0; i < 100; i++ {
		tb.endpoint("can1").Inject(speedFrame(uint8(i)))
		tb.endpoint("can2").Inject(speedFrame(uint8(i)))
	}
	telemetry(3*time.Second, 400)

	st := p.Status()
	if st.Promotions != 1 {
		t.Fatalf("expected exactly one promotion, got %d", st.Promotions)
	}
	if st.HealthyCount() != 2 {
		t.Fatalf("expected 2 usable interfaces, got %d", st.HealthyCount())
	}
	if p.Dropped() != 0 {
		t.Fatalf("merged stream dropped %d messages from healthy interfaces", p.Dropped())
	}
}

func TestPoolAllInterfacesFailed(t *testing.T) {
	cfg := testConfig(
		InterfaceConfig{ID: "can0", Channel: "sim0", Role: models.RolePrimary, Driver: "virtual"},
		InterfaceConfig{ID: "can1", Channel: "sim1", Role: models.RoleBackup, Driver: "virtual"},
	)
	opener := func(InterfaceConfig, int) (can.Driver, error) {
		return nil, fmt.Errorf("no such device")
	}
	p := New(cfg, codec.New(false, nil), opener, zerolog.Nop())
	if err := p.Start(context.Background()); !errors.Is(err, ErrAllInterfacesFailed) {
		t.Fatalf("expected ErrAllInterfacesFailed, got %v", err)
	}
}

func TestPoolStatusIsACopy(t *testing.T) {
	tb := newTestBus()
	defer tb.bus.Close()

	cfg := testConfig(
		InterfaceConfig{ID: "can0", Channel: "sim0", Role: models.RolePrimary, Driver: "virtual"},
	)
	p := New(cfg, codec.New(false, nil), tb.opener, zerolog.Nop())
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start returned error: %v", err)
	}
	defer p.Stop()

	st := p.Status()
	st.Interfaces[0].Health = models.Failed
	st.Interfaces[0].ID = "mutated"

	again := p.Status()
	if again.Interfaces[0].ID != "can0" || again.Interfaces[0].Health == models.Failed {
		t.Fatal("Status returned a live reference, not a copy")
	}
}

func TestPoolPeriodicBroadcastJitter(t *testing.T) {
	tb := newTestBus()
	defer tb.bus.Close()

	cfg := testConfig(
		InterfaceConfig{ID: "can0", Channel: "sim0", Role: models.RolePrimary, Driver: "virtual"},
	)
	p := New(cfg, codec.New(false, nil), tb.opener, zerolog.Nop())
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start returned error: %v", err)
	}
	defer p.Stop()

	waitFor(t, 3*time.Second, "claim", func() bool { return claimedCount(p) == 1 })

	// A periodic broadcast sender; the merged stream must deliver it with
	// a 95th-percentile inter-arrival deviation under half the period.
	const period = 20 * time.Millisecond
	const count = 60
	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for i := 0; i < count; i++ {
			<-ticker.C
			tb.endpoint("can0").Inject(speedFrame(uint8(i)))
		}
	}()

	arrivals := make([]time.Time, 0, count)
	deadline := time.After(10 * time.Second)
	for len(arrivals) < count {
		select {
		case msg := <-p.Messages():
			if msg.PGN != codec.PGNVehicleSpeed {
				continue // claim chatter
			}
			arrivals = append(arrivals, time.Now())
		case <-deadline:
			t.Fatalf("delivered %d/%d periodic messages", len(arrivals), count)
		}
	}

	devs := make([]time.Duration, 0, count-1)
	for i := 1; i < len(arrivals); i++ {
		d := arrivals[i].Sub(arrivals[i-1]) - period
		if d < 0 {
			d = -d
		}
		devs = append(devs, d)
	}
	sort.Slice(devs, func(i, j int) bool { return devs[i] < devs[j] })

	p95 := devs[len(devs)*95/100]
	if p95 > period/2 {
		t.Fatalf("p95 inter-arrival deviation %v exceeds %v at a %v period", p95, period/2, period)
	}
}
