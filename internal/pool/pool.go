package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"isobus-core/internal/can"
	"isobus-core/internal/claim"
	"isobus-core/internal/codec"
	"isobus-core/internal/models"
)

// ErrAllInterfacesFailed means zero bus connectivity. It is the only pool
// condition that surfaces as a hard failure to the surrounding application.
var ErrAllInterfacesFailed = errors.New("pool: all interfaces failed")

// ErrNoActivePrimary reports that no primary interface currently holds a
// claimed address for outbound traffic.
var ErrNoActivePrimary = errors.New("pool: no active primary interface")

// InterfaceConfig describes one channel the pool manages.
type InterfaceConfig struct {
	ID      string
	Channel string
	Bitrate int
	Role    models.Role
	Driver  string // "socketcan" or "virtual"
}

// Config is the pool's immutable configuration snapshot. Reconfiguration
// means building a new pool; nothing here is mutated after New.
type Config struct {
	Interfaces []InterfaceConfig

	HealthCheckInterval time.Duration
	FailoverTimeout     time.Duration
	ConnectTimeout      time.Duration
	RecvTimeout         time.Duration
	ClaimTimeout        time.Duration

	// MaxConnections bounds the merged-stream buffer per interface; the
	// pool sizes its output queue as MaxConnections * interface count.
	MaxConnections int
	FaultThreshold int

	// BaseName is the device identity; each interface packs its index
	// into the ECU-instance bits so claims stay distinct per channel.
	BaseName          models.NAMEFields
	AddressCandidates []uint8
}

func (c *Config) withDefaults() {
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = time.Second
	}
	if c.FailoverTimeout <= 0 {
		c.FailoverTimeout = 5 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.RecvTimeout <= 0 {
		c.RecvTimeout = 100 * time.Millisecond
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = 2 * time.Second
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = 256
	}
	if c.FaultThreshold <= 0 {
		c.FaultThreshold = can.DefaultFaultThreshold
	}
	if len(c.AddressCandidates) == 0 {
		// Self-configurable address range 128..247.
		for a := 128; a <= 247; a++ {
			c.AddressCandidates = append(c.AddressCandidates, uint8(a))
		}
	}
}

// Opener creates the driver for an interface. Tests substitute a virtual
// bus here.
type Opener func(ic InterfaceConfig, faultThreshold int) (can.Driver, error)

type eventKind int

const (
	evFault eventKind = iota
	evClaimDone
	evDisplaced
	evHealthHint
)

type event struct {
	kind    eventKind
	id      string
	err     error
	address uint8
	health  models.HealthState
	reason  string
}

// Pool owns the interface drivers, runs per-interface receive loops and a
// health-check loop, and exposes one merged decoded-message stream.
//
// The descriptor arena is mutated only by Start (before any loop runs) and
// by the health-check goroutine; Status hands out copies.
type Pool struct {
	cfg    Config
	codec  *codec.Codec
	opener Opener
	log    zerolog.Logger

	mu          sync.RWMutex
	descriptors []models.InterfaceDescriptor
	index       map[string]int
	drivers     map[string]can.Driver
	claims      map[string]*claim.Machine

	msgs   chan models.DecodedMessage
	events chan event
	stop   chan struct{}
	wg     sync.WaitGroup

	promotions atomic.Uint64
	received   atomic.Uint64
	decodeErrs atomic.Uint64
	dropped    atomic.Uint64

	started bool
}

// New builds a pool from an immutable config snapshot.
func New(cfg Config, cdc *codec.Codec, opener Opener, log zerolog.Logger) *Pool {
	cfg.withDefaults()
	return &Pool{
		cfg:     cfg,
		codec:   cdc,
		opener:  opener,
		log:     log.With().Str("component", "pool").Logger(),
		index:   make(map[string]int),
		drivers: make(map[string]can.Driver),
		claims:  make(map[string]*claim.Machine),
		msgs:    make(chan models.DecodedMessage, cfg.MaxConnections*max(1, len(cfg.Interfaces))),
		events:  make(chan event, 64),
		stop:    make(chan struct{}),
	}
}

// Start opens all primary interfaces, kicks off their address claims,
// launches receive loops and the health checker. Backups stay closed until
// a promotion needs them.
func (p *Pool) Start(ctx context.Context) error {
	if p.started {
		return errors.New("pool: already started")
	}
	p.started = true

	for _, ic := range p.cfg.Interfaces {
		p.index[ic.ID] = len(p.descriptors)
		p.descriptors = append(p.descriptors, models.InterfaceDescriptor{
			ID:      ic.ID,
			Channel: ic.Channel,
			Bitrate: ic.Bitrate,
			Role:    ic.Role,
			Health:  models.Healthy,
			Claim:   models.AddressClaim{Status: models.ClaimIdle},
		})
	}

	usable := 0
	for i, ic := range p.cfg.Interfaces {
		if ic.Role != models.RolePrimary {
			continue
		}
		if err := p.bringUp(ic, i); err != nil {
			p.log.Error().Err(err).Str("interface", ic.ID).Msg("failed to open primary interface")
			p.descriptors[i].Health = models.Failed
			p.descriptors[i].FailureReason = err.Error()
			continue
		}
		usable++
	}

	if usable == 0 {
		// No primary came up; promote backups immediately.
		for i, ic := range p.cfg.Interfaces {
			if ic.Role != models.RoleBackup {
				continue
			}
			if err := p.bringUp(ic, i); err != nil {
				p.descriptors[i].Health = models.Failed
				p.descriptors[i].FailureReason = err.Error()
				continue
			}
			p.descriptors[i].Role = models.RolePrimary
			p.promotions.Add(1)
			usable++
			break
		}
	}
	if usable == 0 {
		return fmt.Errorf("%w: none of %d configured interfaces opened", ErrAllInterfacesFailed, len(p.cfg.Interfaces))
	}

	p.wg.Add(1)
	go p.healthLoop()
	return nil
}

// bringUp opens a driver, starts its receive loop and launches its address
// claim in the background. Called from Start and from the health loop only.
func (p *Pool) bringUp(ic InterfaceConfig, idx int) error {
	drv, err := p.opener(ic, p.cfg.FaultThreshold)
	if err != nil {
		return err
	}

	fields := p.cfg.BaseName
	fields.ECUInstance = uint8(idx) & 0x7
	cm := claim.New(fields.Pack(), p.cfg.AddressCandidates, drv, p.codec, p.log)

	p.mu.Lock()
	p.drivers[ic.ID] = drv
	p.claims[ic.ID] = cm
	p.mu.Unlock()

	p.wg.Add(2)
	go p.recvLoop(ic.ID, drv, cm)
	go p.watchDisplacement(ic.ID, cm)
	p.runClaim(ic.ID, cm)
	return nil
}

// runClaim negotiates the address off the health loop's thread and reports
// the outcome as an event.
func (p *Pool) runClaim(id string, cm *claim.Machine) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ClaimTimeout)
		defer cancel()
		addr, err := cm.Run(ctx)
		select {
		case p.events <- event{kind: evClaimDone, id: id, address: addr, err: err}:
		case <-p.stop:
		}
	}()
}

func (p *Pool) watchDisplacement(id string, cm *claim.Machine) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		case <-cm.Displaced():
			select {
			case p.events <- event{kind: evDisplaced, id: id}:
			case <-p.stop:
				return
			}
		}
	}
}

// recvLoop drains one driver. Role never gates inbound acceptance: frames
// from backups and claim-pending interfaces flow to the merged stream the
// same as from the active primary.
func (p *Pool) recvLoop(id string, drv can.Driver, cm *claim.Machine) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		default:
		}

		frame, err := drv.Recv(p.cfg.RecvTimeout)
		if err != nil {
			switch {
			case errors.Is(err, can.ErrTimeout):
				continue
			case errors.Is(err, can.ErrNotOpen):
				p.notifyFault(id, err)
				return
			default:
				if drv.State() == models.DriverFaulted {
					p.notifyFault(id, err)
					return
				}
				p.log.Warn().Err(err).Str("interface", id).Msg("read error")
				continue
			}
		}

		msg, err := p.codec.Decode(frame)
		if err != nil {
			// Codec errors are recovered locally: counted, skipped.
			p.decodeErrs.Add(1)
			p.log.Debug().Err(err).Str("interface", id).Msg("undecodable frame")
			continue
		}
		msg.Interface = id

		if msg.PGN == codec.PGNAddressClaim {
			cm.Observe(msg)
		}

		select {
		case p.msgs <- msg:
			p.received.Add(1)
		default:
			// Never block the receive loop; a stalled consumer would
			// overflow the driver's own receive buffer instead.
			p.dropped.Add(1)
		}
	}
}

func (p *Pool) notifyFault(id string, err error) {
	select {
	case p.events <- event{kind: evFault, id: id, err: err}:
	case <-p.stop:
	}
}

// ReportHealthHint lets the link-stats collector grade an interface
// without touching the descriptor table itself; the health loop applies it.
func (p *Pool) ReportHealthHint(id string, health models.HealthState, reason string) {
	select {
	case p.events <- event{kind: evHealthHint, id: id, health: health, reason: reason}:
	case <-p.stop:
	}
}

// healthLoop is the sole writer of the descriptor arena after Start.
func (p *Pool) healthLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.checkDrivers()
		case ev := <-p.events:
			p.handleEvent(ev)
		}
	}
}

func (p *Pool) checkDrivers() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now().UTC()
	for id, drv := range p.drivers {
		idx := p.index[id]
		p.descriptors[idx].LastCheck = now

		if drv.State() != models.DriverFaulted {
			continue
		}
		if p.descriptors[idx].Health != models.Failed {
			p.failLocked(idx, "driver faulted")
			continue
		}

		// Already failed: attempt an explicit reset, the only legal
		// Faulted -> Open transition.
		if err := drv.Reset(); err != nil {
			p.log.Debug().Err(err).Str("interface", id).Msg("reset attempt failed")
			continue
		}
		p.log.Info().Str("interface", id).Msg("interface recovered, rejoining as backup")
		p.descriptors[idx].Health = models.Healthy
		p.descriptors[idx].Role = models.RoleBackup
		p.descriptors[idx].FailureReason = ""

		cm := p.claims[id]
		cm.Reset()
		p.wg.Add(1)
		go p.recvLoop(id, drv, cm)
		p.runClaim(id, cm)
	}
}

func (p *Pool) handleEvent(ev event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx, ok := p.index[ev.id]
	if !ok {
		return
	}

	switch ev.kind {
	case evFault:
		if p.descriptors[idx].Health != models.Failed {
			p.failLocked(idx, ev.err.Error())
		}

	case evClaimDone:
		if ev.err != nil {
			// Claim failure makes the interface unusable for traffic;
			// no automatic retry, the health loop re-arms on reset.
			p.log.Error().Err(ev.err).Str("interface", ev.id).Msg("address claim failed")
			p.failLocked(idx, fmt.Sprintf("address claim: %v", ev.err))
			return
		}
		p.descriptors[idx].Claim = p.claims[ev.id].Status()
		p.log.Info().Str("interface", ev.id).Uint8("address", ev.address).Msg("interface claimed bus address")

	case evDisplaced:
		p.descriptors[idx].Claim = p.claims[ev.id].Status()
		cm := p.claims[ev.id]
		cm.Reset()
		p.runClaim(ev.id, cm)

	case evHealthHint:
		// Stats-derived grade refines healthy/degraded, but never
		// resurrects a failed interface by itself.
		if p.descriptors[idx].Health == models.Failed {
			return
		}
		p.descriptors[idx].Health = ev.health
		p.descriptors[idx].FailureReason = ev.reason
		if ev.health == models.Failed {
			p.failLocked(idx, ev.reason)
		}
	}
}

// failLocked marks an interface failed and, for a primary, promotes the
// next healthy backup. Callers hold p.mu.
func (p *Pool) failLocked(idx int, reason string) {
	d := &p.descriptors[idx]
	wasPrimary := d.Role == models.RolePrimary
	d.Health = models.Failed
	d.FailureReason = reason
	p.log.Warn().Str("interface", d.ID).Str("reason", reason).Msg("interface failed")

	if !wasPrimary {
		return
	}
	for i := range p.descriptors {
		b := &p.descriptors[i]
		if b.Role != models.RoleBackup || b.Health == models.Failed {
			continue
		}
		if _, open := p.drivers[b.ID]; !open {
			ic := p.interfaceConfig(b.ID)
			if err := p.bringUpLocked(ic, i); err != nil {
				b.Health = models.Failed
				b.FailureReason = err.Error()
				continue
			}
		}
		b.Role = models.RolePrimary
		p.promotions.Add(1)
		p.log.Info().Str("interface", b.ID).Msg("backup promoted to primary")
		return
	}

	if p.healthyLocked() == 0 {
		p.log.Error().Msg(ErrAllInterfacesFailed.Error())
	}
}

// bringUpLocked is bringUp for callers already holding p.mu.
func (p *Pool) bringUpLocked(ic InterfaceConfig, idx int) error {
	drv, err := p.opener(ic, p.cfg.FaultThreshold)
	if err != nil {
		return err
	}
	fields := p.cfg.BaseName
	fields.ECUInstance = uint8(idx) & 0x7
	cm := claim.New(fields.Pack(), p.cfg.AddressCandidates, drv, p.codec, p.log)
	p.drivers[ic.ID] = drv
	p.claims[ic.ID] = cm
	p.wg.Add(2)
	go p.recvLoop(ic.ID, drv, cm)
	go p.watchDisplacement(ic.ID, cm)
	p.runClaim(ic.ID, cm)
	return nil
}

func (p *Pool) interfaceConfig(id string) InterfaceConfig {
	for _, ic := range p.cfg.Interfaces {
		if ic.ID == id {
			return ic
		}
	}
	return InterfaceConfig{ID: id}
}

func (p *Pool) healthyLocked() int {
	n := 0
	for _, d := range p.descriptors {
		if d.Health != models.Failed {
			n++
		}
	}
	return n
}

// Messages returns the merged decoded-message stream. Per-interface order
// is preserved; across interfaces ordering follows arrival at the pool.
func (p *Pool) Messages() <-chan models.DecodedMessage {
	return p.msgs
}

// Send transmits a message through the active primary interface. Role
// governs outbound only, and only an interface holding a claimed address
// may transmit.
func (p *Pool) Send(msg models.DecodedMessage) error {
	frame, err := p.codec.Encode(msg)
	if err != nil {
		return err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, d := range p.descriptors {
		if d.Role != models.RolePrimary || d.Health == models.Failed {
			continue
		}
		cm, ok := p.claims[d.ID]
		if !ok || cm.Status().Status != models.ClaimClaimed {
			continue
		}
		drv, ok := p.drivers[d.ID]
		if !ok {
			continue
		}
		return drv.Send(frame)
	}
	return ErrNoActivePrimary
}

// Status returns a copy-on-read snapshot of the pool.
func (p *Pool) Status() models.PoolStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	st := models.PoolStatus{
		Interfaces: make([]models.InterfaceDescriptor, len(p.descriptors)),
		Promotions: p.promotions.Load(),
		Received:   p.received.Load(),
		DecodeErrs: p.decodeErrs.Load(),
		TakenAt:    time.Now().UTC(),
	}
	copy(st.Interfaces, p.descriptors)
	for i := range st.Interfaces {
		if cm, ok := p.claims[st.Interfaces[i].ID]; ok {
			st.Interfaces[i].Claim = cm.Status()
		}
	}
	return st
}

// Dropped reports messages shed at the merge point because the consumer
// stalled.
func (p *Pool) Dropped() uint64 {
	return p.dropped.Load()
}

// Stop cancels all loops cooperatively and closes the drivers. Each
// receive loop finishes its in-flight Recv (bounded by RecvTimeout) before
// exiting; nothing is killed mid-I/O.
func (p *Pool) Stop() {
	select {
	case <-p.stop:
		return
	default:
	}
	close(p.stop)
	p.wg.Wait()

	p.mu.Lock()
	for id, drv := range p.drivers {
		if err := drv.Close(); err != nil {
			p.log.Warn().Err(err).Str("interface", id).Msg("close failed")
		}
	}
	p.mu.Unlock()
	close(p.msgs)
}
