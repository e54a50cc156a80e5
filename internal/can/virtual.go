package can

import (
	"fmt"
	"sync"
	"time"

	"isobus-core/internal/models"
)

// VirtualBus is an in-memory CAN bus. Every endpoint opened from the same
// bus sees frames sent by the others, which makes it the simulation harness
// for claim, failover and end-to-end tests, and a stand-in for vcan when no
// kernel interface is available.
type VirtualBus struct {
	mu        sync.RWMutex
	closed    bool
	endpoints map[*VirtualDriver]struct{}
}

// NewVirtualBus creates an empty bus.
func NewVirtualBus() *VirtualBus {
	return &VirtualBus{endpoints: make(map[*VirtualDriver]struct{})}
}

// Open attaches a new endpoint to the bus.
func (b *VirtualBus) Open(channel string, faultThreshold int) *VirtualDriver {
	d := &VirtualDriver{
		bus:     b,
		channel: channel,
		ch:      make(chan models.CANFrame, 256),
		state:   models.DriverOpen,
		faults:  newFaultCounter(faultThreshold),
	}
	b.mu.Lock()
	if b.closed {
		d.state = models.DriverClosed
	} else {
		b.endpoints[d] = struct{}{}
	}
	b.mu.Unlock()
	return d
}

// Close detaches all endpoints.
func (b *VirtualBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for d := range b.endpoints {
		d.mu.Lock()
		d.state = models.DriverClosed
		d.mu.Unlock()
	}
	b.endpoints = nil
	return nil
}

// VirtualDriver is one endpoint on a VirtualBus implementing Driver.
type VirtualDriver struct {
	bus     *VirtualBus
	channel string
	ch      chan models.CANFrame

	mu        sync.Mutex
	state     models.DriverState
	faults    faultCounter
	failReads int  // pending injected read failures
	dead      bool // killed endpoints stay down through Reset
}

// Recv waits up to timeout for the next frame on this endpoint.
func (d *VirtualDriver) Recv(timeout time.Duration) (models.CANFrame, error) {
	d.mu.Lock()
	if d.state != models.DriverOpen {
		d.mu.Unlock()
		return models.CANFrame{}, ErrNotOpen
	}
	if d.failReads > 0 {
		d.failReads--
		if d.faults.fail() {
			d.state = models.DriverFaulted
		}
		d.mu.Unlock()
		return models.CANFrame{}, fmt.Errorf("%w: injected read failure", ErrIOFailure)
	}
	d.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case frame := <-d.ch:
		d.mu.Lock()
		d.faults.ok()
		d.mu.Unlock()
		if frame.Timestamp.IsZero() {
			frame.Timestamp = time.Now().UTC()
		}
		return frame, nil
	case <-timer.C:
		return models.CANFrame{}, ErrTimeout
	}
}

// Send broadcasts the frame to every other open endpoint on the bus. Slow
// endpoints with a full queue drop the frame, matching a saturated
// controller receive buffer.
func (d *VirtualDriver) Send(frame models.CANFrame) error {
	if err := frame.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	d.mu.Lock()
	if d.state != models.DriverOpen {
		d.mu.Unlock()
		return ErrNotOpen
	}
	d.mu.Unlock()

	d.bus.mu.RLock()
	if d.bus.closed {
		d.bus.mu.RUnlock()
		return fmt.Errorf("%w: bus closed", ErrIOFailure)
	}
	targets := make([]*VirtualDriver, 0, len(d.bus.endpoints))
	for ep := range d.bus.endpoints {
		if ep != d {
			targets = append(targets, ep)
		}
	}
	d.bus.mu.RUnlock()

	if frame.Timestamp.IsZero() {
		frame.Timestamp = time.Now().UTC()
	}
	for _, t := range targets {
		select {
		case t.ch <- frame:
		default:
		}
	}
	return nil
}

// Inject queues a frame directly on this endpoint's receive queue,
// bypassing the bus. Test hook for deterministic arrival.
func (d *VirtualDriver) Inject(frame models.CANFrame) {
	select {
	case d.ch <- frame:
	default:
	}
}

// FailReads makes the next n Recv calls fail with ErrIOFailure, counting
// toward the fault threshold. Test hook for simulating a dying channel.
func (d *VirtualDriver) FailReads(n int) {
	d.mu.Lock()
	d.failReads += n
	d.mu.Unlock()
}

// Kill forces the endpoint into Faulted and keeps it there: Reset fails
// until Revive. Test hook for simulating a dead transceiver.
func (d *VirtualDriver) Kill() {
	d.mu.Lock()
	d.state = models.DriverFaulted
	d.dead = true
	d.mu.Unlock()
}

// Revive allows a killed endpoint to be Reset again.
func (d *VirtualDriver) Revive() {
	d.mu.Lock()
	d.dead = false
	d.mu.Unlock()
}

// State returns the driver lifecycle state.
func (d *VirtualDriver) State() models.DriverState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Reset recovers the endpoint to Open and clears pending failures.
func (d *VirtualDriver) Reset() error {
	d.bus.mu.RLock()
	closed := d.bus.closed
	d.bus.mu.RUnlock()
	if closed {
		return fmt.Errorf("%w: bus closed", ErrIOFailure)
	}
	d.mu.Lock()
	if d.dead {
		d.mu.Unlock()
		return fmt.Errorf("%w: device down", ErrIOFailure)
	}
	d.state = models.DriverOpen
	d.faults.ok()
	d.failReads = 0
	d.mu.Unlock()
	return nil
}

// Channel returns the channel name given at Open.
func (d *VirtualDriver) Channel() string {
	return d.channel
}

// Close detaches the endpoint from the bus.
func (d *VirtualDriver) Close() error {
	d.bus.mu.Lock()
	if d.bus.endpoints != nil {
		delete(d.bus.endpoints, d)
	}
	d.bus.mu.Unlock()
	d.mu.Lock()
	d.state = models.DriverClosed
	d.mu.Unlock()
	return nil
}
