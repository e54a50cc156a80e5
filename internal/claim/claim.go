package claim

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"isobus-core/internal/can"
	"isobus-core/internal/codec"
	"isobus-core/internal/models"
)

const (
	// ClaimWindow is how long a claim listens for a competing claim on the
	// same address before considering it won (J1939-81 250 ms).
	ClaimWindow = 250 * time.Millisecond

	// maxBackoff bounds the randomized retry delay after losing a claim.
	maxBackoff = 250 * time.Millisecond
)

var (
	// ErrNoAddressAvailable reports that every candidate address was
	// claimed by a higher-priority NAME. The interface is unusable until
	// the pool explicitly re-arms the machine.
	ErrNoAddressAvailable = errors.New("claim: no address available")

	// ErrTimeout reports that claiming did not resolve within the
	// caller's deadline.
	ErrTimeout = errors.New("claim: timed out")
)

// Machine negotiates a bus address for one interface's NAME.
//
// States: Idle -> Claiming -> Claimed, with Claiming -> Conflict ->
// Claiming on a lost claim (randomized backoff, next candidate) and
// Claimed -> Conflict when a higher-priority NAME later takes the address.
type Machine struct {
	name       models.NAME
	candidates []uint8
	driver     can.Driver
	codec      *codec.Codec
	log        zerolog.Logger

	mu     sync.Mutex
	record models.AddressClaim

	competing chan models.DecodedMessage
	displaced chan struct{}
}

// New builds a claim machine in the Idle state. candidates is the ordered
// preference list of bus addresses to try.
func New(name models.NAME, candidates []uint8, drv can.Driver, cdc *codec.Codec, log zerolog.Logger) *Machine {
	return &Machine{
		name:       name,
		candidates: candidates,
		driver:     drv,
		codec:      cdc,
		log:        log.With().Str("component", "claim").Str("channel", drv.Channel()).Logger(),
		record:     models.AddressClaim{Name: name, Status: models.ClaimIdle},
		competing:  make(chan models.DecodedMessage, 16),
		displaced:  make(chan struct{}, 1),
	}
}

// Observe feeds an address-claim message seen on the bus into the machine.
// The pool routes every PGN 60928 here; anything else is ignored. Never
// blocks the receive path.
func (m *Machine) Observe(msg models.DecodedMessage) {
	claimed, ok := msg.Payload.(models.AddressClaimed)
	if !ok || claimed.Name == m.name {
		return
	}

	m.mu.Lock()
	status := m.record.Status
	addr := m.record.Address
	m.mu.Unlock()

	if status == models.ClaimClaimed && msg.Source == addr {
		if claimed.Name < m.name {
			// Displaced by a higher-priority NAME.
			m.setStatus(models.ClaimConflict)
			select {
			case m.displaced <- struct{}{}:
			default:
			}
			m.log.Warn().Uint8("address", addr).Uint64("competitor", uint64(claimed.Name)).Msg("address lost to higher-priority NAME")
		} else {
			// Lower priority challenger: defend the address.
			if err := m.sendClaim(addr); err != nil {
				m.log.Error().Err(err).Msg("failed to defend address claim")
			}
		}
		return
	}

	select {
	case m.competing <- msg:
	default:
	}
}

// Displaced signals that a claimed address was lost and the machine needs
// to be re-run.
func (m *Machine) Displaced() <-chan struct{} {
	return m.displaced
}

// Status returns a copy of the claim record.
func (m *Machine) Status() models.AddressClaim {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record
}

// Run executes the claim protocol and returns the claimed address. The
// caller bounds the whole negotiation through ctx; on a live bus the claim
// resolves well inside two seconds.
func (m *Machine) Run(ctx context.Context) (uint8, error) {
	m.mu.Lock()
	m.record.Status = models.ClaimClaiming
	m.record.StartedAt = time.Now().UTC()
	m.mu.Unlock()

	for _, candidate := range m.candidates {
		addr, won, err := m.tryAddress(ctx, candidate)
		if err != nil {
			m.setStatus(models.ClaimFailed)
			return 0, err
		}
		if won {
			m.mu.Lock()
			m.record.Status = models.ClaimClaimed
			m.record.Address = addr
			m.mu.Unlock()
			m.log.Info().Uint8("address", addr).Msg("address claimed")
			return addr, nil
		}

		// Lost to a higher-priority NAME: back off before the next
		// candidate to avoid flooding the bus.
		m.setStatus(models.ClaimConflict)
		backoff := time.Duration(rand.Int63n(int64(maxBackoff)))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			m.setStatus(models.ClaimFailed)
			return 0, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		}
		m.setStatus(models.ClaimClaiming)
	}

	m.setStatus(models.ClaimFailed)
	return 0, ErrNoAddressAvailable
}

// tryAddress broadcasts a claim for one candidate and listens through the
// claim window. won=false means a higher-priority NAME holds the address.
func (m *Machine) tryAddress(ctx context.Context, candidate uint8) (uint8, bool, error) {
	if err := m.sendClaim(candidate); err != nil {
		return 0, false, err
	}

	deadline := time.NewTimer(ClaimWindow)
	defer deadline.Stop()

	for {
		select {
		case msg := <-m.competing:
			claimed, ok := msg.Payload.(models.AddressClaimed)
			if !ok || msg.Source != candidate {
				continue
			}
			if claimed.Name < m.name {
				m.log.Debug().Uint8("address", candidate).Uint64("competitor", uint64(claimed.Name)).Msg("lost claim")
				return 0, false, nil
			}
			// We outrank the competitor: restate the claim and keep
			// waiting out the window.
			if err := m.sendClaim(candidate); err != nil {
				return 0, false, err
			}
		case <-deadline.C:
			return candidate, true, nil
		case <-ctx.Done():
			return 0, false, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		}
	}
}

// sendClaim broadcasts PGN 60928 with our NAME from the given source
// address.
func (m *Machine) sendClaim(addr uint8) error {
	msg := models.DecodedMessage{
		PGN:         codec.PGNAddressClaim,
		Priority:    6,
		Source:      addr,
		Destination: models.Broadcast,
		DLC:         8,
		Data:        m.name.Bytes(),
		Extended:    true,
	}
	frame, err := m.codec.Encode(msg)
	if err != nil {
		return err
	}
	return m.driver.Send(frame)
}

func (m *Machine) setStatus(s models.ClaimStatus) {
	m.mu.Lock()
	m.record.Status = s
	m.mu.Unlock()
}

// Reset re-arms a Failed or Conflicted machine back to Idle. The pool
// calls this after an external cooldown; the machine never retries on its
// own to avoid bus flooding.
func (m *Machine) Reset() {
	m.mu.Lock()
	m.record = models.AddressClaim{Name: m.name, Status: models.ClaimIdle}
	m.mu.Unlock()
	// Drain any stale observations.
	for {
		select {
		case <-m.competing:
		default:
			return
		}
	}
}
