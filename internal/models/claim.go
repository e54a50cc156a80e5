package models

import (
	"encoding/binary"
	"time"
)

// NAME is the 64-bit J1939 identity value used to arbitrate bus address
// ownership. A numerically lower NAME has higher claim priority.
type NAME uint64

// NAMEFields are the identity components packed into a NAME.
type NAMEFields struct {
	IdentityNumber   uint32 // 21 bits
	ManufacturerCode uint16 // 11 bits
	ECUInstance      uint8  // 3 bits
	FunctionInstance uint8  // 5 bits
	Function         uint8  // 8 bits
	VehicleSystem    uint8  // 7 bits
	IndustryGroup    uint8  // 3 bits (2 = agricultural)
	SelfConfigurable bool
}

// Pack assembles the 64-bit NAME per the J1939-81 bit layout.
func (f NAMEFields) Pack() NAME {
	var n uint64
	n |= uint64(f.IdentityNumber) & 0x1FFFFF
	n |= (uint64(f.ManufacturerCode) & 0x7FF) << 21
	n |= (uint64(f.ECUInstance) & 0x7) << 32
	n |= (uint64(f.FunctionInstance) & 0x1F) << 35
	n |= (uint64(f.Function) & 0xFF) << 40
	n |= (uint64(f.VehicleSystem) & 0x7F) << 49
	n |= (uint64(f.IndustryGroup) & 0x7) << 60
	if f.SelfConfigurable {
		n |= 1 << 63
	}
	return NAME(n)
}

// Bytes returns the NAME in wire order (little-endian) for the claim payload.
func (n NAME) Bytes() [8]byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(n))
	return b
}

// NAMEFromBytes reads a NAME from an 8-byte claim payload.
func NAMEFromBytes(b []byte) NAME {
	return NAME(binary.LittleEndian.Uint64(b))
}

// ClaimStatus is the lifecycle state of an address claim.
type ClaimStatus string

const (
	ClaimIdle     ClaimStatus = "idle"
	ClaimClaiming ClaimStatus = "claiming"
	ClaimClaimed  ClaimStatus = "claimed"
	ClaimConflict ClaimStatus = "conflict"
	ClaimFailed   ClaimStatus = "failed"
)

// AddressClaim records one interface's negotiation for a bus address.
// It is mutated only by the claim state machine.
type AddressClaim struct {
	Name      NAME
	Address   uint8
	Status    ClaimStatus
	StartedAt time.Time
}
