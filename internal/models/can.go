package models

import (
	"fmt"
	"time"
)

// Broadcast is the J1939 global destination address.
const Broadcast uint8 = 0xFF

// CANFrame represents a classic CAN 2.0 frame as read off the wire.
// It is immutable once received.
type CANFrame struct {
	ID        uint32 // 11-bit (standard) or 29-bit (extended) identifier
	Extended  bool   // true for a 29-bit identifier
	DLC       uint8  // 0..8
	Data      [8]byte
	Timestamp time.Time
}

// Validation limits for arbitration identifiers.
const (
	MaxStdID = 0x7FF
	MaxExtID = 0x1FFFFFFF
)

// Validate returns an error if the frame violates CAN 2.0 limits.
func (f CANFrame) Validate() error {
	if f.DLC > 8 {
		return fmt.Errorf("invalid DLC %d", f.DLC)
	}
	if f.Extended {
		if f.ID > MaxExtID {
			return fmt.Errorf("extended identifier 0x%X exceeds 29 bits", f.ID)
		}
	} else if f.ID > MaxStdID {
		return fmt.Errorf("standard identifier 0x%X exceeds 11 bits", f.ID)
	}
	return nil
}

// DecodedMessage is a typed agricultural message derived from a CANFrame.
// For J1939 (extended) frames the identifier fields are broken out; standard
// frames pass through with RawID preserved so they re-encode byte-identical.
type DecodedMessage struct {
	PGN         uint32 // 18-bit parameter group number
	Priority    uint8  // 3 bits
	Source      uint8
	Destination uint8 // 0xFF = broadcast
	DLC         uint8
	Data        [8]byte
	Payload     Payload
	Timestamp   time.Time
	Interface   string // id of the interface that received the frame

	// Extended is false for non-J1939 standard frames, which are carried
	// as raw pass-through with RawID holding the 11-bit identifier.
	Extended bool
	RawID    uint32
}

// Bytes returns the payload truncated to the frame's DLC.
func (m DecodedMessage) Bytes() []byte {
	return m.Data[:m.DLC]
}
