package codec

import (
	"errors"
	"fmt"

	"isobus-core/internal/models"
)

// Recognized parameter group numbers.
const (
	PGNEngineTorque     = 61444 // EEC1
	PGNWheelSpeed       = 65215
	PGNDistanceTraveled = 65248
	PGNPTOStatus        = 65264
	PGNVehicleSpeed     = 65265 // CCVS
	PGNGNSSPosition     = 65267
	PGNYieldMonitor     = 65280 // proprietary B
	PGNMoistureSensor   = 65281 // proprietary B
	PGNAddressClaim     = 60928
)

var (
	// ErrMalformed reports a frame that violates the wire format: DLC > 8
	// or an identifier inconsistent with its extended flag.
	ErrMalformed = errors.New("codec: malformed frame")

	// ErrUnrecognizedPGN is returned in strict mode only. In default mode
	// unrecognized parameter groups decode to an Unknown payload instead,
	// so no bus traffic is silently lost.
	ErrUnrecognizedPGN = errors.New("codec: unrecognized PGN")
)

type decodeFunc func(data [8]byte, dlc uint8) models.Payload

// Codec translates between raw CAN frames and decoded agricultural
// messages. It is stateless after construction and safe for concurrent use.
type Codec struct {
	strict   bool
	decoders map[uint32]decodeFunc
}

// DefaultPGNs returns the full recognized agricultural PGN set.
func DefaultPGNs() []uint32 {
	return []uint32{
		PGNEngineTorque,
		PGNWheelSpeed,
		PGNDistanceTraveled,
		PGNPTOStatus,
		PGNVehicleSpeed,
		PGNGNSSPosition,
		PGNYieldMonitor,
		PGNMoistureSensor,
		PGNAddressClaim,
	}
}

// New builds a codec recognizing the given PGN set. A nil or empty set
// recognizes all known parameter groups. The dispatch table is built once
// here, never at decode time. Address claim (PGN 60928) is part of the bus
// protocol itself, not telemetry, so it is always decoded no matter what
// set the caller configures; arbitration must see competing claims.
func New(strict bool, pgns []uint32) *Codec {
	if len(pgns) == 0 {
		pgns = DefaultPGNs()
	}
	decoders := make(map[uint32]decodeFunc, len(pgns)+1)
	for _, pgn := range pgns {
		if fn, ok := payloadDecoders[pgn]; ok {
			decoders[pgn] = fn
		}
	}
	decoders[PGNAddressClaim] = payloadDecoders[PGNAddressClaim]
	return &Codec{strict: strict, decoders: decoders}
}

// Decode derives a DecodedMessage from a wire frame. It is a pure function:
// no I/O, no mutation of the input.
//
// J1939 29-bit identifier layout: priority bits 26-28, EDP/DP bits 24-25,
// PDU format bits 16-23, PDU specific bits 8-15, source address bits 0-7.
// PDU1 (PF < 240): PS is the destination address and the PGN excludes it.
// PDU2 (PF >= 240): PS folds into the PGN and the message is broadcast.
func (c *Codec) Decode(frame models.CANFrame) (models.DecodedMessage, error) {
	if err := frame.Validate(); err != nil {
		return models.DecodedMessage{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if !frame.Extended {
		// Not a J1939 identifier. Standard frames pass through raw so
		// upstream consumers still see them.
		if c.strict {
			return models.DecodedMessage{}, fmt.Errorf("%w: standard identifier 0x%X", ErrUnrecognizedPGN, frame.ID)
		}
		return models.DecodedMessage{
			RawID:     frame.ID,
			Extended:  false,
			DLC:       frame.DLC,
			Data:      frame.Data,
			Payload:   models.Unknown{Raw: frame.Data[:frame.DLC]},
			Timestamp: frame.Timestamp,
		}, nil
	}

	priority := uint8(frame.ID>>26) & 0x7
	edpdp := (frame.ID >> 24) & 0x3
	pf := (frame.ID >> 16) & 0xFF
	ps := uint8(frame.ID >> 8)
	sa := uint8(frame.ID)

	pgn := edpdp<<16 | pf<<8
	dst := models.Broadcast
	if pf < 240 {
		dst = ps
	} else {
		pgn |= uint32(ps)
	}

	msg := models.DecodedMessage{
		PGN:         pgn,
		Priority:    priority,
		Source:      sa,
		Destination: dst,
		DLC:         frame.DLC,
		Data:        frame.Data,
		Timestamp:   frame.Timestamp,
		Extended:    true,
	}

	decode, ok := c.decoders[pgn]
	if !ok {
		if c.strict {
			return models.DecodedMessage{}, fmt.Errorf("%w: %d", ErrUnrecognizedPGN, pgn)
		}
		msg.Payload = models.Unknown{Raw: frame.Data[:frame.DLC]}
		return msg, nil
	}
	msg.Payload = decode(frame.Data, frame.DLC)
	return msg, nil
}

// Encode reconstructs the wire frame for a decoded message. For any frame
// accepted by Decode, Encode(Decode(f)) == f.
func (c *Codec) Encode(msg models.DecodedMessage) (models.CANFrame, error) {
	if msg.DLC > 8 {
		return models.CANFrame{}, fmt.Errorf("%w: DLC %d", ErrMalformed, msg.DLC)
	}

	frame := models.CANFrame{
		Extended:  msg.Extended,
		DLC:       msg.DLC,
		Data:      msg.Data,
		Timestamp: msg.Timestamp,
	}

	if !msg.Extended {
		frame.ID = msg.RawID
		return frame, frame.Validate()
	}

	if msg.PGN > 0x3FFFF {
		return models.CANFrame{}, fmt.Errorf("%w: PGN %d exceeds 18 bits", ErrMalformed, msg.PGN)
	}
	pf := (msg.PGN >> 8) & 0xFF
	ps := uint8(msg.PGN)
	if pf < 240 {
		ps = msg.Destination
	}
	frame.ID = uint32(msg.Priority&0x7)<<26 |
		(msg.PGN>>16)<<24 |
		pf<<16 |
		uint32(ps)<<8 |
		uint32(msg.Source)
	return frame, frame.Validate()
}

// Recognizes reports whether the codec has a typed decoder for the PGN.
func (c *Codec) Recognizes(pgn uint32) bool {
	_, ok := c.decoders[pgn]
	return ok
}
