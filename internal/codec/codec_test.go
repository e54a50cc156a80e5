package codec

import (
	"errors"
	"math/rand"
	"testing"

	"isobus-core/internal/models"
)

func extID(priority uint8, pgn uint32, dst, src uint8) uint32 {
	pf := (pgn >> 8) & 0xFF
	ps := uint8(pgn)
	if pf < 240 {
		ps = dst
	}
	return uint32(priority&0x7)<<26 | (pgn>>16)<<24 | pf<<16 | uint32(ps)<<8 | uint32(src)
}

func TestDecodeVehicleSpeed(t *testing.T) {
	c := New(false, nil)

	frame := models.CANFrame{
		ID:       extID(6, PGNVehicleSpeed, 0xFF, 0x28),
		Extended: true,
		DLC:      8,
		Data:     [8]byte{0x00, 0x00, 0x28, 0x00, 0x00, 0x00, 0x00, 0x00}, // 0x2800/256 = 40 km/h
	}

	msg, err := c.Decode(frame)
	if err != nil {
		t.Fatalf("decode returned error: %v", err)
	}
	if msg.PGN != PGNVehicleSpeed {
		t.Fatalf("expected PGN %d, got %d", PGNVehicleSpeed, msg.PGN)
	}
	if msg.Priority != 6 {
		t.Fatalf("expected priority 6, got %d", msg.Priority)
	}
	if msg.Source != 0x28 {
		t.Fatalf("expected source 0x28, got 0x%X", msg.Source)
	}
	if msg.Destination != models.Broadcast {
		t.Fatalf("PDU2 message must be broadcast, got 0x%X", msg.Destination)
	}
	speed, ok := msg.Payload.(models.VehicleSpeed)
	if !ok {
		t.Fatalf("expected VehicleSpeed payload, got %T", msg.Payload)
	}
	if speed.SpeedKph != 40 {
		t.Fatalf("expected 40 km/h, got %f", speed.SpeedKph)
	}
}

func TestDecodePDU1Destination(t *testing.T) {
	c := New(false, nil)

	// Address claim (PF 0xEE < 240) carries the destination in PS.
	name := models.NAME(0x00A0_1234_5678_9ABC)
	data := name.Bytes()
	frame := models.CANFrame{
		ID:       extID(6, PGNAddressClaim, 0xFF, 0x80),
		Extended: true,
		DLC:      8,
		Data:     data,
	}

	msg, err := c.Decode(frame)
	if err != nil {
		t.Fatalf("decode returned error: %v", err)
	}
	if msg.PGN != PGNAddressClaim {
		t.Fatalf("expected PGN %d, got %d", PGNAddressClaim, msg.PGN)
	}
	if msg.Destination != 0xFF {
		t.Fatalf("expected destination 0xFF, got 0x%X", msg.Destination)
	}
	claim, ok := msg.Payload.(models.AddressClaimed)
	if !ok {
		t.Fatalf("expected AddressClaimed payload, got %T", msg.Payload)
	}
	if claim.Name != name {
		t.Fatalf("expected NAME %X, got %X", uint64(name), uint64(claim.Name))
	}
}

func TestDecodePayloads(t *testing.T) {
	c := New(false, nil)

	cases := []struct {
		name string
		pgn  uint32
		data [8]byte
		want models.PayloadKind
	}{
		{"wheel speed", PGNWheelSpeed, [8]byte{0x00, 0x10}, models.KindWheelSpeed},
		{"distance", PGNDistanceTraveled, [8]byte{8, 0, 0, 0, 16, 0, 0, 0}, models.KindDistanceTraveled},
		{"engine torque", PGNEngineTorque, [8]byte{0, 0, 150, 0x40, 0x1F}, models.KindEngineTorque},
		{"pto", PGNPTOStatus, [8]byte{0, 0x10, 0x27, 0, 0, 0x01}, models.KindPTOStatus},
		{"gnss", PGNGNSSPosition, [8]byte{0x00, 0x94, 0x35, 0x77, 0x00, 0x94, 0x35, 0x77}, models.KindGNSSPosition},
		{"yield", PGNYieldMonitor, [8]byte{0xE8, 0x03, 0x10, 0x27, 0, 0}, models.KindYieldMonitor},
		{"moisture", PGNMoistureSensor, [8]byte{0xDC, 0x05, 62}, models.KindMoistureSensor},
	}

	for _, tc := range cases {
		frame := models.CANFrame{
			ID:       extID(3, tc.pgn, 0xFF, 0x17),
			Extended: true,
			DLC:      8,
			Data:     tc.data,
		}
		msg, err := c.Decode(frame)
		if err != nil {
			t.Fatalf("%s: decode returned error: %v", tc.name, err)
		}
		if msg.Payload.Kind() != tc.want {
			t.Fatalf("%s: expected kind %v, got %v", tc.name, tc.want, msg.Payload.Kind())
		}
	}
}

func TestDecodeUnknownPassThrough(t *testing.T) {
	c := New(false, nil)

	frame := models.CANFrame{
		ID:       extID(7, 0xFD00, 0xFF, 0x01), // not in the recognized set
		Extended: true,
		DLC:      4,
		Data:     [8]byte{0xDE, 0xAD, 0xBE, 0xEF},
	}

	msg, err := c.Decode(frame)
	if err != nil {
		t.Fatalf("default mode must not error on unknown PGN: %v", err)
	}
	raw, ok := msg.Payload.(models.Unknown)
	if !ok {
		t.Fatalf("expected Unknown payload, got %T", msg.Payload)
	}
	if len(raw.Raw) != 4 {
		t.Fatalf("expected 4 raw bytes, got %d", len(raw.Raw))
	}
}

func TestDecodeStrictMode(t *testing.T) {
	c := New(true, []uint32{PGNVehicleSpeed})

	frame := models.CANFrame{
		ID:       extID(7, 0xFD00, 0xFF, 0x01),
		Extended: true,
		DLC:      8,
	}
	if _, err := c.Decode(frame); !errors.Is(err, ErrUnrecognizedPGN) {
		t.Fatalf("expected ErrUnrecognizedPGN, got %v", err)
	}
}

func TestDecodeMalformed(t *testing.T) {
	c := New(false, nil)

	cases := []struct {
		name  string
		frame models.CANFrame
	}{
		{"dlc over 8", models.CANFrame{ID: 0x18FEF128, Extended: true, DLC: 9}},
		{"std id too wide", models.CANFrame{ID: 0x800, Extended: false, DLC: 1}},
		{"ext id too wide", models.CANFrame{ID: 0x20000000, Extended: true, DLC: 1}},
	}
	for _, tc := range cases {
		if _, err := c.Decode(tc.frame); !errors.Is(err, ErrMalformed) {
			t.Fatalf("%s: expected ErrMalformed, got %v", tc.name, err)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	c := New(false, nil)
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 2000; i++ {
		frame := models.CANFrame{
			Extended: rng.Intn(4) != 0,
			DLC:      uint8(rng.Intn(9)),
		}
		if frame.Extended {
			frame.ID = rng.Uint32() & models.MaxExtID
		} else {
			frame.ID = rng.Uint32() & models.MaxStdID
		}
		for j := range frame.Data {
			frame.Data[j] = byte(rng.Intn(256))
		}

		msg, err := c.Decode(frame)
		if err != nil {
			t.Fatalf("frame %d: decode returned error: %v", i, err)
		}
		got, err := c.Encode(msg)
		if err != nil {
			t.Fatalf("frame %d: encode returned error: %v", i, err)
		}
		if got != frame {
			t.Fatalf("frame %d: round trip mismatch\n in: %+v\nout: %+v", i, frame, got)
		}
	}
}

func TestAddressClaimDecodedRegardlessOfPGNSet(t *testing.T) {
	// A narrowed recognition set must not disable claim arbitration.
	c := New(false, []uint32{PGNVehicleSpeed})

	name := models.NAME(0x00A0_1234_5678_9ABC)
	frame := models.CANFrame{
		ID:       extID(6, PGNAddressClaim, 0xFF, 0x80),
		Extended: true,
		DLC:      8,
		Data:     name.Bytes(),
	}

	msg, err := c.Decode(frame)
	if err != nil {
		t.Fatalf("decode returned error: %v", err)
	}
	claim, ok := msg.Payload.(models.AddressClaimed)
	if !ok {
		t.Fatalf("expected AddressClaimed payload, got %T", msg.Payload)
	}
	if claim.Name != name {
		t.Fatalf("expected NAME 0x%X, got 0x%X", uint64(name), uint64(claim.Name))
	}
	if !c.Recognizes(PGNAddressClaim) {
		t.Fatal("claim PGN must always be recognized")
	}
}
