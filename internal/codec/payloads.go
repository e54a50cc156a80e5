package codec

import (
	"encoding/binary"

	"isobus-core/internal/models"
)

// payloadDecoders maps each known PGN to its field extractor. Scaling
// factors follow SAE J1939-71; the proprietary-B groups follow the yield
// and moisture sensor layouts used across the fleet.
var payloadDecoders = map[uint32]decodeFunc{
	PGNVehicleSpeed:     decodeVehicleSpeed,
	PGNWheelSpeed:       decodeWheelSpeed,
	PGNDistanceTraveled: decodeDistance,
	PGNEngineTorque:     decodeEngineTorque,
	PGNPTOStatus:        decodePTO,
	PGNGNSSPosition:     decodeGNSS,
	PGNYieldMonitor:     decodeYield,
	PGNMoistureSensor:   decodeMoisture,
	PGNAddressClaim:     decodeAddressClaim,
}

func u16(b []byte) uint16 { return binary.LittleEndian.Uint16(b) }
func u32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }

func decodeVehicleSpeed(data [8]byte, dlc uint8) models.Payload {
	if dlc < 3 {
		return models.Unknown{Raw: data[:dlc]}
	}
	// SPN 84, bytes 2-3, 1/256 km/h per bit.
	return models.VehicleSpeed{SpeedKph: float64(u16(data[1:3])) / 256}
}

func decodeWheelSpeed(data [8]byte, dlc uint8) models.Payload {
	if dlc < 2 {
		return models.Unknown{Raw: data[:dlc]}
	}
	return models.WheelSpeed{FrontAxleKph: float64(u16(data[0:2])) / 256}
}

func decodeDistance(data [8]byte, dlc uint8) models.Payload {
	if dlc < 8 {
		return models.Unknown{Raw: data[:dlc]}
	}
	return models.DistanceTraveled{
		TripKm:  float64(u32(data[0:4])) * 0.125,
		TotalKm: float64(u32(data[4:8])) * 0.125,
	}
}

func decodeEngineTorque(data [8]byte, dlc uint8) models.Payload {
	if dlc < 5 {
		return models.Unknown{Raw: data[:dlc]}
	}
	return models.EngineTorque{
		PercentTorque: int16(data[2]) - 125,
		EngineRPM:     float64(u16(data[3:5])) * 0.125,
	}
}

func decodePTO(data [8]byte, dlc uint8) models.Payload {
	if dlc < 6 {
		return models.Unknown{Raw: data[:dlc]}
	}
	return models.PTOStatus{
		SpeedRPM: float64(u16(data[1:3])) * 0.125,
		Engaged:  data[5]&0x3 == 0x1,
	}
}

func decodeGNSS(data [8]byte, dlc uint8) models.Payload {
	if dlc < 8 {
		return models.Unknown{Raw: data[:dlc]}
	}
	return models.GNSSPosition{
		Latitude:  float64(u32(data[0:4]))*1e-7 - 210,
		Longitude: float64(u32(data[4:8]))*1e-7 - 210,
	}
}

func decodeYield(data [8]byte, dlc uint8) models.Payload {
	if dlc < 6 {
		return models.Unknown{Raw: data[:dlc]}
	}
	return models.YieldMonitor{
		FlowKgPerS: float64(u16(data[0:2])) * 0.01,
		TotalKg:    float64(u32(data[2:6])),
	}
}

func decodeMoisture(data [8]byte, dlc uint8) models.Payload {
	if dlc < 3 {
		return models.Unknown{Raw: data[:dlc]}
	}
	return models.MoistureSensor{
		MoisturePct: float64(u16(data[0:2])) * 0.01,
		TempC:       int16(data[2]) - 40,
	}
}

func decodeAddressClaim(data [8]byte, dlc uint8) models.Payload {
	if dlc < 8 {
		return models.Unknown{Raw: data[:dlc]}
	}
	return models.AddressClaimed{Name: models.NAMEFromBytes(data[:8])}
}
