package models

// Payload is the decoded body of a recognized parameter group. Exactly one
// concrete type exists per recognized PGN, plus Unknown for pass-through.
type Payload interface {
	Kind() PayloadKind
}

// PayloadKind discriminates the payload variants.
type PayloadKind uint8

const (
	KindUnknown PayloadKind = iota
	KindVehicleSpeed
	KindWheelSpeed
	KindDistanceTraveled
	KindEngineTorque
	KindPTOStatus
	KindGNSSPosition
	KindYieldMonitor
	KindMoistureSensor
	KindAddressClaim
)

func (k PayloadKind) String() string {
	switch k {
	case KindVehicleSpeed:
		return "vehicle_speed"
	case KindWheelSpeed:
		return "wheel_speed"
	case KindDistanceTraveled:
		return "distance_traveled"
	case KindEngineTorque:
		return "engine_torque"
	case KindPTOStatus:
		return "pto_status"
	case KindGNSSPosition:
		return "gnss_position"
	case KindYieldMonitor:
		return "yield_monitor"
	case KindMoistureSensor:
		return "moisture_sensor"
	case KindAddressClaim:
		return "address_claim"
	default:
		return "unknown"
	}
}

// Unknown carries the raw payload of an unrecognized parameter group.
type Unknown struct {
	Raw []byte
}

func (Unknown) Kind() PayloadKind { return KindUnknown }

// VehicleSpeed is PGN 65265 (Cruise Control/Vehicle Speed).
type VehicleSpeed struct {
	SpeedKph float64 // wheel-based vehicle speed, 1/256 km/h per bit
}

func (VehicleSpeed) Kind() PayloadKind { return KindVehicleSpeed }

// WheelSpeed is PGN 65215 (Wheel Speed Information), front axle speed plus
// relative speeds are carried raw; only the axle speed is scaled here.
type WheelSpeed struct {
	FrontAxleKph float64 // 1/256 km/h per bit
}

func (WheelSpeed) Kind() PayloadKind { return KindWheelSpeed }

// DistanceTraveled is PGN 65248 (Vehicle Distance).
type DistanceTraveled struct {
	TripKm  float64 // 0.125 km per bit
	TotalKm float64 // 0.125 km per bit
}

func (DistanceTraveled) Kind() PayloadKind { return KindDistanceTraveled }

// EngineTorque is PGN 61444 (EEC1).
type EngineTorque struct {
	PercentTorque int16   // 1%/bit, -125% offset
	EngineRPM     float64 // 0.125 rpm per bit
}

func (EngineTorque) Kind() PayloadKind { return KindEngineTorque }

// PTOStatus is PGN 65264 (Power Takeoff Information).
type PTOStatus struct {
	SpeedRPM float64 // 0.125 rpm per bit
	Engaged  bool
}

func (PTOStatus) Kind() PayloadKind { return KindPTOStatus }

// GNSSPosition is PGN 65267 (Vehicle Position).
type GNSSPosition struct {
	Latitude  float64 // degrees, 1e-7 deg per bit, -210 deg offset
	Longitude float64
}

func (GNSSPosition) Kind() PayloadKind { return KindGNSSPosition }

// YieldMonitor is proprietary-B PGN 65280: instantaneous crop flow and
// accumulated mass from a combine yield monitor.
type YieldMonitor struct {
	FlowKgPerS float64 // 0.01 kg/s per bit
	TotalKg    float64 // 1 kg per bit
}

func (YieldMonitor) Kind() PayloadKind { return KindYieldMonitor }

// MoistureSensor is proprietary-B PGN 65281.
type MoistureSensor struct {
	MoisturePct float64 // 0.01 % per bit
	TempC       int16   // 1 C/bit, -40 offset
}

func (MoistureSensor) Kind() PayloadKind { return KindMoistureSensor }

// AddressClaimed is PGN 60928: the 8-byte NAME of the claiming device.
type AddressClaimed struct {
	Name NAME
}

func (AddressClaimed) Kind() PayloadKind { return KindAddressClaim }
