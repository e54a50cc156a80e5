package models

import "time"

// Role is the failover role of an interface within the pool.
type Role string

const (
	RolePrimary Role = "primary"
	RoleBackup  Role = "backup"
)

// HealthState grades an interface for routing and failover decisions.
type HealthState string

const (
	Healthy  HealthState = "healthy"
	Degraded HealthState = "degraded"
	Failed   HealthState = "failed"
)

// DriverState is the lifecycle state of an interface driver.
type DriverState string

const (
	DriverClosed  DriverState = "closed"
	DriverOpening DriverState = "opening"
	DriverOpen    DriverState = "open"
	DriverClosing DriverState = "closing"
	DriverFaulted DriverState = "faulted"
)

// InterfaceDescriptor describes one CAN channel managed by the pool.
// The pool's health-check task is the only writer; everyone else receives
// copies, never live references.
type InterfaceDescriptor struct {
	ID            string
	Channel       string
	Bitrate       int
	Role          Role
	Health        HealthState
	LastCheck     time.Time
	Claim         AddressClaim
	FailureReason string
}
