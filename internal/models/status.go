package models

import "time"

// PoolStatus is a copy-on-read snapshot of the pool for the surrounding
// application's status surface. It never aliases pool-internal state.
type PoolStatus struct {
	Interfaces []InterfaceDescriptor
	Promotions uint64 // backup-to-primary promotions since start
	Received   uint64 // decoded messages forwarded to the merged stream
	DecodeErrs uint64 // frames rejected by the codec
	TakenAt    time.Time
}

// HealthyCount returns how many interfaces are currently usable.
func (s PoolStatus) HealthyCount() int {
	n := 0
	for _, d := range s.Interfaces {
		if d.Health != Failed {
			n++
		}
	}
	return n
}
