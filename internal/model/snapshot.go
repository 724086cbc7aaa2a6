package model

import "time"

// PortStatus is the availability state of a single charging port.
type PortStatus string

const (
	PortAvailable    PortStatus = "available"
	PortOccupied     PortStatus = "occupied"
	PortOutOfService PortStatus = "out_of_service"
	PortUnknown      PortStatus = "unknown"
)

// StationSituation is the operator-reported condition of the whole station.
type StationSituation string

const (
	SituationOperational  StationSituation = "operational"
	SituationMaintenance  StationSituation = "maintenance"
	SituationOutOfService StationSituation = "out_of_service"
)

// SnapshotSource tags which path produced an observation.
type SnapshotSource string

const (
	SourceBackgroundScraper SnapshotSource = "background_scraper"
	SourceNearbyScan        SnapshotSource = "nearby_scan"
	SourceStationView       SnapshotSource = "station_view"
)

// PortSnapshot is the observed state of one charging port.
type PortSnapshot struct {
	PortID      string     `json:"portId"`
	Status      PortStatus `json:"status"`
	PowerKW     float64    `json:"powerKw"`
	PricePerKWh float64    `json:"pricePerKwh"`
	ChangedAt   time.Time  `json:"changedAt"`
}

// StationSnapshot is one point-in-time observation of a station. ObservedAt
// establishes the total order used by the merge gate: a snapshot is accepted
// only if it is strictly newer than everything accepted before it.
type StationSnapshot struct {
	StationID            string           `json:"stationId"`
	Ports                []PortSnapshot   `json:"ports"`
	OverallStatus        PortStatus       `json:"overallStatus"`
	EmergencyStopPressed bool             `json:"emergencyStopPressed"`
	Situation            StationSituation `json:"situation"`
	ObservedAt           time.Time        `json:"observedAt"`
	Source               SnapshotSource   `json:"source"`
}

// Age reports how old the observation is relative to now.
func (s StationSnapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.ObservedAt)
}
