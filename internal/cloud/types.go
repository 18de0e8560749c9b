package cloud

import "time"

// Device is a provisioned device as listed by the cloud.
type Device struct {
	UUID string `json:"deviceUuid"`
	// ID is the human readable device id, e.g. verdin-imx8mp-15247251.
	ID     string `json:"deviceId"`
	Name   string `json:"deviceName"`
	Notes  string `json:"notes"`
	Status string `json:"deviceStatus,omitempty"`
}

// InstalledPackage is one component of a device's package metadata.
type InstalledPackage struct {
	// Component is the hardware id the package targets.
	Component string `json:"component"`
	Installed struct {
		PackageID string `json:"packageId"`
	} `json:"installed"`
}

// PackageMetadata lists what a device reports as installed.
type PackageMetadata struct {
	DeviceUUID        string             `json:"deviceUuid"`
	InstalledPackages []InstalledPackage `json:"installedPackages"`
}

// InstalledFor returns the package id installed for hardwareID, or "" if none.
func (m *PackageMetadata) InstalledFor(hardwareID string) string {
	if m == nil {
		return ""
	}
	for _, p := range m.InstalledPackages {
		if p.Component == hardwareID {
			return p.Installed.PackageID
		}
	}
	return ""
}

// Assignment is a pending update for a device.
type Assignment struct {
	CorrelationID string `json:"correlationId"`
	// InFlight is true once the device has picked the update up.
	InFlight bool `json:"inFlight"`
}

// Session is an active remote-access tunnel.
type Session struct {
	ReversePort int
	ExpiresAt   time.Time
}

// CreateResult is the outcome of CreateSession.
type CreateResult int

const (
	// SessionCreated means a new session was opened.
	SessionCreated CreateResult = iota
	// SessionConflict means a session already exists for the device.
	SessionConflict
)

func (r CreateResult) String() string {
	if r == SessionConflict {
		return "conflict"
	}
	return "created"
}

type page[T any] struct {
	Values []T   `json:"values"`
	Total  int64 `json:"total"`
	Offset int64 `json:"offset"`
	Limit  int64 `json:"limit"`
}

// NetworkInfo is what a device reports about its LAN interface.
type NetworkInfo struct {
	DeviceUUID string `json:"deviceUuid"`
	LocalIPv4  string `json:"localIpV4"`
	Hostname   string `json:"hostname"`
	MacAddress string `json:"macAddress"`
}
