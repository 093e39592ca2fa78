package types

import "time"

// DeviceInfo is the snapshot reported by the device after attach.
type DeviceInfo struct {
	Name            string `json:"name"`
	SerialNumber    string `json:"serial_number"`
	HardwareTarget  int    `json:"hardware_target"`
	HardwareVersion string `json:"hardware_version"`
	HardwareRegion  int    `json:"hardware_region"`

	FirmwareVersion string    `json:"firmware_version"`
	FirmwareChannel string    `json:"firmware_channel"`
	FirmwareCommit  string    `json:"firmware_commit"`
	FirmwareDate    time.Time `json:"firmware_date"`

	RadioStackVersion string `json:"radio_stack_version,omitempty"`
	FUSVersion        string `json:"fus_version,omitempty"`

	// Recovery is set when the device enumerated in recovery (DFU) mode.
	Recovery bool `json:"recovery"`
}

// StorageInfo describes one storage volume on the device.
type StorageInfo struct {
	Path       string `json:"path"`
	Present    bool   `json:"present"`
	TotalBytes uint64 `json:"total_bytes"`
	FreeBytes  uint64 `json:"free_bytes"`
}

// UsedPercent returns the used share of the volume.
func (s StorageInfo) UsedPercent() float64 {
	if s.TotalBytes == 0 {
		return 0
	}
	return float64(s.TotalBytes-s.FreeBytes) / float64(s.TotalBytes) * 100
}

// DeviceSnapshot is the read-only view exposed to the presentation layer.
type DeviceSnapshot struct {
	Port     string        `json:"port"`
	Attached bool          `json:"attached"`
	Info     DeviceInfo    `json:"info"`
	Storage  []StorageInfo `json:"storage,omitempty"`
	Region   string        `json:"region,omitempty"`
}
