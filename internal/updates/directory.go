// Package updates tracks the remote firmware directory: which versions
// exist per channel, what the attached device should do about them and
// verified downloads of the published files.
package updates

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// File types published in the directory.
const (
	FileUpdatePackage = "update_tgz"
	FileRecoveryImage = "full_dfu"
	FileAssets        = "resources_tgz"
)

const TargetAny = "any"

type FileInfo struct {
	URL    string `json:"url"`
	Target string `json:"target"`
	Type   string `json:"type"`
	SHA256 string `json:"sha256"`
}

type VersionInfo struct {
	Version   string     `json:"version"`
	Changelog string     `json:"changelog,omitempty"`
	Timestamp int64      `json:"timestamp,omitempty"`
	Files     []FileInfo `json:"files"`
}

func (v VersionInfo) Date() time.Time {
	return time.Unix(v.Timestamp, 0).UTC()
}

// File returns the file of the given type built for target.
func (v VersionInfo) File(fileType, target string) (FileInfo, bool) {
	for _, f := range v.Files {
		if f.Type == fileType && (f.Target == target || f.Target == TargetAny) {
			return f, true
		}
	}
	return FileInfo{}, false
}

type ChannelInfo struct {
	ID          string        `json:"id"`
	Title       string        `json:"title,omitempty"`
	Description string        `json:"description,omitempty"`
	Versions    []VersionInfo `json:"versions"`
}

// Latest is the first listed version; the directory is newest first.
func (c ChannelInfo) Latest() (VersionInfo, bool) {
	if len(c.Versions) == 0 {
		return VersionInfo{}, false
	}
	return c.Versions[0], true
}

type Directory struct {
	Channels []ChannelInfo `json:"channels"`
}

func (d *Directory) Channel(id string) (ChannelInfo, bool) {
	for _, c := range d.Channels {
		if c.ID == id {
			return c, true
		}
	}
	return ChannelInfo{}, false
}

// TargetName maps a hardware target number to the directory's target id.
func TargetName(hardwareTarget int) string {
	return fmt.Sprintf("f%d", hardwareTarget)
}

// FirmwareState is what the attached device can do about the directory.
type FirmwareState int

const (
	StateUnknown FirmwareState = iota
	StateChecking
	StateCanUpdate
	StateCanInstall
	StateCanRepair
	StateNoUpdates
	StateErrorOccured
)

func (s FirmwareState) String() string {
	switch s {
	case StateChecking:
		return "CHECKING"
	case StateCanUpdate:
		return "CAN_UPDATE"
	case StateCanInstall:
		return "CAN_INSTALL"
	case StateCanRepair:
		return "CAN_REPAIR"
	case StateNoUpdates:
		return "NO_UPDATES"
	case StateErrorOccured:
		return "ERROR_OCCURED"
	default:
		return "UNKNOWN"
	}
}

func (s FirmwareState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// compareVersions orders dotted numeric versions. Anything else (commit
// hashes on development channels) only compares equal or different, and
// different counts as newer.
func compareVersions(a, b string) int {
	if a == b {
		return 0
	}

	pa, okA := numericParts(a)
	pb, okB := numericParts(b)
	if !okA || !okB {
		return 1
	}

	for i := 0; i < len(pa) || i < len(pb); i++ {
		var x, y int
		if i < len(pa) {
			x = pa[i]
		}
		if i < len(pb) {
			y = pb[i]
		}
		switch {
		case x > y:
			return 1
		case x < y:
			return -1
		}
	}
	return 0
}

func numericParts(v string) ([]int, bool) {
	fields := strings.Split(strings.TrimPrefix(v, "v"), ".")
	parts := make([]int, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil, false
		}
		parts = append(parts, n)
	}
	return parts, true
}
