// Package session carries request/response exchanges to the device over a
// single exclusive link. Outcomes are classified here, once, into the
// types.ErrorKind taxonomy; callers only sequence requests.
package session

import (
	"context"
	"errors"
	"fmt"
)

type ConnectionState int

const (
	Detached ConnectionState = iota
	Attached
)

func (s ConnectionState) String() string {
	if s == Attached {
		return "ATTACHED"
	}
	return "DETACHED"
}

// Device commands understood by the firmware RPC layer.
const (
	CmdPing            = "system_ping"
	CmdDeviceInfo      = "system_device_info"
	CmdReboot          = "system_reboot"
	CmdFactoryReset    = "system_factory_reset"
	CmdUpdate          = "system_update"
	CmdRegionProvision = "system_region_provision"
	CmdStorageInfo     = "storage_info"
	CmdStorageList     = "storage_list"
	CmdStorageRead     = "storage_read"
	CmdStorageWrite    = "storage_write"
	CmdStorageMkdir    = "storage_mkdir"
	CmdStorageStat     = "storage_stat"
	CmdStorageMD5      = "storage_md5sum"
	CmdDisplayStart    = "gui_start_virtual_display"
	CmdDisplayFrame    = "gui_screen_frame"
	CmdDisplayStop     = "gui_stop_virtual_display"
	CmdRecoveryWrite   = "dfu_write"
	CmdRecoveryLeave   = "dfu_leave"
	CmdRadioInstall    = "radio_install"
	CmdRadioFUSInstall = "radio_fus_install"
)

// Reboot modes for CmdReboot.
const (
	RebootOS       = "os"
	RebootRecovery = "dfu"
	RebootUpdate   = "update"
)

// Request is one command sent to the device.
type Request struct {
	Command string
	Args    map[string]any
	Payload []byte
}

// Response is the device's successful answer to a Request.
type Response struct {
	Fields  map[string]any
	Payload []byte
}

// Result is delivered exactly once per Send: either Response or Err is set.
type Result struct {
	Response *Response
	Err      error
}

// Session is the boundary every operation talks through.
type Session interface {
	// Send issues req and eventually delivers exactly one Result.
	Send(ctx context.Context, req Request) <-chan Result
	State() ConnectionState
	// Subscribe delivers every connection state transition until the
	// returned cancel func is called.
	Subscribe() (<-chan ConnectionState, func())
}

// RejectedError carries the status code of a rejected command.
type RejectedError struct {
	Command string
	Status  Status
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("device answered %s", e.Status)
}

// StatusOf extracts the device status code from a rejection.
func StatusOf(err error) (Status, bool) {
	var se *RejectedError
	if errors.As(err, &se) {
		return se.Status, true
	}
	return StatusOK, false
}

func (r *Response) String(key string) string {
	if r == nil {
		return ""
	}
	switch v := r.Fields[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func (r *Response) Uint64(key string) uint64 {
	if r == nil {
		return 0
	}
	switch v := r.Fields[key].(type) {
	case float64:
		return uint64(v)
	case int:
		return uint64(v)
	case int64:
		return uint64(v)
	case uint64:
		return v
	default:
		return 0
	}
}

func (r *Response) Bool(key string) bool {
	if r == nil {
		return false
	}
	v, _ := r.Fields[key].(bool)
	return v
}

// Entries returns a list field whose elements are objects.
func (r *Response) Entries(key string) []map[string]any {
	if r == nil {
		return nil
	}
	raw, ok := r.Fields[key].([]any)
	if !ok {
		if typed, ok := r.Fields[key].([]map[string]any); ok {
			return typed
		}
		return nil
	}

	entries := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			entries = append(entries, m)
		}
	}
	return entries
}
