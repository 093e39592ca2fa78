// Package device holds the last known state of the attached device.
package device

import (
	"sync"

	"github.com/KevinKickass/OpenDeviceCore/internal/types"
	"go.uber.org/zap"
)

// State is the shared device-state holder. Operations write to it as they
// learn things about the device; the coordinator and API read it.
type State struct {
	mu       sync.RWMutex
	snapshot types.DeviceSnapshot
	logger   *zap.Logger

	listenersMu sync.RWMutex
	listeners   []chan struct{}
}

func NewState(logger *zap.Logger) *State {
	return &State{logger: logger}
}

// Snapshot returns a copy of the current state.
func (s *State) Snapshot() types.DeviceSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := s.snapshot
	snap.Storage = append([]types.StorageInfo(nil), s.snapshot.Storage...)
	return snap
}

func (s *State) Info() types.DeviceInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot.Info
}

func (s *State) Attached() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot.Attached
}

func (s *State) Recovery() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot.Info.Recovery
}

// SetAttached records presence. Detaching clears everything learned from
// the previous device.
func (s *State) SetAttached(port string, attached bool) {
	s.mu.Lock()
	if attached {
		s.snapshot.Port = port
		s.snapshot.Attached = true
	} else {
		s.snapshot = types.DeviceSnapshot{}
	}
	s.mu.Unlock()

	s.logger.Debug("Device presence changed",
		zap.String("port", port),
		zap.Bool("attached", attached))
	s.notify()
}

func (s *State) SetInfo(info types.DeviceInfo) {
	s.mu.Lock()
	s.snapshot.Info = info
	s.mu.Unlock()

	s.logger.Info("Device info updated",
		zap.String("name", info.Name),
		zap.String("firmware_version", info.FirmwareVersion),
		zap.Int("hardware_target", info.HardwareTarget),
		zap.Bool("recovery", info.Recovery))
	s.notify()
}

// SetRecovery flips the recovery flag after a mode switch the device
// itself does not report until it re-enumerates.
func (s *State) SetRecovery(recovery bool) {
	s.mu.Lock()
	s.snapshot.Info.Recovery = recovery
	s.mu.Unlock()
	s.notify()
}

func (s *State) SetStorage(storage []types.StorageInfo) {
	s.mu.Lock()
	s.snapshot.Storage = append([]types.StorageInfo(nil), storage...)
	s.mu.Unlock()
	s.notify()
}

func (s *State) SetRegion(region string) {
	s.mu.Lock()
	s.snapshot.Region = region
	s.mu.Unlock()
	s.notify()
}

// Subscribe returns a channel that is signalled after every change. It
// carries no value; re-read Snapshot.
func (s *State) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	s.listenersMu.Lock()
	s.listeners = append(s.listeners, ch)
	s.listenersMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.listenersMu.Lock()
			defer s.listenersMu.Unlock()
			for i, listener := range s.listeners {
				if listener == ch {
					s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
					close(ch)
					break
				}
			}
		})
	}
}

func (s *State) notify() {
	s.listenersMu.RLock()
	defer s.listenersMu.RUnlock()

	for _, listener := range s.listeners {
		select {
		case listener <- struct{}{}:
		default:
			// already signalled
		}
	}
}
