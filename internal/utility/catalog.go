// Package utility is the catalog of device procedures. Every factory
// validates its parameters, builds the operation and hands it to the
// runner; nothing here talks to the device directly.
package utility

import (
	"path"
	"strings"

	"github.com/KevinKickass/OpenDeviceCore/internal/device"
	"github.com/KevinKickass/OpenDeviceCore/internal/operation"
	"github.com/KevinKickass/OpenDeviceCore/internal/types"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const (
	DefaultChunkSize = 512

	InternalStorage = "/int"
	ExternalStorage = "/ext"

	// Firmware images are flashed from the start of internal flash.
	FlashBase = 0x08000000
	FlashEnd  = 0x08100000
)

// Enqueuer accepts operations for exclusive execution.
type Enqueuer interface {
	Enqueue(op operation.Operation)
}

type Catalog struct {
	runner    Enqueuer
	state     *device.State
	fs        afero.Fs
	logger    *zap.Logger
	region    string
	chunkSize int
}

type Option func(*Catalog)

// WithFs replaces the local filesystem, afero.NewOsFs by default.
func WithFs(fs afero.Fs) Option {
	return func(c *Catalog) { c.fs = fs }
}

// WithRegion sets the country code written by ProvisionRegionData.
func WithRegion(code string) Option {
	return func(c *Catalog) { c.region = strings.ToUpper(code) }
}

func WithChunkSize(n int) Option {
	return func(c *Catalog) {
		if n > 0 {
			c.chunkSize = n
		}
	}
}

func NewCatalog(runner Enqueuer, state *device.State, logger *zap.Logger, opts ...Option) *Catalog {
	c := &Catalog{
		runner:    runner,
		state:     state,
		fs:        afero.NewOsFs(),
		logger:    logger,
		chunkSize: DefaultChunkSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fs is the local filesystem operations read from and write to.
func (c *Catalog) Fs() afero.Fs {
	return c.fs
}

// Region is the configured country code, empty when none is set.
func (c *Catalog) Region() string {
	return c.region
}

func (c *Catalog) enqueue(op operation.Operation) {
	m := op.Base()
	c.logger.Debug("Operation created",
		zap.String("operation_id", m.ID().String()),
		zap.String("kind", string(m.Kind())),
		zap.String("description", m.Description()))
	c.runner.Enqueue(op)
}

// reject terminates op with a precondition failure. It is never enqueued.
func (c *Catalog) reject(m *operation.Machine, format string, args ...any) {
	m.FinishEarly(types.ErrorPrecondition, format, args...)
	c.logger.Warn("Operation rejected",
		zap.String("kind", string(m.Kind())),
		zap.Error(m.Err()))
}

func validRemote(p string) bool {
	if path.Clean(p) != p {
		return false
	}
	for _, volume := range []string{InternalStorage, ExternalStorage} {
		if p == volume || strings.HasPrefix(p, volume+"/") {
			return true
		}
	}
	return false
}

func (c *Catalog) StartRecoveryMode() *StartRecoveryOperation {
	op := newStartRecoveryOperation(c.state)
	c.enqueue(op)
	return op
}

func (c *Catalog) ExitRecoveryMode() *ExitRecoveryOperation {
	op := newExitRecoveryOperation(c.state)
	c.enqueue(op)
	return op
}

func (c *Catalog) FetchDeviceInfo() *FetchDeviceInfoOperation {
	op := newFetchDeviceInfoOperation(c.state)
	c.enqueue(op)
	return op
}

func (c *Catalog) RestartDevice() *RestartOperation {
	op := newRestartOperation()
	c.enqueue(op)
	return op
}

func (c *Catalog) FactoryReset() *FactoryResetOperation {
	op := newFactoryResetOperation()
	c.enqueue(op)
	return op
}

// DownloadAssets unpacks a compressed resource bundle onto external storage.
func (c *Catalog) DownloadAssets(bundle string) *AssetsDownloadOperation {
	op := newAssetsDownloadOperation(c.fs, c.state, c.chunkSize, bundle)
	if bundle == "" {
		c.reject(op.Machine, "asset bundle path is empty")
		return op
	}
	c.enqueue(op)
	return op
}

func (c *Catalog) BackupInternalStorage(dest string) *BackupOperation {
	op := newBackupOperation(c.fs, c.state, dest)
	if dest == "" {
		c.reject(op.Machine, "backup destination is empty")
		return op
	}
	c.enqueue(op)
	return op
}

func (c *Catalog) RestoreInternalStorage(src string) *RestoreOperation {
	op := newRestoreOperation(c.fs, c.chunkSize, src)
	if src == "" {
		c.reject(op.Machine, "backup source is empty")
		return op
	}
	if _, err := c.fs.Stat(src); err != nil {
		c.reject(op.Machine, "backup source %s: %v", src, err)
		return op
	}
	c.enqueue(op)
	return op
}

func (c *Catalog) UploadFiles(locals []string, remote string) *FilesUploadOperation {
	op := newFilesUploadOperation(c.fs, c.chunkSize, locals, remote)
	switch {
	case len(locals) == 0:
		c.reject(op.Machine, "no files to upload")
		return op
	case !validRemote(remote):
		c.reject(op.Machine, "invalid remote path %q", remote)
		return op
	}
	c.enqueue(op)
	return op
}

func (c *Catalog) DownloadDirectory(local, remote string) *DirectoryDownloadOperation {
	op := newDirectoryDownloadOperation(c.fs, local, remote)
	switch {
	case local == "":
		c.reject(op.Machine, "local directory is empty")
		return op
	case !validRemote(remote):
		c.reject(op.Machine, "invalid remote path %q", remote)
		return op
	}
	c.enqueue(op)
	return op
}

func (c *Catalog) CreatePath(remote string) *PathCreateOperation {
	op := newPathCreateOperation(remote)
	if !validRemote(remote) {
		c.reject(op.Machine, "invalid remote path %q", remote)
		return op
	}
	c.enqueue(op)
	return op
}

func (c *Catalog) StartUpdater(manifest string) *StartUpdaterOperation {
	op := newStartUpdaterOperation(manifest)
	if !validRemote(manifest) {
		c.reject(op.Machine, "invalid update manifest path %q", manifest)
		return op
	}
	c.enqueue(op)
	return op
}

func (c *Catalog) RefreshStorageInfo() *StorageInfoRefreshOperation {
	op := newStorageInfoRefreshOperation(c.state)
	c.enqueue(op)
	return op
}

func (c *Catalog) ProvisionRegionData() *RegionProvisioningOperation {
	op := newRegionProvisioningOperation(c.state, c.region)
	if len(c.region) != 2 {
		c.reject(op.Machine, "region code %q is not a two-letter country code", c.region)
		return op
	}
	c.enqueue(op)
	return op
}

func (c *Catalog) VerifyChecksum(locals []string, remoteRoot string) *ChecksumVerifyOperation {
	op := newChecksumVerifyOperation(c.fs, locals, remoteRoot)
	switch {
	case len(locals) == 0:
		c.reject(op.Machine, "no files to verify")
		return op
	case !validRemote(remoteRoot):
		c.reject(op.Machine, "invalid remote path %q", remoteRoot)
		return op
	}
	c.enqueue(op)
	return op
}

func (c *Catalog) InstallFirmware(image string) *InstallFirmwareOperation {
	op := newInstallFirmwareOperation(c.fs, c.state, c.chunkSize, image)
	if image == "" {
		c.reject(op.Machine, "firmware image path is empty")
		return op
	}
	c.enqueue(op)
	return op
}

func (c *Catalog) InstallWirelessStack(image string) *RadioInstallOperation {
	op := newRadioInstallOperation(c.fs, c.chunkSize, operation.KindInstallRadio, image, 0)
	if image == "" {
		c.reject(op.Machine, "wireless stack image path is empty")
		return op
	}
	c.enqueue(op)
	return op
}

func (c *Catalog) InstallFUS(image string, address uint32) *RadioInstallOperation {
	op := newRadioInstallOperation(c.fs, c.chunkSize, operation.KindInstallFUS, image, address)
	switch {
	case image == "":
		c.reject(op.Machine, "FUS image path is empty")
		return op
	case address < FlashBase || address >= FlashEnd || address%0x1000 != 0:
		c.reject(op.Machine, "FUS address 0x%08x is not a page-aligned flash address", address)
		return op
	}
	c.enqueue(op)
	return op
}
