package utility

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"time"

	"github.com/KevinKickass/OpenDeviceCore/internal/device"
	"github.com/KevinKickass/OpenDeviceCore/internal/operation"
	"github.com/KevinKickass/OpenDeviceCore/internal/types"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

const (
	manifestName    = "backup.yml"
	manifestVersion = 1
	backupDataDir   = "int"
)

// BackupManifest describes a backup directory. Paths are relative to Root
// on the device and to the data directory locally.
type BackupManifest struct {
	Version     int              `yaml:"version"`
	CreatedAt   time.Time        `yaml:"created_at"`
	Device      BackupDevice     `yaml:"device"`
	Root        string           `yaml:"root"`
	Directories []string         `yaml:"directories"`
	Files       []BackupFileInfo `yaml:"files"`
}

type BackupDevice struct {
	Name            string `yaml:"name"`
	SerialNumber    string `yaml:"serial_number"`
	FirmwareVersion string `yaml:"firmware_version"`
}

type BackupFileInfo struct {
	Path string `yaml:"path"`
	Size int64  `yaml:"size"`
	MD5  string `yaml:"md5"`
}

// LoadBackupManifest reads the manifest of the backup in dir.
func LoadBackupManifest(fs afero.Fs, dir string) (*BackupManifest, error) {
	data, err := afero.ReadFile(fs, filepath.Join(dir, manifestName))
	if err != nil {
		return nil, fmt.Errorf("failed to read backup manifest: %w", err)
	}

	var manifest BackupManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse backup manifest: %w", err)
	}
	if manifest.Version != manifestVersion {
		return nil, fmt.Errorf("unsupported backup manifest version %d", manifest.Version)
	}

	return &manifest, nil
}

// BackupOperation copies the device's internal storage into a local
// directory and records a manifest with checksums.
type BackupOperation struct {
	*operation.Machine
	fs       afero.Fs
	state    *device.State
	dest     string
	dl       *treeDownload
	manifest *BackupManifest
}

func newBackupOperation(fs afero.Fs, state *device.State, dest string) *BackupOperation {
	m := operation.NewMachine(operation.KindBackup, "Back up internal storage to "+dest, "ListingDirectories", "ReadingFiles")
	return &BackupOperation{
		Machine: m,
		fs:      fs,
		state:   state,
		dest:    dest,
		dl:      newTreeDownload(m, fs, filepath.Join(dest, backupDataDir), InternalStorage),
	}
}

// Manifest is set once the backup finished.
func (o *BackupOperation) Manifest() *BackupManifest {
	return o.manifest
}

func (o *BackupOperation) Advance(_ context.Context, ev operation.Event) {
	if o.Fail(ev) {
		return
	}
	if !o.dl.advance(ev) {
		return
	}

	manifest, err := o.writeManifest()
	if err != nil {
		o.FinishEarly(types.ErrorPrecondition, "%v", err)
		return
	}
	o.manifest = manifest
	o.Finish()
}

func (o *BackupOperation) writeManifest() (*BackupManifest, error) {
	info := o.state.Info()
	manifest := &BackupManifest{
		Version:   manifestVersion,
		CreatedAt: time.Now().UTC(),
		Device: BackupDevice{
			Name:            info.Name,
			SerialNumber:    info.SerialNumber,
			FirmwareVersion: info.FirmwareVersion,
		},
		Root: InternalStorage,
	}

	for _, dir := range o.dl.tree.dirs {
		manifest.Directories = append(manifest.Directories, o.dl.tree.rel(dir))
	}
	for _, f := range o.dl.tree.files {
		local := o.dl.localPath(f.Path)
		st, err := o.fs.Stat(local)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", local, err)
		}
		sum, err := fileMD5(o.fs, local)
		if err != nil {
			return nil, fmt.Errorf("failed to hash %s: %w", local, err)
		}
		manifest.Files = append(manifest.Files, BackupFileInfo{
			Path: o.dl.tree.rel(f.Path),
			Size: st.Size(),
			MD5:  sum,
		})
	}

	data, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to encode backup manifest: %w", err)
	}
	if err := afero.WriteFile(o.fs, filepath.Join(o.dest, manifestName), data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write backup manifest: %w", err)
	}

	return manifest, nil
}

// RestoreOperation writes a backup made by BackupOperation back to the
// device. Local files are checked against the manifest before anything is
// sent.
type RestoreOperation struct {
	*operation.Machine
	fs        afero.Fs
	chunkSize int
	src       string
	up        *uploader
}

const stateRestoring = operation.StateUser

func newRestoreOperation(fs afero.Fs, chunkSize int, src string) *RestoreOperation {
	return &RestoreOperation{
		Machine:   operation.NewMachine(operation.KindRestore, "Restore internal storage from "+src, "Restoring"),
		fs:        fs,
		chunkSize: chunkSize,
		src:       src,
	}
}

func (o *RestoreOperation) Advance(_ context.Context, ev operation.Event) {
	if o.State() == operation.StateReady {
		up, err := o.plan()
		if err != nil {
			o.FailWith(err)
			return
		}
		o.up = up
		o.SetState(stateRestoring)
	} else if ev.Err != nil && !o.up.tolerable(ev.Err) {
		o.FailWith(ev.Err)
		return
	}

	sendNext(o.Machine, o.up)
}

func (o *RestoreOperation) plan() (*uploader, error) {
	manifest, err := LoadBackupManifest(o.fs, o.src)
	if err != nil {
		return nil, types.WrapError(types.ErrorPrecondition, err, "invalid backup in %s", o.src)
	}

	dirs := make([]string, 0, len(manifest.Directories))
	for _, dir := range manifest.Directories {
		dirs = append(dirs, path.Join(manifest.Root, dir))
	}

	files := make([]fileRef, 0, len(manifest.Files))
	for _, f := range manifest.Files {
		local := filepath.Join(o.src, backupDataDir, filepath.FromSlash(f.Path))
		sum, err := fileMD5(o.fs, local)
		if err != nil {
			return nil, types.WrapError(types.ErrorPrecondition, err, "backup file %s unreadable", f.Path)
		}
		if sum != f.MD5 {
			return nil, types.NewError(types.ErrorDataIntegrity, "backup file %s is corrupted: want %s, got %s", f.Path, f.MD5, sum)
		}
		files = append(files, fileRef{Local: local, Remote: path.Join(manifest.Root, f.Path), Size: f.Size})
	}

	return newUploader(o.fs, o.chunkSize, dirs, files), nil
}
