package utility

import (
	"context"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"

	"github.com/KevinKickass/OpenDeviceCore/internal/device"
	"github.com/KevinKickass/OpenDeviceCore/internal/operation"
	"github.com/KevinKickass/OpenDeviceCore/internal/session"
	"github.com/KevinKickass/OpenDeviceCore/internal/types"
	"github.com/spf13/afero"
)

const (
	assetsRoot  = ExternalStorage
	radioStage  = ExternalStorage + "/radio"
	assetsStrip = "resources"
)

// AssetsDownloadOperation unpacks a tar.gz resource bundle and writes its
// contents to external storage.
type AssetsDownloadOperation struct {
	*operation.Machine
	fs        afero.Fs
	state     *device.State
	chunkSize int
	bundle    string
	up        *uploader
}

const stateWritingAssets = operation.StateUser

func newAssetsDownloadOperation(fs afero.Fs, state *device.State, chunkSize int, bundle string) *AssetsDownloadOperation {
	return &AssetsDownloadOperation{
		Machine:   operation.NewMachine(operation.KindDownloadAssets, "Download assets "+filepath.Base(bundle), "WritingAssets"),
		fs:        fs,
		state:     state,
		chunkSize: chunkSize,
		bundle:    bundle,
	}
}

func (o *AssetsDownloadOperation) Advance(_ context.Context, ev operation.Event) {
	if o.State() == operation.StateReady {
		for _, st := range o.state.Snapshot().Storage {
			if st.Path == ExternalStorage && !st.Present {
				o.FinishEarly(types.ErrorPrecondition, "external storage is not present")
				return
			}
		}

		up, err := o.unpack()
		if err != nil {
			o.FinishEarly(types.ErrorPrecondition, "%v", err)
			return
		}
		o.up = up
		o.SetState(stateWritingAssets)
	} else if ev.Err != nil && !o.up.tolerable(ev.Err) {
		o.FailWith(ev.Err)
		return
	}

	sendNext(o.Machine, o.up)
}

// unpack extracts the bundle into memory and plans the upload from there.
func (o *AssetsDownloadOperation) unpack() (*uploader, error) {
	mem := afero.NewMemMapFs()
	dirs := []string{assetsRoot}
	seen := map[string]bool{assetsRoot: true}
	var files []fileRef

	// Archives may omit directory entries; parents are created first.
	var addDir func(remote string)
	addDir = func(remote string) {
		if seen[remote] || !strings.HasPrefix(remote, assetsRoot+"/") {
			return
		}
		addDir(path.Dir(remote))
		seen[remote] = true
		dirs = append(dirs, remote)
	}

	err := walkArchive(o.fs, o.bundle, func(entry string, dir bool, r io.Reader) error {
		rel := assetPath(entry)
		if rel == "" {
			return nil
		}
		remote := path.Join(assetsRoot, rel)

		if dir {
			addDir(remote)
			return nil
		}
		addDir(path.Dir(remote))
		data, err := io.ReadAll(r)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", entry, err)
		}
		if err := afero.WriteFile(mem, rel, data, 0o644); err != nil {
			return fmt.Errorf("failed to stage %s: %w", entry, err)
		}
		files = append(files, fileRef{Local: rel, Remote: remote, Size: int64(len(data))})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("asset bundle: %w", err)
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("asset bundle %s contains no files", o.bundle)
	}

	return newUploader(mem, o.chunkSize, dirs, files), nil
}

// assetPath normalizes a bundle entry name and strips the top-level
// resources directory.
func assetPath(name string) string {
	p := path.Clean(strings.TrimPrefix(name, "./"))
	if p == "." || p == assetsStrip || strings.HasPrefix(p, "../") {
		return ""
	}
	return strings.TrimPrefix(p, assetsStrip+"/")
}

// InstallFirmwareOperation flashes a firmware image through recovery mode:
// enter recovery if needed, write the image, leave recovery.
type InstallFirmwareOperation struct {
	*operation.Machine
	fs        afero.Fs
	state     *device.State
	chunkSize int
	image     string

	data   []byte
	offset int
}

const (
	stateFlashEntering operation.State = operation.StateUser + iota
	stateFlashWriting
	stateFlashLeaving
)

func newInstallFirmwareOperation(fs afero.Fs, state *device.State, chunkSize int, image string) *InstallFirmwareOperation {
	return &InstallFirmwareOperation{
		Machine: operation.NewMachine(operation.KindInstallFirmware, "Install firmware "+filepath.Base(image),
			"EnteringRecovery", "WritingFirmware", "LeavingRecovery"),
		fs:        fs,
		state:     state,
		chunkSize: chunkSize,
		image:     image,
	}
}

func (o *InstallFirmwareOperation) Advance(_ context.Context, ev operation.Event) {
	if o.Fail(ev) {
		return
	}

	switch o.State() {
	case operation.StateReady:
		data, err := afero.ReadFile(o.fs, o.image)
		if err != nil {
			o.FinishEarly(types.ErrorPrecondition, "failed to read firmware image: %v", err)
			return
		}
		if len(data) == 0 {
			o.FinishEarly(types.ErrorPrecondition, "firmware image %s is empty", o.image)
			return
		}
		if len(data) > FlashEnd-FlashBase {
			o.FinishEarly(types.ErrorPrecondition, "firmware image %s does not fit into flash", o.image)
			return
		}
		o.data = data

		if !o.state.Recovery() {
			// The device comes back as a recovery device before the first write.
			o.SetState(stateFlashEntering)
			o.SendAndReattach(session.Request{Command: session.CmdReboot, Args: map[string]any{"mode": session.RebootRecovery}})
			return
		}
		o.SetState(stateFlashWriting)

	case stateFlashEntering:
		o.state.SetRecovery(true)
		o.SetState(stateFlashWriting)

	case stateFlashLeaving:
		o.state.SetRecovery(false)
		o.Finish()
		return
	}

	if o.offset >= len(o.data) {
		o.SetState(stateFlashLeaving)
		o.Send(session.Request{Command: session.CmdRecoveryLeave})
		return
	}

	end := o.offset + o.chunkSize
	if end > len(o.data) {
		end = len(o.data)
	}
	o.Send(session.Request{
		Command: session.CmdRecoveryWrite,
		Args:    map[string]any{"address": FlashBase + o.offset},
		Payload: o.data[o.offset:end],
	})
	o.offset = end
	o.SetProgress(float64(o.offset) / float64(len(o.data)) * 100)
}

// RadioInstallOperation stages a co-processor image on external storage
// and asks the device to install it. A non-zero address selects a FUS
// install.
type RadioInstallOperation struct {
	*operation.Machine
	fs        afero.Fs
	chunkSize int
	image     string
	address   uint32
	remote    string
	up        *uploader
}

const (
	stateRadioUploading operation.State = operation.StateUser + iota
	stateRadioInstalling
)

func newRadioInstallOperation(fs afero.Fs, chunkSize int, kind operation.Kind, image string, address uint32) *RadioInstallOperation {
	desc := "Install wireless stack " + filepath.Base(image)
	if kind == operation.KindInstallFUS {
		desc = fmt.Sprintf("Install FUS %s at 0x%08x", filepath.Base(image), address)
	}
	return &RadioInstallOperation{
		Machine:   operation.NewMachine(kind, desc, "Uploading", "Installing"),
		fs:        fs,
		chunkSize: chunkSize,
		image:     image,
		address:   address,
		remote:    path.Join(radioStage, filepath.Base(image)),
	}
}

func (o *RadioInstallOperation) Advance(_ context.Context, ev operation.Event) {
	switch o.State() {
	case operation.StateReady:
		st, err := o.fs.Stat(o.image)
		if err != nil {
			o.FinishEarly(types.ErrorPrecondition, "failed to stat image: %v", err)
			return
		}
		if st.IsDir() || st.Size() == 0 {
			o.FinishEarly(types.ErrorPrecondition, "%s is not a usable image", o.image)
			return
		}
		o.up = newUploader(o.fs, o.chunkSize, []string{radioStage},
			[]fileRef{{Local: o.image, Remote: o.remote, Size: st.Size()}})
		o.SetState(stateRadioUploading)

	case stateRadioUploading:
		if ev.Err != nil && !o.up.tolerable(ev.Err) {
			o.FailWith(ev.Err)
			return
		}

	case stateRadioInstalling:
		if o.Fail(ev) {
			return
		}
		o.Finish()
		return
	}

	req, ok, err := o.up.next()
	if err != nil {
		o.FinishEarly(types.ErrorPrecondition, "%v", err)
		return
	}
	if ok {
		o.SetProgress(o.up.progress() * 0.9)
		o.Send(req)
		return
	}

	o.SetState(stateRadioInstalling)
	if o.Kind() == operation.KindInstallFUS {
		o.Send(session.Request{
			Command: session.CmdRadioFUSInstall,
			Args:    map[string]any{"path": o.remote, "address": o.address},
		})
		return
	}
	o.Send(session.Request{Command: session.CmdRadioInstall, Args: map[string]any{"path": o.remote}})
}
