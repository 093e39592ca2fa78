package utility

import (
	"context"
	"path"
	"path/filepath"
	"strings"

	"github.com/KevinKickass/OpenDeviceCore/internal/device"
	"github.com/KevinKickass/OpenDeviceCore/internal/operation"
	"github.com/KevinKickass/OpenDeviceCore/internal/session"
	"github.com/KevinKickass/OpenDeviceCore/internal/types"
	"github.com/spf13/afero"
)

// PathCreateOperation creates a remote directory and its parents. Existing
// components are accepted.
type PathCreateOperation struct {
	*operation.Machine
	remote     string
	components []string
	next       int
}

const stateCreatingPath = operation.StateUser

func newPathCreateOperation(remote string) *PathCreateOperation {
	return &PathCreateOperation{
		Machine: operation.NewMachine(operation.KindCreatePath, "Create path "+remote, "CreatingPath"),
		remote:  remote,
	}
}

func (o *PathCreateOperation) Advance(_ context.Context, ev operation.Event) {
	if ev.Err != nil {
		if status, ok := session.StatusOf(ev.Err); !ok || status != session.StatusErrorStorageExist {
			o.FailWith(ev.Err)
			return
		}
	}

	if o.State() == operation.StateReady {
		o.components = pathComponents(o.remote)
		o.SetState(stateCreatingPath)
	}

	if o.next == len(o.components) {
		o.Finish()
		return
	}

	dir := o.components[o.next]
	o.next++
	o.Send(session.Request{Command: session.CmdStorageMkdir, Args: map[string]any{"path": dir}})
}

// pathComponents lists every directory below the storage volume, parents
// first: /ext/a/b -> /ext/a, /ext/a/b.
func pathComponents(remote string) []string {
	parts := strings.Split(strings.Trim(remote, "/"), "/")
	var out []string
	for i := 2; i <= len(parts); i++ {
		out = append(out, "/"+strings.Join(parts[:i], "/"))
	}
	return out
}

// StorageInfoRefreshOperation queries free and total space of both
// storage volumes. A missing SD card is reported, not failed.
type StorageInfoRefreshOperation struct {
	*operation.Machine
	state   *device.State
	volumes []string
	next    int
	info    []types.StorageInfo
}

const stateQueryingStorage = operation.StateUser

func newStorageInfoRefreshOperation(state *device.State) *StorageInfoRefreshOperation {
	return &StorageInfoRefreshOperation{
		Machine: operation.NewMachine(operation.KindRefreshStorage, "Refresh storage info", "QueryingStorage"),
		state:   state,
		volumes: []string{InternalStorage, ExternalStorage},
	}
}

// Storage is valid once the operation finished.
func (o *StorageInfoRefreshOperation) Storage() []types.StorageInfo {
	return o.info
}

func (o *StorageInfoRefreshOperation) Advance(_ context.Context, ev operation.Event) {
	switch o.State() {
	case operation.StateReady:
		o.SetState(stateQueryingStorage)

	case stateQueryingStorage:
		volume := o.volumes[o.next-1]
		if ev.Err != nil {
			status, ok := session.StatusOf(ev.Err)
			if !ok || status != session.StatusErrorStorageNotReady || volume == InternalStorage {
				o.FailWith(ev.Err)
				return
			}
			o.info = append(o.info, types.StorageInfo{Path: volume})
		} else {
			o.info = append(o.info, types.StorageInfo{
				Path:       volume,
				Present:    true,
				TotalBytes: ev.Response.Uint64("total_space"),
				FreeBytes:  ev.Response.Uint64("free_space"),
			})
		}
	}

	if o.next == len(o.volumes) {
		o.state.SetStorage(o.info)
		o.Finish()
		return
	}

	o.Send(session.Request{Command: session.CmdStorageInfo, Args: map[string]any{"path": o.volumes[o.next]}})
	o.next++
}

// FilesUploadOperation copies local files and directory trees to a remote
// directory.
type FilesUploadOperation struct {
	*operation.Machine
	fs        afero.Fs
	chunkSize int
	locals    []string
	remote    string
	up        *uploader
}

const stateUploading = operation.StateUser

func newFilesUploadOperation(fs afero.Fs, chunkSize int, locals []string, remote string) *FilesUploadOperation {
	return &FilesUploadOperation{
		Machine:   operation.NewMachine(operation.KindUploadFiles, "Upload files to "+remote, "Uploading"),
		fs:        fs,
		chunkSize: chunkSize,
		locals:    locals,
		remote:    remote,
	}
}

// FileCount is the number of files scheduled for upload.
func (o *FilesUploadOperation) FileCount() int {
	if o.up == nil {
		return 0
	}
	return len(o.up.files)
}

func (o *FilesUploadOperation) Advance(_ context.Context, ev operation.Event) {
	if o.State() == operation.StateReady {
		dirs, files, err := collectFiles(o.fs, o.locals, o.remote)
		if err != nil {
			o.FinishEarly(types.ErrorPrecondition, "%v", err)
			return
		}
		o.up = newUploader(o.fs, o.chunkSize, dirs, files)
		o.SetState(stateUploading)
	} else if ev.Err != nil && !o.up.tolerable(ev.Err) {
		o.FailWith(ev.Err)
		return
	}

	sendNext(o.Machine, o.up)
}

// sendNext issues the uploader's next request or finishes when it is
// exhausted.
func sendNext(m *operation.Machine, up *uploader) {
	req, ok, err := up.next()
	if err != nil {
		m.FinishEarly(types.ErrorPrecondition, "%v", err)
		return
	}
	m.SetProgress(up.progress())
	if !ok {
		m.Finish()
		return
	}
	m.Send(req)
}

// DirectoryDownloadOperation copies a remote directory tree into a local
// directory.
type DirectoryDownloadOperation struct {
	*operation.Machine
	dl *treeDownload
}

const (
	stateListingDirectories operation.State = operation.StateUser + iota
	stateReadingFiles
)

func newDirectoryDownloadOperation(fs afero.Fs, local, remote string) *DirectoryDownloadOperation {
	m := operation.NewMachine(operation.KindDownloadDirectory, "Download "+remote, "ListingDirectories", "ReadingFiles")
	return &DirectoryDownloadOperation{
		Machine: m,
		dl:      newTreeDownload(m, fs, local, remote),
	}
}

// Files returns the remote files found, relative to the remote root.
func (o *DirectoryDownloadOperation) Files() []string {
	return o.dl.relFiles()
}

func (o *DirectoryDownloadOperation) Advance(_ context.Context, ev operation.Event) {
	if o.Fail(ev) {
		return
	}
	if o.dl.advance(ev) {
		o.Finish()
	}
}

// treeDownload lists a remote tree, then reads every file into a local
// directory. It drives the machine it was created with.
type treeDownload struct {
	m     *operation.Machine
	fs    afero.Fs
	local string
	tree  *remoteTree
	next  int
}

func newTreeDownload(m *operation.Machine, fs afero.Fs, local, remote string) *treeDownload {
	return &treeDownload{m: m, fs: fs, local: local, tree: newRemoteTree(remote)}
}

// advance handles one event. It returns true once the last file is
// written; otherwise a request is pending or the machine is terminal.
func (d *treeDownload) advance(ev operation.Event) bool {
	switch d.m.State() {
	case operation.StateReady:
		if err := d.fs.MkdirAll(d.local, 0o755); err != nil {
			d.m.FinishEarly(types.ErrorPrecondition, "failed to create %s: %v", d.local, err)
			return false
		}
		d.m.SetState(stateListingDirectories)
		fallthrough

	case stateListingDirectories:
		if ev.Response != nil {
			d.tree.absorb(ev.Response)
		}
		if req, ok := d.tree.next(); ok {
			d.m.Send(req)
			return false
		}
		d.tree.sorted()
		for _, dir := range d.tree.dirs {
			if err := d.fs.MkdirAll(d.localPath(dir), 0o755); err != nil {
				d.m.FinishEarly(types.ErrorPrecondition, "failed to create %s: %v", dir, err)
				return false
			}
		}
		d.m.SetState(stateReadingFiles)

	case stateReadingFiles:
		f := d.tree.files[d.next-1]
		if err := afero.WriteFile(d.fs, d.localPath(f.Path), ev.Response.Payload, 0o644); err != nil {
			d.m.FinishEarly(types.ErrorPrecondition, "failed to write %s: %v", f.Path, err)
			return false
		}
	}

	if len(d.tree.files) > 0 {
		d.m.SetProgress(float64(d.next) / float64(len(d.tree.files)) * 100)
	}
	if d.next == len(d.tree.files) {
		return true
	}

	f := d.tree.files[d.next]
	d.next++
	d.m.Send(session.Request{Command: session.CmdStorageRead, Args: map[string]any{"path": f.Path}})
	return false
}

func (d *treeDownload) localPath(remote string) string {
	return filepath.Join(d.local, filepath.FromSlash(d.tree.rel(remote)))
}

func (d *treeDownload) relFiles() []string {
	out := make([]string, len(d.tree.files))
	for i, f := range d.tree.files {
		out[i] = d.tree.rel(f.Path)
	}
	return out
}

// ChecksumMismatch is one file whose remote copy differs from the local
// one.
type ChecksumMismatch struct {
	Local  string `json:"local"`
	Remote string `json:"remote"`
	Want   string `json:"want"`
	Got    string `json:"got"`
}

// ChecksumVerifyOperation compares local files with their uploaded copies
// by MD5. The first mismatch fails it with a data-integrity error.
type ChecksumVerifyOperation struct {
	*operation.Machine
	fs         afero.Fs
	locals     []string
	remoteRoot string

	files      []fileRef
	expected   string
	next       int
	mismatches []ChecksumMismatch
}

const stateVerifying = operation.StateUser

func newChecksumVerifyOperation(fs afero.Fs, locals []string, remoteRoot string) *ChecksumVerifyOperation {
	return &ChecksumVerifyOperation{
		Machine:    operation.NewMachine(operation.KindVerifyChecksum, "Verify checksums under "+remoteRoot, "Verifying"),
		fs:         fs,
		locals:     locals,
		remoteRoot: remoteRoot,
	}
}

func (o *ChecksumVerifyOperation) Mismatches() []ChecksumMismatch {
	return o.mismatches
}

func (o *ChecksumVerifyOperation) Advance(_ context.Context, ev operation.Event) {
	if o.Fail(ev) {
		return
	}

	switch o.State() {
	case operation.StateReady:
		_, files, err := collectFiles(o.fs, o.locals, o.remoteRoot)
		if err != nil {
			o.FinishEarly(types.ErrorPrecondition, "%v", err)
			return
		}
		o.files = files
		o.SetState(stateVerifying)

	case stateVerifying:
		f := o.files[o.next-1]
		got := strings.ToLower(ev.Response.String("md5sum"))
		if got != o.expected {
			o.mismatches = append(o.mismatches, ChecksumMismatch{Local: f.Local, Remote: f.Remote, Want: o.expected, Got: got})
			o.FinishEarly(types.ErrorDataIntegrity, "checksum mismatch for %s: want %s, got %s",
				path.Clean(f.Remote), o.expected, got)
			return
		}
		o.SetProgress(float64(o.next) / float64(len(o.files)) * 100)
	}

	if o.next == len(o.files) {
		o.Finish()
		return
	}

	f := o.files[o.next]
	sum, err := fileMD5(o.fs, f.Local)
	if err != nil {
		o.FinishEarly(types.ErrorPrecondition, "failed to hash %s: %v", f.Local, err)
		return
	}
	o.expected = sum
	o.next++
	o.Send(session.Request{Command: session.CmdStorageMD5, Args: map[string]any{"path": f.Remote}})
}
