package utility

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/KevinKickass/OpenDeviceCore/internal/session"
	"github.com/spf13/afero"
)

const (
	entryTypeDir  = "DIR"
	entryTypeFile = "FILE"
)

// fileRef pairs a local file with its remote location.
type fileRef struct {
	Local  string
	Remote string
	Size   int64
}

// collectFiles expands local files and directories into remote targets
// under remoteRoot. Directories keep their own name as the top level.
func collectFiles(fs afero.Fs, locals []string, remoteRoot string) ([]string, []fileRef, error) {
	dirs := []string{remoteRoot}
	var files []fileRef

	for _, local := range locals {
		info, err := fs.Stat(local)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to stat %s: %w", local, err)
		}

		if !info.IsDir() {
			files = append(files, fileRef{
				Local:  local,
				Remote: path.Join(remoteRoot, filepath.Base(local)),
				Size:   info.Size(),
			})
			continue
		}

		base := filepath.Dir(local)
		err = afero.Walk(fs, local, func(p string, fi os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(base, p)
			if err != nil {
				return err
			}
			remote := path.Join(remoteRoot, filepath.ToSlash(rel))
			if fi.IsDir() {
				dirs = append(dirs, remote)
				return nil
			}
			files = append(files, fileRef{Local: p, Remote: remote, Size: fi.Size()})
			return nil
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to walk %s: %w", local, err)
		}
	}

	return dirs, files, nil
}

// uploader turns directories and files into a stream of mkdir and chunked
// write requests.
type uploader struct {
	fs        afero.Fs
	chunkSize int
	dirs      []string
	files     []fileRef

	dirIdx  int
	fileIdx int
	loaded  bool
	data    []byte
	offset  int

	lastMkdir  bool
	sentBytes  int64
	totalBytes int64
}

func newUploader(fs afero.Fs, chunkSize int, dirs []string, files []fileRef) *uploader {
	u := &uploader{fs: fs, chunkSize: chunkSize, dirs: dirs, files: files}
	for _, f := range files {
		u.totalBytes += f.Size
	}
	return u
}

// next returns the following request, or false once everything is sent.
func (u *uploader) next() (session.Request, bool, error) {
	if u.dirIdx < len(u.dirs) {
		dir := u.dirs[u.dirIdx]
		u.dirIdx++
		u.lastMkdir = true
		return session.Request{
			Command: session.CmdStorageMkdir,
			Args:    map[string]any{"path": dir},
		}, true, nil
	}
	u.lastMkdir = false

	if u.fileIdx >= len(u.files) {
		return session.Request{}, false, nil
	}

	f := u.files[u.fileIdx]
	if !u.loaded {
		data, err := afero.ReadFile(u.fs, f.Local)
		if err != nil {
			return session.Request{}, false, fmt.Errorf("failed to read %s: %w", f.Local, err)
		}
		u.data = data
		u.offset = 0
		u.loaded = true
	}

	end := u.offset + u.chunkSize
	if end > len(u.data) {
		end = len(u.data)
	}
	req := session.Request{
		Command: session.CmdStorageWrite,
		Args:    map[string]any{"path": f.Remote, "offset": u.offset},
		Payload: u.data[u.offset:end],
	}
	u.sentBytes += int64(end - u.offset)
	u.offset = end

	if u.offset >= len(u.data) {
		u.fileIdx++
		u.data = nil
		u.loaded = false
	}

	return req, true, nil
}

// tolerable reports whether a failed exchange can be skipped: creating a
// directory that already exists.
func (u *uploader) tolerable(err error) bool {
	status, ok := session.StatusOf(err)
	return ok && u.lastMkdir && status == session.StatusErrorStorageExist
}

func (u *uploader) progress() float64 {
	if u.totalBytes == 0 {
		if len(u.dirs) == 0 {
			return 100
		}
		return float64(u.dirIdx) / float64(len(u.dirs)) * 100
	}
	return float64(u.sentBytes) / float64(u.totalBytes) * 100
}

// remoteTree lists a device directory recursively, one request per
// directory.
type remoteTree struct {
	root    string
	queue   []string
	current string

	dirs  []string
	files []remoteFile
}

type remoteFile struct {
	Path string
	Size uint64
}

func newRemoteTree(root string) *remoteTree {
	return &remoteTree{root: root, queue: []string{root}}
}

func (t *remoteTree) next() (session.Request, bool) {
	if len(t.queue) == 0 {
		return session.Request{}, false
	}
	t.current = t.queue[0]
	t.queue = t.queue[1:]
	return session.Request{
		Command: session.CmdStorageList,
		Args:    map[string]any{"path": t.current},
	}, true
}

func (t *remoteTree) absorb(resp *session.Response) {
	for _, entry := range resp.Entries("entries") {
		name, _ := entry["name"].(string)
		if name == "" {
			continue
		}
		p := path.Join(t.current, name)

		switch entry["type"] {
		case entryTypeDir:
			t.dirs = append(t.dirs, p)
			t.queue = append(t.queue, p)
		default:
			var size uint64
			if v, ok := entry["size"].(float64); ok {
				size = uint64(v)
			}
			t.files = append(t.files, remoteFile{Path: p, Size: size})
		}
	}
}

// rel returns p relative to the tree root.
func (t *remoteTree) rel(p string) string {
	rel := p[len(t.root):]
	for len(rel) > 0 && rel[0] == '/' {
		rel = rel[1:]
	}
	return rel
}

func (t *remoteTree) sorted() {
	sort.Strings(t.dirs)
	sort.Slice(t.files, func(i, j int) bool { return t.files[i].Path < t.files[j].Path })
}

// fileMD5 hashes a local file the way the device reports storage_md5sum.
func fileMD5(fs afero.Fs, name string) (string, error) {
	f, err := fs.Open(name)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
