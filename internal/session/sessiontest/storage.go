package sessiontest

import (
	"crypto/md5"
	"encoding/hex"
	"path"
	"sort"
	"sync"

	"github.com/KevinKickass/OpenDeviceCore/internal/session"
)

// Storage emulates the device filesystem commands. The internal and
// external volumes exist from the start.
type Storage struct {
	mu    sync.Mutex
	dirs  map[string]bool
	files map[string][]byte
}

func NewStorage() *Storage {
	s := &Storage{}
	s.Reset()
	return s
}

// Reset wipes everything but the two volumes.
func (s *Storage) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirs = map[string]bool{"/int": true, "/ext": true}
	s.files = map[string][]byte{}
}

// Put stores a file, creating its parent directories.
func (s *Storage) Put(p string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for dir := path.Dir(p); dir != "/"; dir = path.Dir(dir) {
		s.dirs[dir] = true
	}
	s.files[p] = data
}

func (s *Storage) Get(p string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[p]
	return data, ok
}

func (s *Storage) Exists(p string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, file := s.files[p]
	return file || s.dirs[p]
}

func argString(req session.Request, key string) string {
	v, _ := req.Args[key].(string)
	return v
}

func argInt(req session.Request, key string) int {
	switch v := req.Args[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

// Install registers the storage command handlers on f.
func (s *Storage) Install(f *Fake) {
	f.Handle(session.CmdStorageMkdir, s.mkdir)
	f.Handle(session.CmdStorageWrite, s.write)
	f.Handle(session.CmdStorageList, s.list)
	f.Handle(session.CmdStorageRead, s.read)
	f.Handle(session.CmdStorageMD5, s.md5sum)
}

func (s *Storage) mkdir(req session.Request) (*session.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := argString(req, "path")
	if s.dirs[p] {
		return nil, Rejection(req.Command, session.StatusErrorStorageExist)
	}
	if !s.dirs[path.Dir(p)] {
		return nil, Rejection(req.Command, session.StatusErrorStorageNotExist)
	}
	s.dirs[p] = true
	return OK(nil), nil
}

func (s *Storage) write(req session.Request) (*session.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := argString(req, "path")
	if !s.dirs[path.Dir(p)] {
		return nil, Rejection(req.Command, session.StatusErrorStorageNotExist)
	}
	offset := argInt(req, "offset")
	if offset == 0 {
		s.files[p] = append([]byte(nil), req.Payload...)
		return OK(nil), nil
	}
	if offset != len(s.files[p]) {
		return nil, Rejection(req.Command, session.StatusErrorStorageInvalidParameter)
	}
	s.files[p] = append(s.files[p], req.Payload...)
	return OK(nil), nil
}

func (s *Storage) list(req session.Request) (*session.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := argString(req, "path")
	if !s.dirs[p] {
		return nil, Rejection(req.Command, session.StatusErrorStorageNotExist)
	}

	entries := map[string]map[string]any{}
	for dir := range s.dirs {
		if dir != p && path.Dir(dir) == p {
			name := path.Base(dir)
			entries[name] = map[string]any{"name": name, "type": "DIR"}
		}
	}
	for file, data := range s.files {
		if path.Dir(file) == p {
			name := path.Base(file)
			entries[name] = map[string]any{"name": name, "type": "FILE", "size": float64(len(data))}
		}
	}

	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	list := make([]any, 0, len(names))
	for _, name := range names {
		list = append(list, entries[name])
	}
	return OK(map[string]any{"entries": list}), nil
}

func (s *Storage) read(req session.Request) (*session.Response, error) {
	data, ok := s.Get(argString(req, "path"))
	if !ok {
		return nil, Rejection(req.Command, session.StatusErrorStorageNotExist)
	}
	return &session.Response{Fields: map[string]any{}, Payload: append([]byte(nil), data...)}, nil
}

func (s *Storage) md5sum(req session.Request) (*session.Response, error) {
	data, ok := s.Get(argString(req, "path"))
	if !ok {
		return nil, Rejection(req.Command, session.StatusErrorStorageNotExist)
	}
	sum := md5.Sum(data)
	return OK(map[string]any{"md5sum": hex.EncodeToString(sum[:])}), nil
}
