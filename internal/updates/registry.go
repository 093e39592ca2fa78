package updates

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/KevinKickass/OpenDeviceCore/internal/types"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const maxDirectorySize = 4 << 20

type Config struct {
	DirectoryURL string
	Channel      string
	DownloadDir  string
	Timeout      time.Duration
}

// Verdict is the outcome of evaluating a device against the directory.
type Verdict struct {
	State   FirmwareState `json:"state"`
	Channel string        `json:"channel"`
	Latest  *VersionInfo  `json:"latest,omitempty"`
}

// DeviceRecord is the last known update situation of one device.
type DeviceRecord struct {
	SerialNumber    string        `json:"serial_number"`
	Name            string        `json:"name"`
	Target          string        `json:"target"`
	FirmwareVersion string        `json:"firmware_version"`
	FirmwareChannel string        `json:"firmware_channel"`
	State           FirmwareState `json:"state"`
	LatestVersion   string        `json:"latest_version,omitempty"`
	CheckedAt       time.Time     `json:"checked_at"`
	LastError       string        `json:"last_error,omitempty"`
}

type Registry struct {
	cfg       Config
	client    *http.Client
	fs        afero.Fs
	validator *Validator
	logger    *zap.Logger

	mu        sync.RWMutex
	directory *Directory
	fetchedAt time.Time
	records   map[string]DeviceRecord
}

type Option func(*Registry)

func WithHTTPClient(c *http.Client) Option {
	return func(r *Registry) { r.client = c }
}

// WithFs replaces the filesystem downloads are written to.
func WithFs(fs afero.Fs) Option {
	return func(r *Registry) { r.fs = fs }
}

func NewRegistry(cfg Config, logger *zap.Logger, opts ...Option) (*Registry, error) {
	validator, err := NewValidator()
	if err != nil {
		return nil, err
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Channel == "" {
		cfg.Channel = "release"
	}

	r := &Registry{
		cfg:       cfg,
		client:    &http.Client{Timeout: cfg.Timeout},
		fs:        afero.NewOsFs(),
		validator: validator,
		logger:    logger,
		records:   make(map[string]DeviceRecord),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Registry) Channel() string {
	return r.cfg.Channel
}

// Fetch downloads, validates and stores the directory.
func (r *Registry) Fetch(ctx context.Context) (*Directory, error) {
	if r.cfg.DirectoryURL == "" {
		return nil, types.NewError(types.ErrorPrecondition, "update directory URL is not configured")
	}

	body, err := r.get(ctx, r.cfg.DirectoryURL)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, maxDirectorySize))
	if err != nil {
		return nil, types.WrapError(types.KindOf(err), err, "failed to read update directory")
	}

	if err := r.validator.ValidateDirectory(data); err != nil {
		return nil, types.WrapError(types.ErrorDataIntegrity, err, "update directory rejected")
	}

	var dir Directory
	if err := json.Unmarshal(data, &dir); err != nil {
		return nil, types.WrapError(types.ErrorDataIntegrity, err, "failed to decode update directory")
	}

	r.mu.Lock()
	r.directory = &dir
	r.fetchedAt = time.Now()
	r.mu.Unlock()

	r.logger.Info("Update directory fetched",
		zap.String("url", r.cfg.DirectoryURL),
		zap.Int("channels", len(dir.Channels)))

	return &dir, nil
}

// Directory returns the last fetched directory.
func (r *Registry) Directory() (*Directory, time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.directory == nil {
		return nil, time.Time{}, false
	}
	return r.directory, r.fetchedAt, true
}

// Latest returns the newest version of channel from the last fetch.
func (r *Registry) Latest(channel string) (VersionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.directory == nil {
		return VersionInfo{}, false
	}
	c, ok := r.directory.Channel(channel)
	if !ok {
		return VersionInfo{}, false
	}
	return c.Latest()
}

// Evaluate derives the firmware state of a device from the last fetched
// directory. A device in recovery mode can only be repaired; one running
// another channel's firmware can install the configured channel.
func (r *Registry) Evaluate(info types.DeviceInfo) Verdict {
	v := Verdict{State: StateUnknown, Channel: r.cfg.Channel}

	latest, ok := r.Latest(r.cfg.Channel)
	if !ok {
		return v
	}
	v.Latest = &latest

	switch {
	case info.Recovery:
		v.State = StateCanRepair
	case info.FirmwareVersion == "":
		v.State = StateUnknown
	case info.FirmwareChannel != r.cfg.Channel:
		v.State = StateCanInstall
	case compareVersions(latest.Version, info.FirmwareVersion) > 0:
		v.State = StateCanUpdate
	default:
		v.State = StateNoUpdates
	}
	return v
}

// Check fetches the directory, evaluates info against it and records the
// result for the device.
func (r *Registry) Check(ctx context.Context, info types.DeviceInfo) (Verdict, error) {
	if _, err := r.Fetch(ctx); err != nil {
		r.record(info, Verdict{State: StateErrorOccured, Channel: r.cfg.Channel}, err)
		return Verdict{State: StateErrorOccured, Channel: r.cfg.Channel}, err
	}

	v := r.Evaluate(info)
	r.record(info, v, nil)

	r.logger.Info("Firmware update check finished",
		zap.String("serial_number", info.SerialNumber),
		zap.String("firmware_version", info.FirmwareVersion),
		zap.Stringer("state", v.State))

	return v, nil
}

func (r *Registry) record(info types.DeviceInfo, v Verdict, err error) {
	rec := DeviceRecord{
		SerialNumber:    info.SerialNumber,
		Name:            info.Name,
		Target:          TargetName(info.HardwareTarget),
		FirmwareVersion: info.FirmwareVersion,
		FirmwareChannel: info.FirmwareChannel,
		State:           v.State,
		CheckedAt:       time.Now(),
	}
	if v.Latest != nil {
		rec.LatestVersion = v.Latest.Version
	}
	if err != nil {
		rec.LastError = err.Error()
	}

	key := info.SerialNumber
	if key == "" {
		key = info.Name
	}

	r.mu.Lock()
	r.records[key] = rec
	r.mu.Unlock()
}

// Records lists every device checked so far, most recent first.
func (r *Registry) Records() []DeviceRecord {
	r.mu.RLock()
	recs := make([]DeviceRecord, 0, len(r.records))
	for _, rec := range r.records {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	sort.Slice(recs, func(i, j int) bool {
		return recs[i].CheckedAt.After(recs[j].CheckedAt)
	})
	return recs
}

// Download fetches file into the download directory and verifies its
// sha256. A mismatching file is removed and reported as DataIntegrity.
func (r *Registry) Download(ctx context.Context, file FileInfo) (string, error) {
	name, err := fileName(file.URL)
	if err != nil {
		return "", types.WrapError(types.ErrorPrecondition, err, "invalid download URL")
	}
	dest := filepath.Join(r.cfg.DownloadDir, name)

	if err := r.fs.MkdirAll(r.cfg.DownloadDir, 0o755); err != nil {
		return "", types.WrapError(types.ErrorPrecondition, err, "failed to create download directory")
	}

	body, err := r.get(ctx, file.URL)
	if err != nil {
		return "", err
	}
	defer body.Close()

	out, err := r.fs.Create(dest)
	if err != nil {
		return "", types.WrapError(types.ErrorPrecondition, err, "failed to create %s", dest)
	}

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(out, h), body)
	closeErr := out.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = r.fs.Remove(dest)
		return "", types.WrapError(types.KindOf(err), err, "failed to download %s", name)
	}

	got := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(got, file.SHA256) {
		_ = r.fs.Remove(dest)
		return "", types.NewError(types.ErrorDataIntegrity,
			"checksum mismatch for %s: expected %s, got %s", name, file.SHA256, got)
	}

	r.logger.Info("Update file downloaded",
		zap.String("url", file.URL),
		zap.String("path", dest),
		zap.Int64("bytes", n))

	return dest, nil
}

func (r *Registry) get(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, types.WrapError(types.ErrorPrecondition, err, "failed to create request")
	}
	req.Header.Set("Accept", "application/json, application/octet-stream")

	r.logger.Debug("Fetching from update server", zap.String("url", rawURL))

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, types.WrapError(types.KindOf(err), err, "update server request failed")
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, types.NewError(types.ErrorUnknown, "update server answered %s for %s", resp.Status, rawURL)
	}

	return resp.Body, nil
}

func fileName(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		return "", fmt.Errorf("no file name in %q", rawURL)
	}
	return name, nil
}
