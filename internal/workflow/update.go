package workflow

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"time"

	"github.com/KevinKickass/OpenDeviceCore/internal/operation"
	"github.com/KevinKickass/OpenDeviceCore/internal/types"
	"github.com/KevinKickass/OpenDeviceCore/internal/updates"
	"github.com/KevinKickass/OpenDeviceCore/internal/utility"
	"github.com/spf13/afero"
)

const (
	updateRoot   = utility.ExternalStorage + "/update"
	manifestName = "update.fuf"
)

// UpdateWorkflow downloads the latest package of the configured channel
// and applies it through the device's updater, keeping internal storage
// across the update.
type UpdateWorkflow struct {
	*TopLevel

	pkgFile   string
	pkgDir    string
	backupDir string
}

// Step names of the update workflow, in execution order.
const (
	StepDownloadPackage = "DownloadPackage"
	StepExtractPackage  = "ExtractPackage"
	StepBackup          = "BackupInternalStorage"
	StepCreatePath      = "CreateUpdatePath"
	StepUploadPackage   = "UploadPackage"
	StepVerifyPackage   = "VerifyPackage"
	StepStartUpdater    = "StartUpdater"
	StepWaitForDevice   = "WaitForDevice"
	StepRestore         = "RestoreInternalStorage"
)

func NewUpdateWorkflow(deps Deps) *UpdateWorkflow {
	w := &UpdateWorkflow{}
	w.TopLevel = newTopLevel(operation.KindUpdateWorkflow, "Update firmware", deps, w.plan)
	return w
}

// BackupDir is where internal storage was saved before the update.
func (w *UpdateWorkflow) BackupDir() string {
	return w.backupDir
}

func (w *UpdateWorkflow) plan(v updates.Verdict) ([]Step, error) {
	if v.State != updates.StateCanUpdate && v.State != updates.StateCanInstall {
		return nil, types.NewError(types.ErrorPrecondition, "no update available (%s)", v.State)
	}
	if v.Latest == nil {
		return nil, types.NewError(types.ErrorPrecondition, "no %s version published", v.Channel)
	}

	info := w.deps.Device.Info()
	stamp := time.Now().UTC().Format("20060102-150405")
	w.backupDir = filepath.Join(w.deps.WorkDir, "backups", fmt.Sprintf("%s-%s", backupName(info), stamp))
	extractDir := filepath.Join(w.deps.WorkDir, "packages", v.Latest.Version)

	return []Step{
		{Name: StepDownloadPackage, Run: func(ctx context.Context) error {
			p, err := w.download(ctx, v, updates.FileUpdatePackage)
			w.pkgFile = p
			return err
		}},
		{Name: StepExtractPackage, Run: func(ctx context.Context) error {
			return w.extract(extractDir)
		}},
		{Name: StepBackup, Run: func(ctx context.Context) error {
			return w.await(w.deps.Catalog.BackupInternalStorage(w.backupDir))
		}},
		{Name: StepCreatePath, Run: func(ctx context.Context) error {
			return w.await(w.deps.Catalog.CreatePath(updateRoot))
		}},
		{Name: StepUploadPackage, Run: func(ctx context.Context) error {
			return w.await(w.deps.Catalog.UploadFiles([]string{w.pkgDir}, updateRoot))
		}},
		{Name: StepVerifyPackage, Run: func(ctx context.Context) error {
			return w.await(w.deps.Catalog.VerifyChecksum([]string{w.pkgDir}, updateRoot))
		}},
		{Name: StepStartUpdater, Run: func(ctx context.Context) error {
			manifest := path.Join(updateRoot, filepath.Base(w.pkgDir), manifestName)
			return w.await(w.deps.Catalog.StartUpdater(manifest))
		}},
		{Name: StepWaitForDevice, Run: w.waitForDevice},
		{Name: StepRestore, Run: func(ctx context.Context) error {
			return w.await(w.deps.Catalog.RestoreInternalStorage(w.backupDir))
		}},
	}, nil
}

// extract unpacks the downloaded package and finds the directory holding
// the updater manifest.
func (w *UpdateWorkflow) extract(dest string) error {
	fs := w.deps.Catalog.Fs()

	entries, err := utility.ExtractArchive(fs, w.pkgFile, dest)
	if err != nil {
		return types.WrapError(types.ErrorDataIntegrity, err, "failed to extract update package")
	}

	for _, entry := range entries {
		ok, err := afero.Exists(fs, filepath.Join(entry, manifestName))
		if err == nil && ok {
			w.pkgDir = entry
			return nil
		}
	}
	return types.NewError(types.ErrorDataIntegrity, "update package %s has no %s", filepath.Base(w.pkgFile), manifestName)
}

func backupName(info types.DeviceInfo) string {
	switch {
	case info.SerialNumber != "":
		return info.SerialNumber
	case info.Name != "":
		return info.Name
	default:
		return "device"
	}
}
