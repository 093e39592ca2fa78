package workflow

import (
	"context"

	"github.com/KevinKickass/OpenDeviceCore/internal/operation"
	"github.com/KevinKickass/OpenDeviceCore/internal/types"
	"github.com/KevinKickass/OpenDeviceCore/internal/updates"
	"go.uber.org/zap"
)

// Step names of the repair workflow, in execution order.
const (
	StepDownloadImage   = "DownloadRecoveryImage"
	StepEnterRecovery   = "StartRecoveryMode"
	StepInstallFirmware = "InstallFirmware"
	StepDownloadAssets  = "DownloadAssets"
	StepProvisionRegion = "ProvisionRegionData"
)

// RepairWorkflow re-flashes the device from the published recovery image
// and provisions it again. It works on a device stuck in recovery mode as
// well as on a running one.
type RepairWorkflow struct {
	*TopLevel

	image string
}

func NewRepairWorkflow(deps Deps) *RepairWorkflow {
	w := &RepairWorkflow{}
	w.TopLevel = newTopLevel(operation.KindRepairWorkflow, "Repair device", deps, w.plan)
	return w
}

func (w *RepairWorkflow) plan(v updates.Verdict) ([]Step, error) {
	if v.Latest == nil {
		return nil, types.NewError(types.ErrorPrecondition, "no %s version published", v.Channel)
	}

	steps := []Step{
		{Name: StepDownloadImage, Run: func(ctx context.Context) error {
			p, err := w.download(ctx, v, updates.FileRecoveryImage)
			w.image = p
			return err
		}},
		// The operation itself waits for the device to come back in
		// recovery mode.
		{Name: StepEnterRecovery, Run: func(ctx context.Context) error {
			if err := w.await(w.deps.Catalog.StartRecoveryMode()); err != nil {
				return err
			}
			w.discardLinkChanges()
			return nil
		}},
		// Leaves recovery once the image is written, which restarts the device.
		{Name: StepInstallFirmware, Run: func(ctx context.Context) error {
			return w.await(w.deps.Catalog.InstallFirmware(w.image))
		}},
		{Name: StepWaitForDevice, Run: w.waitForDevice},
		{Name: StepDownloadAssets, Run: func(ctx context.Context) error {
			bundle, err := w.download(ctx, v, updates.FileAssets)
			if err != nil {
				return err
			}
			return w.await(w.deps.Catalog.DownloadAssets(bundle))
		}},
	}

	if w.deps.Catalog.Region() != "" {
		steps = append(steps, Step{Name: StepProvisionRegion, Run: func(ctx context.Context) error {
			return w.await(w.deps.Catalog.ProvisionRegionData())
		}})
	} else {
		w.deps.Logger.Warn("No region configured, region data will not be provisioned",
			zap.String("workflow_id", w.ID().String()))
	}

	return steps, nil
}
