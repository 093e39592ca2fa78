package utility

import (
	"sync/atomic"
	"testing"

	"github.com/KevinKickass/OpenDeviceCore/internal/operation"
	"github.com/KevinKickass/OpenDeviceCore/internal/session"
	"github.com/KevinKickass/OpenDeviceCore/internal/session/sessiontest"
	"github.com/KevinKickass/OpenDeviceCore/internal/types"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalog_InvalidParametersNeverEnqueue(t *testing.T) {
	h := newHarness(t)

	cases := []struct {
		name string
		op   operation.Operation
	}{
		{"upload without files", h.catalog.UploadFiles(nil, "/ext/apps")},
		{"upload outside storage", h.catalog.UploadFiles([]string{"/a"}, "/tmp")},
		{"upload to sibling volume name", h.catalog.UploadFiles([]string{"/a"}, "/external")},
		{"create unclean path", h.catalog.CreatePath("/ext/../int")},
		{"empty backup destination", h.catalog.BackupInternalStorage("")},
		{"missing restore source", h.catalog.RestoreInternalStorage("/nope")},
		{"checksum without files", h.catalog.VerifyChecksum(nil, "/ext")},
		{"FUS outside flash", h.catalog.InstallFUS("/fus.bin", 0x1000)},
		{"FUS unaligned", h.catalog.InstallFUS("/fus.bin", 0x080ec001)},
		{"region not configured", h.catalog.ProvisionRegionData()},
		{"updater manifest", h.catalog.StartUpdater("update.fuf")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := tc.op.Base()
			select {
			case <-m.Done():
			default:
				t.Fatal("operation should already be terminal")
			}
			assert.Equal(t, operation.StateError, m.State())
			assert.Equal(t, types.ErrorPrecondition, types.KindOf(m.Err()))
		})
	}

	assert.Equal(t, 0, h.runner.Len())
	assert.Empty(t, h.fake.Requests())
}

func TestCatalog_ChecksumMismatchIsDataIntegrity(t *testing.T) {
	h := newHarness(t)
	h.writeLocal(t, "/pkg/firmware.dfu", "good image")
	h.devfs.Put("/ext/update/firmware.dfu", []byte("bad image"))

	op := h.catalog.VerifyChecksum([]string{"/pkg/firmware.dfu"}, "/ext/update")
	m := wait(t, op)

	assert.Equal(t, types.ErrorDataIntegrity, types.KindOf(m.Err()))
	require.Len(t, op.Mismatches(), 1)
	assert.Equal(t, "/ext/update/firmware.dfu", op.Mismatches()[0].Remote)
	assert.False(t, types.ErrorDataIntegrity.Retryable())
}

func TestCatalog_UploadThenVerify(t *testing.T) {
	h := newHarness(t)
	h.writeLocal(t, "/pkg/f7-update/update.fuf", "manifest")
	h.writeLocal(t, "/pkg/f7-update/firmware.dfu", "0123456789")
	h.writeLocal(t, "/pkg/f7-update/res/icons.bin", "")

	upload := h.catalog.UploadFiles([]string{"/pkg/f7-update"}, "/ext/update")
	verify := h.catalog.VerifyChecksum([]string{"/pkg/f7-update"}, "/ext/update")

	require.True(t, wait(t, upload).Succeeded(), "%v", upload.Err())
	require.True(t, wait(t, verify).Succeeded(), "%v", verify.Err())

	data, ok := h.devfs.Get("/ext/update/f7-update/firmware.dfu")
	require.True(t, ok)
	assert.Equal(t, "0123456789", string(data))

	empty, ok := h.devfs.Get("/ext/update/f7-update/res/icons.bin")
	require.True(t, ok)
	assert.Empty(t, empty)

	assert.Equal(t, 3, upload.FileCount())
	assert.Equal(t, float64(100), upload.Progress())
	// chunks of 4: 10 bytes -> 3, 8 bytes -> 2, empty file -> 1
	assert.Equal(t, 6, h.commandCount(session.CmdStorageWrite))
}

func TestCatalog_UploadMissingLocalFile(t *testing.T) {
	h := newHarness(t)

	m := wait(t, h.catalog.UploadFiles([]string{"/does/not/exist"}, "/ext"))

	assert.Equal(t, types.ErrorPrecondition, types.KindOf(m.Err()))
	assert.Empty(t, h.fake.Requests())
}

func TestCatalog_CreatePathAcceptsExisting(t *testing.T) {
	h := newHarness(t)
	h.devfs.Put("/ext/update/old.txt", nil)

	m := wait(t, h.catalog.CreatePath("/ext/update/0.98.3"))

	require.True(t, m.Succeeded(), "%v", m.Err())
	assert.Equal(t, 2, h.commandCount(session.CmdStorageMkdir))
}

func TestCatalog_BackupAndRestore(t *testing.T) {
	h := newHarness(t)
	h.devfs.Put("/int/.desktop.settings", []byte("desktop"))
	h.devfs.Put("/int/apps/nfc/card.nfc", []byte("Filetype: NFC"))

	backup := h.catalog.BackupInternalStorage("/backups/one")
	require.True(t, wait(t, backup).Succeeded(), "%v", backup.Err())

	manifest := backup.Manifest()
	require.NotNil(t, manifest)
	assert.Equal(t, []string{"apps", "apps/nfc"}, manifest.Directories)
	require.Len(t, manifest.Files, 2)
	assert.Equal(t, ".desktop.settings", manifest.Files[0].Path)

	loaded, err := LoadBackupManifest(h.fs, "/backups/one")
	require.NoError(t, err)
	assert.Equal(t, manifest.Files, loaded.Files)

	h.devfs.Reset()

	restore := h.catalog.RestoreInternalStorage("/backups/one")
	require.True(t, wait(t, restore).Succeeded(), "%v", restore.Err())

	data, ok := h.devfs.Get("/int/apps/nfc/card.nfc")
	require.True(t, ok)
	assert.Equal(t, "Filetype: NFC", string(data))
}

func TestCatalog_RestoreRejectsCorruptBackup(t *testing.T) {
	h := newHarness(t)
	h.devfs.Put("/int/notes.txt", []byte("original"))

	require.True(t, wait(t, h.catalog.BackupInternalStorage("/backups/two")).Succeeded())
	h.writeLocal(t, "/backups/two/int/notes.txt", "tampered")
	before := len(h.fake.Requests())

	m := wait(t, h.catalog.RestoreInternalStorage("/backups/two"))

	assert.Equal(t, types.ErrorDataIntegrity, types.KindOf(m.Err()))
	assert.Len(t, h.fake.Requests(), before, "nothing is written from a corrupt backup")
}

func TestCatalog_DownloadDirectory(t *testing.T) {
	h := newHarness(t)
	h.devfs.Put("/ext/subghz/remote.sub", []byte("Frequency: 433920000"))

	op := h.catalog.DownloadDirectory("/local/subghz", "/ext/subghz")
	require.True(t, wait(t, op).Succeeded(), "%v", op.Err())

	data, err := afero.ReadFile(h.fs, "/local/subghz/remote.sub")
	require.NoError(t, err)
	assert.Equal(t, "Frequency: 433920000", string(data))
	assert.Equal(t, []string{"remote.sub"}, op.Files())
}

func TestCatalog_RefreshStorageInfoWithoutSDCard(t *testing.T) {
	h := newHarness(t)
	h.fake.Handle(session.CmdStorageInfo, func(req session.Request) (*session.Response, error) {
		if path, _ := req.Args["path"].(string); path == ExternalStorage {
			return nil, sessiontest.Rejection(req.Command, session.StatusErrorStorageNotReady)
		}
		return sessiontest.OK(map[string]any{"total_space": float64(1000), "free_space": float64(400)}), nil
	})

	op := h.catalog.RefreshStorageInfo()
	require.True(t, wait(t, op).Succeeded(), "%v", op.Err())

	storage := h.state.Snapshot().Storage
	require.Len(t, storage, 2)
	assert.True(t, storage[0].Present)
	assert.Equal(t, uint64(400), storage[0].FreeBytes)
	assert.False(t, storage[1].Present)

	assets := h.catalog.DownloadAssets("/bundle.tgz")
	assert.Equal(t, types.ErrorPrecondition, types.KindOf(wait(t, assets).Err()))
}

func TestCatalog_FetchDeviceInfo(t *testing.T) {
	h := newHarness(t)
	h.fake.Reply(session.CmdDeviceInfo, map[string]any{
		"hardware_name":       "Anana",
		"hardware_uid":        "2C4F0E1A",
		"hardware_target":     float64(7),
		"firmware_version":    "0.98.3",
		"firmware_branch":     "release",
		"firmware_build_date": "15-02-2024",
	})

	op := h.catalog.FetchDeviceInfo()
	require.True(t, wait(t, op).Succeeded(), "%v", op.Err())

	info := h.state.Info()
	assert.Equal(t, "Anana", info.Name)
	assert.Equal(t, 7, info.HardwareTarget)
	assert.Equal(t, "release", info.FirmwareChannel)
	assert.Equal(t, 2024, info.FirmwareDate.Year())
}

func TestCatalog_InstallFirmwareThroughRecovery(t *testing.T) {
	h := newHarness(t)
	h.writeLocal(t, "/images/full.dfu", "0123456789")
	restarts := h.restartsOn(session.CmdReboot)

	var early atomic.Bool
	h.fake.Handle(session.CmdRecoveryWrite, func(session.Request) (*session.Response, error) {
		if restarts.Load() == 0 {
			early.Store(true)
		}
		return sessiontest.OK(nil), nil
	})

	op := h.catalog.InstallFirmware("/images/full.dfu")
	require.True(t, wait(t, op).Succeeded(), "%v", op.Err())
	assert.False(t, early.Load(), "image written before the device came back in recovery")

	assert.Equal(t, []string{
		session.CmdReboot,
		session.CmdRecoveryWrite, session.CmdRecoveryWrite, session.CmdRecoveryWrite,
		session.CmdRecoveryLeave,
	}, h.fake.Commands())
	assert.Equal(t, session.RebootRecovery, h.fake.Requests()[0].Args["mode"])
	assert.Equal(t, FlashBase+4, h.fake.Requests()[2].Args["address"])
	assert.False(t, h.state.Recovery())
}

func TestCatalog_StartRecoveryWaitsForDevice(t *testing.T) {
	h := newHarness(t)
	restarts := h.restartsOn(session.CmdReboot)

	op := h.catalog.StartRecoveryMode()
	require.True(t, wait(t, op).Succeeded(), "%v", op.Err())

	assert.Equal(t, int32(1), restarts.Load())
	assert.Equal(t, session.Attached, h.fake.State())
	assert.True(t, h.state.Recovery())

	// Already in recovery: nothing is sent.
	op = h.catalog.StartRecoveryMode()
	require.True(t, wait(t, op).Succeeded())
	assert.Equal(t, 1, h.commandCount(session.CmdReboot))
}

func TestCatalog_ProvisionRegionRefusedInRecovery(t *testing.T) {
	h := newHarness(t, WithRegion("eu"))
	h.state.SetRecovery(true)

	m := wait(t, h.catalog.ProvisionRegionData())

	assert.Equal(t, types.ErrorPrecondition, types.KindOf(m.Err()))
	assert.Empty(t, h.fake.Requests())

	h.state.SetRecovery(false)
	m = wait(t, h.catalog.ProvisionRegionData())
	require.True(t, m.Succeeded())
	assert.Equal(t, "EU", h.state.Snapshot().Region)
}

func TestCatalog_InstallFUS(t *testing.T) {
	h := newHarness(t)
	h.writeLocal(t, "/radio/stm32wb5x_FUS_fw.bin", "fus-image")

	op := h.catalog.InstallFUS("/radio/stm32wb5x_FUS_fw.bin", 0x080ec000)
	require.True(t, wait(t, op).Succeeded(), "%v", op.Err())

	reqs := h.fake.Requests()
	last := reqs[len(reqs)-1]
	assert.Equal(t, session.CmdRadioFUSInstall, last.Command)
	assert.Equal(t, "/ext/radio/stm32wb5x_FUS_fw.bin", last.Args["path"])
	assert.Equal(t, uint32(0x080ec000), last.Args["address"])
	assert.False(t, hasPrefix(h.fake.Commands(), "dfu_"))
}

func TestCatalog_DownloadAssets(t *testing.T) {
	h := newHarness(t)

	writeTarGz(t, h.fs, "/bundle.tgz", []tarEntry{
		{name: "resources/"},
		{name: "resources/dolphin/"},
		{name: "resources/dolphin/manifest.txt", data: "frame data"},
	})

	op := h.catalog.DownloadAssets("/bundle.tgz")
	require.True(t, wait(t, op).Succeeded(), "%v", op.Err())

	data, ok := h.devfs.Get("/ext/dolphin/manifest.txt")
	require.True(t, ok)
	assert.Equal(t, "frame data", string(data))
}

func TestAssetPath(t *testing.T) {
	assert.Equal(t, "", assetPath("resources/"))
	assert.Equal(t, "", assetPath("./"))
	assert.Equal(t, "", assetPath("../etc/passwd"))
	assert.Equal(t, "dolphin/a.bm", assetPath("./resources/dolphin/a.bm"))
	assert.Equal(t, "badusb/demo.txt", assetPath("badusb/demo.txt"))
}
