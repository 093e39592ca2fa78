// Package grpcapi serves the backend status and actions over gRPC. Messages
// are well-known protobuf types, so clients need no generated code.
package grpcapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/KevinKickass/OpenDeviceCore/internal/auth"
	"github.com/KevinKickass/OpenDeviceCore/internal/backend"
	"github.com/KevinKickass/OpenDeviceCore/internal/display"
	"github.com/KevinKickass/OpenDeviceCore/internal/interfaces"
	"github.com/KevinKickass/OpenDeviceCore/internal/types"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "devicecore.v1.DeviceCore"

// DeviceCoreServer is the server API for the DeviceCore service.
type DeviceCoreServer interface {
	GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	WatchStatus(*emptypb.Empty, grpc.ServerStreamingServer[structpb.Struct]) error
	Invoke(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// Service implements DeviceCoreServer on top of the coordinator.
type Service struct {
	backend interfaces.Backend
	health  *health.Server
	logger  *zap.Logger
}

func NewService(b interfaces.Backend, logger *zap.Logger) *Service {
	return &Service{
		backend: b,
		health:  health.NewServer(),
		logger:  logger,
	}
}

// Register adds the service and the standard health service to srv.
func (s *Service) Register(srv *grpc.Server) {
	srv.RegisterService(&ServiceDesc, s)
	healthpb.RegisterHealthServer(srv, s.health)
}

// TrackHealth reports the service as SERVING while a device is attached.
// It returns when ctx is done.
func (s *Service) TrackHealth(ctx context.Context) {
	changes, unsubscribe := s.backend.Subscribe()
	defer unsubscribe()

	s.updateHealth()
	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
			s.updateHealth()
		}
	}
}

func (s *Service) updateHealth() {
	serving := healthpb.HealthCheckResponse_SERVING
	if s.backend.Status().Mode == backend.ModeWaitingForDevices {
		serving = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(ServiceName, serving)
}

func (s *Service) GetStatus(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(s.backend.Status())
}

// WatchStatus sends the current status, then one message per change.
func (s *Service) WatchStatus(_ *emptypb.Empty, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	changes, unsubscribe := s.backend.Subscribe()
	defer unsubscribe()

	send := func() error {
		msg, err := toStruct(s.backend.Status())
		if err != nil {
			return err
		}
		return stream.Send(msg)
	}

	if err := send(); err != nil {
		return err
	}
	for {
		select {
		case <-stream.Context().Done():
			return stream.Context().Err()
		case _, ok := <-changes:
			if !ok {
				return nil
			}
			if err := send(); err != nil {
				return err
			}
		}
	}
}

// Invoke runs one backend action. The request carries "action" and,
// depending on it, "path" and "address".
func (s *Service) Invoke(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	action := backend.Action(fields["action"].GetStringValue())
	path := fields["path"].GetStringValue()

	var err error
	switch action {
	case backend.ActionMain:
		err = s.backend.MainAction()
		if errors.Is(err, backend.ErrUpToDate) {
			return structpb.NewStruct(map[string]any{"action": string(action), "started": false, "message": err.Error()})
		}
	case backend.ActionCreateBackup:
		err = s.backend.CreateBackup(path)
	case backend.ActionRestoreBackup:
		err = s.backend.RestoreBackup(path)
	case backend.ActionFactoryReset:
		err = s.backend.FactoryReset()
	case backend.ActionInstallFirmware:
		err = s.backend.InstallFirmware(path)
	case backend.ActionInstallWirelessStack:
		err = s.backend.InstallWirelessStack(path)
	case backend.ActionInstallFUS:
		address, perr := parseAddress(fields["address"])
		if perr != nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid address: %v", perr)
		}
		err = s.backend.InstallFUS(path, address)
	case backend.ActionStartStreaming:
		err = s.backend.StartFullScreenStreaming(ctx)
	case backend.ActionStopStreaming:
		err = s.backend.StopFullScreenStreaming(ctx)
	case backend.ActionRefreshStorage:
		err = s.backend.RefreshStorageInfo()
	case backend.ActionCheckUpdates:
		err = s.backend.CheckFirmwareUpdates()
	case backend.ActionFinalize:
		err = s.backend.FinalizeOperation()
	case actionCancel:
		err = s.backend.CancelOperation()
	default:
		return nil, status.Errorf(codes.InvalidArgument, "unknown action %q", action)
	}
	if err != nil {
		s.logger.Info("gRPC action failed", zap.String("action", string(action)), zap.Error(err))
		return nil, toStatus(err)
	}

	return structpb.NewStruct(map[string]any{"action": string(action), "started": true})
}

// actionCancel has no backend.Action of its own.
const actionCancel backend.Action = "cancel_operation"

func parseAddress(v *structpb.Value) (uint32, error) {
	switch kind := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		n := kind.NumberValue
		if n < 0 || n > float64(^uint32(0)) || n != float64(uint32(n)) {
			return 0, fmt.Errorf("%v out of range", n)
		}
		return uint32(n), nil
	case *structpb.Value_StringValue:
		n, err := strconv.ParseUint(kind.StringValue, 0, 32)
		return uint32(n), err
	default:
		return 0, errors.New("address is required")
	}
}

// toStatus maps backend errors onto gRPC codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, backend.ErrRejected),
		errors.Is(err, display.ErrNotRunning),
		errors.Is(err, display.ErrActive):
		return status.Error(codes.FailedPrecondition, err.Error())
	}

	switch types.KindOf(err) {
	case types.ErrorPrecondition:
		return status.Error(codes.InvalidArgument, err.Error())
	case types.ErrorDeviceUnavailable, types.ErrorDeviceDisconnected:
		return status.Error(codes.Unavailable, err.Error())
	case types.ErrorTimeout:
		return status.Error(codes.DeadlineExceeded, err.Error())
	case types.ErrorCancelled:
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode status: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode status: %v", err)
	}
	return structpb.NewStruct(m)
}

// permissionFor returns what a caller needs for method (and, for Invoke,
// the action).
func permissionFor(method string, action backend.Action) auth.Permission {
	if method != "Invoke" {
		return auth.PermOperator
	}
	switch action {
	case backend.ActionMain, backend.ActionCreateBackup, backend.ActionRestoreBackup,
		backend.ActionFactoryReset, backend.ActionInstallFirmware,
		backend.ActionInstallWirelessStack, actionCancel:
		return auth.PermTechnician
	case backend.ActionInstallFUS:
		return auth.PermAdmin
	default:
		return auth.PermOperator
	}
}
