package server

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/idmgr/internal/idcodec"
	"github.com/ChuLiYu/idmgr/internal/idmgr"
	"github.com/ChuLiYu/idmgr/pkg/types"
)

// Registry is what the lookup service needs from an idmgr.Registry.
// Allocation is not exposed: ids are only issued in-process.
type Registry interface {
	idmgr.Decoder
	MachineNames() []string
	DeviceNumPerMachine() int64
	CommNetThrdID() int64
	Bands() []types.ThrdBand
}

// Decoded is a packed id taken apart.
type Decoded struct {
	ActorID     idcodec.ID
	MachineID   int64
	MachineName string
	ThrdID      int64
	LocalID     int64
	Role        types.ThrdRole
	DeviceType  types.DeviceType
}

// Decode resolves every field of id against the registry topology.
func Decode(reg Registry, id idcodec.ID) (Decoded, error) {
	d := Decoded{
		ActorID:    id,
		MachineID:  reg.MachineID4ActorID(id),
		ThrdID:     reg.ThrdID4ActorID(id),
		LocalID:    id.LocalID(),
		DeviceType: reg.GetDeviceTypeFromActorID(id),
	}
	d.Role = reg.ThrdRole(d.ThrdID)

	name, err := reg.MachineName4MachineID(d.MachineID)
	if err != nil {
		return d, err
	}
	d.MachineName = name
	return d, nil
}

// Server implements IdentityServiceServer on top of a Registry.
type Server struct {
	reg Registry
}

// NewServer creates a new lookup service instance.
func NewServer(reg Registry) *Server {
	return &Server{reg: reg}
}

var _ IdentityServiceServer = (*Server)(nil)

// DecodeActorID handles DecodeActorID RPC
func (s *Server) DecodeActorID(ctx context.Context, req *wrapperspb.Int64Value) (*structpb.Struct, error) {
	if req.GetValue() < 0 {
		return nil, status.Errorf(codes.InvalidArgument, "actor id %d has the sign bit set", req.GetValue())
	}

	d, err := Decode(s.reg, idcodec.ID(req.GetValue()))
	if err != nil {
		return nil, toStatus(err)
	}

	return structpb.NewStruct(map[string]interface{}{
		"actor_id":     strconv.FormatInt(d.ActorID.Int64(), 10),
		"machine_id":   d.MachineID,
		"machine_name": d.MachineName,
		"thrd_id":      d.ThrdID,
		"local_id":     d.LocalID,
		"role":         string(d.Role),
		"device_type":  d.DeviceType.String(),
	})
}

// MachineID4MachineName handles MachineID4MachineName RPC
func (s *Server) MachineID4MachineName(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.Int64Value, error) {
	id, err := s.reg.MachineID4MachineName(req.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.Int64(id), nil
}

// MachineName4MachineID handles MachineName4MachineID RPC
func (s *Server) MachineName4MachineID(ctx context.Context, req *wrapperspb.Int64Value) (*wrapperspb.StringValue, error) {
	name, err := s.reg.MachineName4MachineID(req.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.String(name), nil
}

// Topology handles Topology RPC
func (s *Server) Topology(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	names := s.reg.MachineNames()
	machines := make([]interface{}, len(names))
	for i, n := range names {
		machines[i] = n
	}

	bands := s.reg.Bands()
	bandList := make([]interface{}, len(bands))
	for i, b := range bands {
		bandList[i] = map[string]interface{}{
			"role":  string(b.Role),
			"begin": b.Begin,
			"end":   b.End,
		}
	}

	return structpb.NewStruct(map[string]interface{}{
		"machines":               machines,
		"device_num_per_machine": s.reg.DeviceNumPerMachine(),
		"comm_net_thrd_id":       s.reg.CommNetThrdID(),
		"bands":                  bandList,
	})
}

// toStatus maps registry errors onto gRPC codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, idmgr.ErrUnknownMachine):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, idmgr.ErrMachineOutOfRange), errors.Is(err, idmgr.ErrThrdOutOfRange):
		return status.Error(codes.OutOfRange, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// LoggingInterceptor logs every unary call at debug level and failures at warn.
func LoggingInterceptor(log *logrus.Entry) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		entry := log.WithFields(logrus.Fields{
			"method":   info.FullMethod,
			"code":     status.Code(err).String(),
			"duration": time.Since(start),
		})
		if err != nil {
			entry.WithError(err).Warn("rpc failed")
		} else {
			entry.Debug("rpc served")
		}
		return resp, err
	}
}
