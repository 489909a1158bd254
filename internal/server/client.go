package server

import (
	"context"
	"fmt"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/idmgr/internal/idcodec"
	"github.com/ChuLiYu/idmgr/pkg/types"
)

// Client calls a remote IdentityService.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// TopologyInfo is the Topology RPC result.
type TopologyInfo struct {
	Machines            []string
	DeviceNumPerMachine int64
	CommNetThrdID       int64
	Bands               []types.ThrdBand
}

// DecodeActorID asks the service to take id apart.
func (c *Client) DecodeActorID(ctx context.Context, id idcodec.ID, opts ...grpc.CallOption) (Decoded, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, decodeActorIDMethod, wrapperspb.Int64(id.Int64()), out, opts...); err != nil {
		return Decoded{}, fmt.Errorf("rpc decode failed: %w", err)
	}

	f := out.GetFields()
	actorID, err := strconv.ParseInt(f["actor_id"].GetStringValue(), 10, 64)
	if err != nil {
		return Decoded{}, fmt.Errorf("rpc decode: bad actor_id: %w", err)
	}
	deviceType, err := types.ParseDeviceType(f["device_type"].GetStringValue())
	if err != nil {
		deviceType = types.DeviceInvalid
	}

	return Decoded{
		ActorID:     idcodec.ID(actorID),
		MachineID:   int64(f["machine_id"].GetNumberValue()),
		MachineName: f["machine_name"].GetStringValue(),
		ThrdID:      int64(f["thrd_id"].GetNumberValue()),
		LocalID:     int64(f["local_id"].GetNumberValue()),
		Role:        types.ThrdRole(f["role"].GetStringValue()),
		DeviceType:  deviceType,
	}, nil
}

// MachineID4MachineName resolves a machine name remotely.
func (c *Client) MachineID4MachineName(ctx context.Context, name string, opts ...grpc.CallOption) (int64, error) {
	out := new(wrapperspb.Int64Value)
	if err := c.cc.Invoke(ctx, machineID4MachineNameMethod, wrapperspb.String(name), out, opts...); err != nil {
		return 0, fmt.Errorf("rpc machine id lookup failed: %w", err)
	}
	return out.GetValue(), nil
}

// MachineName4MachineID resolves a machine id remotely.
func (c *Client) MachineName4MachineID(ctx context.Context, machineID int64, opts ...grpc.CallOption) (string, error) {
	out := new(wrapperspb.StringValue)
	if err := c.cc.Invoke(ctx, machineName4MachineIDMethod, wrapperspb.Int64(machineID), out, opts...); err != nil {
		return "", fmt.Errorf("rpc machine name lookup failed: %w", err)
	}
	return out.GetValue(), nil
}

// Topology fetches the machine table and thread band layout.
func (c *Client) Topology(ctx context.Context, opts ...grpc.CallOption) (TopologyInfo, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, topologyMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return TopologyInfo{}, fmt.Errorf("rpc topology failed: %w", err)
	}

	f := out.GetFields()
	info := TopologyInfo{
		DeviceNumPerMachine: int64(f["device_num_per_machine"].GetNumberValue()),
		CommNetThrdID:       int64(f["comm_net_thrd_id"].GetNumberValue()),
	}
	for _, v := range f["machines"].GetListValue().GetValues() {
		info.Machines = append(info.Machines, v.GetStringValue())
	}
	for _, v := range f["bands"].GetListValue().GetValues() {
		bf := v.GetStructValue().GetFields()
		info.Bands = append(info.Bands, types.ThrdBand{
			Role:  types.ThrdRole(bf["role"].GetStringValue()),
			Begin: int64(bf["begin"].GetNumberValue()),
			End:   int64(bf["end"].GetNumberValue()),
		})
	}
	return info, nil
}
