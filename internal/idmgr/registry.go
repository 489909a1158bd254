// ============================================================================
// idmgr Registry - identity allocation authority
// ============================================================================
//
// Package: internal/idmgr
// File: registry.go
// Purpose: one Registry per process hands out task ids, thread role ids and
//          register descriptor ids, and decodes packed ids back into
//          machine / thread / device type.
//
// Thread id bands (D = devices per machine, P = persistence workers,
// B = boxing workers):
//
//   [0, D)                device threads
//   D                     comm-net thread (same on every machine)
//   [D+1, D+1+P)          persistence threads
//   [D+1+P, D+1+P+B)      boxing threads
//
// Concurrency:
//   - topology tables are written once in New and only read afterwards
//   - thread offsets and task counters live behind one mutex
//   - the regst desc counter is atomic
//
// ============================================================================

package idmgr

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ChuLiYu/idmgr/internal/idcodec"
	"github.com/ChuLiYu/idmgr/pkg/types"
)

const (
	// DefaultWorkerNum sizes the persistence and boxing bands when the
	// resource descriptor leaves them at zero.
	DefaultWorkerNum = 8

	snapshotSchemaVer = 1
)

// Allocator is the capability used by the job compiler.
type Allocator interface {
	NewTaskID(machineID, thrdID int64) (idcodec.ID, error)
	AllocatePersistenceThrdID(machineID int64) (int64, error)
	AllocateBoxingThrdID(machineID int64) (int64, error)
	CommNetThrdID() int64
	NewRegstDescID() int64
}

// Decoder is the capability used by runtime dispatchers and lookup tools.
type Decoder interface {
	MachineID4MachineName(name string) (int64, error)
	MachineName4MachineID(machineID int64) (string, error)
	MachineID4ActorID(actorID idcodec.ID) int64
	ThrdID4ActorID(actorID idcodec.ID) int64
	GetDeviceTypeFromActorID(actorID idcodec.ID) types.DeviceType
	GetDeviceTypeFromThrdID(thrdID int64) types.DeviceType
	ThrdRole(thrdID int64) types.ThrdRole
}

// Registry owns the topology table and every id counter of a process.
type Registry struct {
	// topology, immutable after New
	resource            types.Resource
	machineNum          int64
	deviceNumPerMachine int64
	deviceType          types.DeviceType
	persistenceNum      int64
	boxingNum           int64
	machineName2ID      map[string]int64
	machineID2Name      []string

	mu                sync.Mutex
	thrdTaskCount     map[idcodec.ID]int64 // machine+thread prefix -> next local id
	persistenceOffset []int64
	boxingOffset      []int64

	regstDescCount atomic.Int64

	log      *logrus.Entry
	observer Observer
}

var (
	_ Allocator = (*Registry)(nil)
	_ Decoder   = (*Registry)(nil)
)

// New validates the resource descriptor and builds the registry.
func New(res types.Resource, opts ...Option) (*Registry, error) {
	r := &Registry{
		log:      logrus.StandardLogger().WithField("component", "idmgr"),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(r)
	}

	if err := r.ingest(res); err != nil {
		r.log.WithError(err).Error("rejecting resource descriptor")
		return nil, err
	}

	r.thrdTaskCount = make(map[idcodec.ID]int64)
	r.persistenceOffset = make([]int64, r.machineNum)
	r.boxingOffset = make([]int64, r.machineNum)

	r.log.WithFields(logrus.Fields{
		"machines":    r.machineNum,
		"devices":     r.deviceNumPerMachine,
		"device_type": r.deviceType,
		"persistence": r.persistenceNum,
		"boxing":      r.boxingNum,
	}).Info("identity registry ready")

	return r, nil
}

func (r *Registry) ingest(res types.Resource) error {
	if len(res.Machines) == 0 {
		return fmt.Errorf("%w: no machines", ErrInvalidTopology)
	}
	if len(res.Machines) > idcodec.MaxMachineID+1 {
		return fmt.Errorf("%w: %d machines exceed the %d-bit machine field",
			ErrInvalidTopology, len(res.Machines), idcodec.MachineIDBits)
	}
	if res.DeviceNumPerMachine <= 0 {
		return fmt.Errorf("%w: device_num_per_machine must be positive, got %d",
			ErrInvalidTopology, res.DeviceNumPerMachine)
	}
	if res.PersistenceWorkerNum < 0 || res.BoxingWorkerNum < 0 {
		return fmt.Errorf("%w: negative worker count", ErrInvalidTopology)
	}

	if res.DeviceType == types.DeviceInvalid {
		res.DeviceType = types.DeviceGPU
	}
	if res.PersistenceWorkerNum == 0 {
		res.PersistenceWorkerNum = DefaultWorkerNum
	}
	if res.BoxingWorkerNum == 0 {
		res.BoxingWorkerNum = DefaultWorkerNum
	}

	// device band + comm-net + persistence band + boxing band
	thrdEnd := res.DeviceNumPerMachine + 1 + res.PersistenceWorkerNum + res.BoxingWorkerNum
	if thrdEnd > idcodec.MaxThrdID+1 {
		return fmt.Errorf("%w: %d thread ids per machine exceed the %d-bit thread field",
			ErrInvalidTopology, thrdEnd, idcodec.ThrdIDBits)
	}

	name2id := make(map[string]int64, len(res.Machines))
	id2name := make([]string, len(res.Machines))
	for i, m := range res.Machines {
		if m.Name == "" {
			return fmt.Errorf("%w: machine %d has no name", ErrInvalidTopology, i)
		}
		if prev, dup := name2id[m.Name]; dup {
			return fmt.Errorf("%w: machine name %q used by %d and %d",
				ErrInvalidTopology, m.Name, prev, i)
		}
		name2id[m.Name] = int64(i)
		id2name[i] = m.Name
	}

	r.resource = res
	r.machineNum = int64(len(res.Machines))
	r.deviceNumPerMachine = res.DeviceNumPerMachine
	r.deviceType = res.DeviceType
	r.persistenceNum = res.PersistenceWorkerNum
	r.boxingNum = res.BoxingWorkerNum
	r.machineName2ID = name2id
	r.machineID2Name = id2name
	return nil
}

// ============================================================================
// Topology lookups
// ============================================================================

// MachineCount returns the number of machines in the job.
func (r *Registry) MachineCount() int64 { return r.machineNum }

// DeviceNumPerMachine returns the size of the device band.
func (r *Registry) DeviceNumPerMachine() int64 { return r.deviceNumPerMachine }

// MachineNames returns machine names ordered by machine id.
func (r *Registry) MachineNames() []string {
	return append([]string(nil), r.machineID2Name...)
}

// MachineID4MachineName maps a machine name to its id.
func (r *Registry) MachineID4MachineName(name string) (int64, error) {
	id, ok := r.machineName2ID[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownMachine, name)
	}
	return id, nil
}

// MachineName4MachineID maps a machine id to its name.
func (r *Registry) MachineName4MachineID(machineID int64) (string, error) {
	if err := r.checkMachine(machineID); err != nil {
		return "", err
	}
	return r.machineID2Name[machineID], nil
}

func (r *Registry) checkMachine(machineID int64) error {
	if machineID < 0 || machineID >= r.machineNum {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrMachineOutOfRange, machineID, r.machineNum)
	}
	return nil
}

// ============================================================================
// Thread bands
// ============================================================================

// CommNetThrdID is the comm-net thread id, identical on every machine.
func (r *Registry) CommNetThrdID() int64 {
	return r.deviceNumPerMachine
}

func (r *Registry) persistenceBegin() int64 { return r.deviceNumPerMachine + 1 }
func (r *Registry) boxingBegin() int64 { return r.persistenceBegin() + r.persistenceNum }
func (r *Registry) thrdEnd() int64 { return r.boxingBegin() + r.boxingNum }

// Bands returns the thread id layout in ascending order.
func (r *Registry) Bands() []types.ThrdBand {
	return []types.ThrdBand{
		{Role: types.RoleDevice, Begin: 0, End: r.deviceNumPerMachine},
		{Role: types.RoleCommNet, Begin: r.CommNetThrdID(), End: r.CommNetThrdID() + 1},
		{Role: types.RolePersistence, Begin: r.persistenceBegin(), End: r.boxingBegin()},
		{Role: types.RoleBoxing, Begin: r.boxingBegin(), End: r.thrdEnd()},
	}
}

// ThrdRole classifies a thread id into its band.
func (r *Registry) ThrdRole(thrdID int64) types.ThrdRole {
	switch {
	case thrdID < 0:
		return types.RoleUnassigned
	case thrdID < r.deviceNumPerMachine:
		return types.RoleDevice
	case thrdID == r.CommNetThrdID():
		return types.RoleCommNet
	case thrdID < r.boxingBegin():
		return types.RolePersistence
	case thrdID < r.thrdEnd():
		return types.RoleBoxing
	default:
		return types.RoleUnassigned
	}
}

// AllocatePersistenceThrdID hands out the next persistence thread id of a machine.
func (r *Registry) AllocatePersistenceThrdID(machineID int64) (int64, error) {
	return r.allocateThrd(machineID, types.RolePersistence, r.persistenceOffset,
		r.persistenceBegin(), r.persistenceNum)
}

// AllocateBoxingThrdID hands out the next boxing thread id of a machine.
func (r *Registry) AllocateBoxingThrdID(machineID int64) (int64, error) {
	return r.allocateThrd(machineID, types.RoleBoxing, r.boxingOffset,
		r.boxingBegin(), r.boxingNum)
}

func (r *Registry) allocateThrd(machineID int64, role types.ThrdRole, offsets []int64, begin, size int64) (int64, error) {
	if err := r.checkMachine(machineID); err != nil {
		r.observer.AllocationFailed("machine_out_of_range")
		return 0, err
	}

	r.mu.Lock()
	offset := offsets[machineID]
	if offset >= size {
		r.mu.Unlock()
		r.observer.AllocationFailed("band_exhausted")
		r.log.WithFields(logrus.Fields{"machine": machineID, "role": role, "size": size}).
			Warn("thread band exhausted")
		return 0, fmt.Errorf("%w: %s band of machine %d holds %d threads",
			ErrCapacityExceeded, role, machineID, size)
	}
	offsets[machineID] = offset + 1
	r.mu.Unlock()

	r.observer.ThrdIDAllocated(role)
	return begin + offset, nil
}

// ============================================================================
// Task ids and regst desc ids
// ============================================================================

// NewTaskID returns the next task id of the (machine, thread) pair. Local ids
// of one pair start at zero and never repeat.
func (r *Registry) NewTaskID(machineID, thrdID int64) (idcodec.ID, error) {
	if err := r.checkMachine(machineID); err != nil {
		r.observer.AllocationFailed("machine_out_of_range")
		return 0, err
	}
	if thrdID < 0 || thrdID > idcodec.MaxThrdID {
		r.observer.AllocationFailed("thrd_out_of_range")
		return 0, fmt.Errorf("%w: %d", ErrThrdOutOfRange, thrdID)
	}

	prefix := idcodec.MustEncode(machineID, thrdID, 0)

	r.mu.Lock()
	local := r.thrdTaskCount[prefix]
	if local > idcodec.MaxLocalID {
		r.mu.Unlock()
		r.observer.AllocationFailed("task_counter_exhausted")
		r.log.WithFields(logrus.Fields{"machine": machineID, "thrd": thrdID}).
			Warn("task counter exhausted")
		return 0, fmt.Errorf("%w: thread %d of machine %d issued %d tasks",
			ErrCapacityExceeded, thrdID, machineID, local)
	}
	r.thrdTaskCount[prefix] = local + 1
	r.mu.Unlock()

	r.observer.TaskIDIssued(machineID, thrdID)
	return prefix | idcodec.ID(local), nil
}

// NewRegstDescID returns 0, 1, 2, ... across the whole process.
func (r *Registry) NewRegstDescID() int64 {
	id := r.regstDescCount.Add(1) - 1
	r.observer.RegstDescIDIssued()
	return id
}

// ============================================================================
// Runtime decoding
// ============================================================================

// MachineID4ActorID extracts the machine id.
func (r *Registry) MachineID4ActorID(actorID idcodec.ID) int64 {
	return actorID.MachineID()
}

// ThrdID4ActorID extracts the thread id.
func (r *Registry) ThrdID4ActorID(actorID idcodec.ID) int64 {
	return actorID.ThrdID()
}

// GetDeviceTypeFromActorID classifies the thread the actor runs on.
func (r *Registry) GetDeviceTypeFromActorID(actorID idcodec.ID) types.DeviceType {
	return r.GetDeviceTypeFromThrdID(actorID.ThrdID())
}

// GetDeviceTypeFromThrdID returns the configured device type for the device
// band, CPU for the host bands and DeviceInvalid past the last band.
func (r *Registry) GetDeviceTypeFromThrdID(thrdID int64) types.DeviceType {
	switch r.ThrdRole(thrdID) {
	case types.RoleDevice:
		return r.deviceType
	case types.RoleCommNet, types.RolePersistence, types.RoleBoxing:
		return types.DeviceCPU
	default:
		return types.DeviceInvalid
	}
}

// ============================================================================
// Snapshot
// ============================================================================

// Snapshot copies the topology and the current high-water marks. The result
// is for inspection only; nothing loads it back into a Registry.
func (r *Registry) Snapshot() types.RegistrySnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	machines := make([]types.MachineCounters, r.machineNum)
	for i := range machines {
		machines[i] = types.MachineCounters{
			MachineID:         int64(i),
			MachineName:       r.machineID2Name[i],
			PersistenceOffset: r.persistenceOffset[i],
			BoxingOffset:      r.boxingOffset[i],
		}
	}
	for prefix, next := range r.thrdTaskCount {
		mc := &machines[prefix.MachineID()]
		if mc.TasksPerThrd == nil {
			mc.TasksPerThrd = make(map[int64]int64)
		}
		mc.TasksPerThrd[prefix.ThrdID()] = next
	}

	res := r.resource
	res.Machines = append([]types.Machine(nil), r.resource.Machines...)

	return types.RegistrySnapshot{
		SchemaVer:     snapshotSchemaVer,
		Resource:      res,
		Bands:         r.Bands(),
		Machines:      machines,
		RegstDescNext: r.regstDescCount.Load(),
		TakenAtMs:     time.Now().UnixMilli(),
	}
}
