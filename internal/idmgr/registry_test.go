package idmgr

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/idmgr/internal/idcodec"
	"github.com/ChuLiYu/idmgr/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func newTestResource(names ...string) types.Resource {
	res := types.Resource{DeviceNumPerMachine: 4, DeviceType: types.DeviceGPU}
	for _, n := range names {
		res.Machines = append(res.Machines, types.Machine{Name: n})
	}
	return res
}

func newTestRegistry(t *testing.T, res types.Resource, opts ...Option) *Registry {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	r, err := New(res, opts...)
	require.NoError(t, err)
	return r
}

type recordingObserver struct {
	mu       sync.Mutex
	tasks    int
	thrds    map[types.ThrdRole]int
	regsts   int
	failures map[string]int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{
		thrds:    make(map[types.ThrdRole]int),
		failures: make(map[string]int),
	}
}

func (o *recordingObserver) TaskIDIssued(int64, int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tasks++
}

func (o *recordingObserver) ThrdIDAllocated(role types.ThrdRole) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.thrds[role]++
}

func (o *recordingObserver) RegstDescIDIssued() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.regsts++
}

func (o *recordingObserver) AllocationFailed(reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures[reason]++
}

// ============================================================================
// Topology ingestion
// ============================================================================

func TestNew_Defaults(t *testing.T) {
	res := newTestResource("m0", "m1")
	res.DeviceType = types.DeviceInvalid

	r := newTestRegistry(t, res)

	assert.Equal(t, int64(2), r.MachineCount())
	assert.Equal(t, int64(4), r.DeviceNumPerMachine())
	assert.Equal(t, []string{"m0", "m1"}, r.MachineNames())
	assert.Equal(t, types.DeviceGPU, r.GetDeviceTypeFromThrdID(0))
	assert.Equal(t, int64(DefaultWorkerNum), r.persistenceNum)
	assert.Equal(t, int64(DefaultWorkerNum), r.boxingNum)
}

func TestNew_InvalidTopology(t *testing.T) {
	testCases := []struct {
		name string
		res  types.Resource
	}{
		{"no machines", types.Resource{DeviceNumPerMachine: 4}},
		{"zero devices", types.Resource{Machines: []types.Machine{{Name: "m0"}}}},
		{"negative devices", types.Resource{Machines: []types.Machine{{Name: "m0"}}, DeviceNumPerMachine: -1}},
		{"duplicate name", newTestResource("m0", "m1", "m0")},
		{"empty name", newTestResource("m0", "")},
		{"negative persistence", types.Resource{
			Machines: []types.Machine{{Name: "m0"}}, DeviceNumPerMachine: 1, PersistenceWorkerNum: -2,
		}},
		{"bands exceed thread field", types.Resource{
			Machines: []types.Machine{{Name: "m0"}}, DeviceNumPerMachine: 240,
			PersistenceWorkerNum: 8, BoxingWorkerNum: 8,
		}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r, err := New(tc.res, WithLogger(quietLogger()))
			assert.Nil(t, r)
			assert.True(t, errors.Is(err, ErrInvalidTopology), "got %v", err)
		})
	}
}

func TestNew_BandsFillThreadFieldExactly(t *testing.T) {
	res := types.Resource{
		Machines:             []types.Machine{{Name: "m0"}},
		DeviceNumPerMachine:  239,
		PersistenceWorkerNum: 8,
		BoxingWorkerNum:      8,
	}
	r := newTestRegistry(t, res)
	assert.Equal(t, int64(idcodec.MaxThrdID+1), r.thrdEnd())
}

func TestNew_TooManyMachines(t *testing.T) {
	res := types.Resource{DeviceNumPerMachine: 1}
	for i := 0; i <= idcodec.MaxMachineID+1; i++ {
		res.Machines = append(res.Machines, types.Machine{Name: fmt.Sprintf("m%d", i)})
	}
	_, err := New(res, WithLogger(quietLogger()))
	assert.ErrorIs(t, err, ErrInvalidTopology)
}

func TestMachineLookups(t *testing.T) {
	r := newTestRegistry(t, newTestResource("m0", "m1"))

	id, err := r.MachineID4MachineName("m1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	name, err := r.MachineName4MachineID(0)
	require.NoError(t, err)
	assert.Equal(t, "m0", name)

	_, err = r.MachineID4MachineName("m9")
	assert.ErrorIs(t, err, ErrUnknownMachine)

	_, err = r.MachineName4MachineID(99)
	assert.ErrorIs(t, err, ErrMachineOutOfRange)

	_, err = r.MachineName4MachineID(-1)
	assert.ErrorIs(t, err, ErrMachineOutOfRange)
}

func TestMachineBijection(t *testing.T) {
	names := make([]string, 50)
	for i := range names {
		names[i] = fmt.Sprintf("node-%02d", i)
	}
	r := newTestRegistry(t, newTestResource(names...))

	for i := int64(0); i < r.MachineCount(); i++ {
		name, err := r.MachineName4MachineID(i)
		require.NoError(t, err)
		back, err := r.MachineID4MachineName(name)
		require.NoError(t, err)
		assert.Equal(t, i, back)
	}
	for _, name := range names {
		id, err := r.MachineID4MachineName(name)
		require.NoError(t, err)
		back, err := r.MachineName4MachineID(id)
		require.NoError(t, err)
		assert.Equal(t, name, back)
	}
}

func TestMachineNamesIsACopy(t *testing.T) {
	r := newTestRegistry(t, newTestResource("m0", "m1"))
	names := r.MachineNames()
	names[0] = "changed"

	got, err := r.MachineName4MachineID(0)
	require.NoError(t, err)
	assert.Equal(t, "m0", got)
}

// ============================================================================
// Thread bands
// ============================================================================

func TestPersistenceAllocationScenario(t *testing.T) {
	r := newTestRegistry(t, newTestResource("m0", "m1"))

	machineID, err := r.MachineID4MachineName("m1")
	require.NoError(t, err)

	a, err := r.AllocatePersistenceThrdID(machineID)
	require.NoError(t, err)
	b, err := r.AllocatePersistenceThrdID(machineID)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.GreaterOrEqual(t, a, int64(4))
	assert.GreaterOrEqual(t, b, int64(4))

	for _, thrd := range []int64{a, b} {
		taskID, err := r.NewTaskID(machineID, thrd)
		require.NoError(t, err)
		assert.Equal(t, int64(1), r.MachineID4ActorID(taskID))
		assert.Equal(t, thrd, r.ThrdID4ActorID(taskID))
		assert.Equal(t, types.DeviceCPU, r.GetDeviceTypeFromActorID(taskID))
	}
}

func TestBandLayout(t *testing.T) {
	res := newTestResource("m0")
	res.PersistenceWorkerNum = 2
	res.BoxingWorkerNum = 3
	r := newTestRegistry(t, res)

	assert.Equal(t, []types.ThrdBand{
		{Role: types.RoleDevice, Begin: 0, End: 4},
		{Role: types.RoleCommNet, Begin: 4, End: 5},
		{Role: types.RolePersistence, Begin: 5, End: 7},
		{Role: types.RoleBoxing, Begin: 7, End: 10},
	}, r.Bands())

	expected := map[int64]types.ThrdRole{
		-1:  types.RoleUnassigned,
		0:   types.RoleDevice,
		3:   types.RoleDevice,
		4:   types.RoleCommNet,
		5:   types.RolePersistence,
		6:   types.RolePersistence,
		7:   types.RoleBoxing,
		9:   types.RoleBoxing,
		10:  types.RoleUnassigned,
		255: types.RoleUnassigned,
	}
	for thrd, role := range expected {
		assert.Equal(t, role, r.ThrdRole(thrd), "thrd %d", thrd)
	}
}

func TestGetDeviceTypeFromThrdID(t *testing.T) {
	res := newTestResource("m0")
	res.PersistenceWorkerNum = 1
	res.BoxingWorkerNum = 1
	r := newTestRegistry(t, res)

	assert.Equal(t, types.DeviceGPU, r.GetDeviceTypeFromThrdID(0))
	assert.Equal(t, types.DeviceGPU, r.GetDeviceTypeFromThrdID(3))
	assert.Equal(t, types.DeviceCPU, r.GetDeviceTypeFromThrdID(r.CommNetThrdID()))
	assert.Equal(t, types.DeviceCPU, r.GetDeviceTypeFromThrdID(5))
	assert.Equal(t, types.DeviceCPU, r.GetDeviceTypeFromThrdID(6))
	assert.Equal(t, types.DeviceInvalid, r.GetDeviceTypeFromThrdID(7))
}

func TestCPUOnlyCluster(t *testing.T) {
	res := newTestResource("m0")
	res.DeviceType = types.DeviceCPU
	r := newTestRegistry(t, res)

	assert.Equal(t, types.DeviceCPU, r.GetDeviceTypeFromThrdID(0))
}

func TestCommNetThrdID(t *testing.T) {
	r := newTestRegistry(t, newTestResource("m0", "m1"))

	assert.Equal(t, int64(4), r.CommNetThrdID())
	assert.Equal(t, r.CommNetThrdID(), r.CommNetThrdID(), "comm-net id never moves")
}

func TestThreadBandsDisjoint(t *testing.T) {
	res := newTestResource("m0", "m1")
	res.PersistenceWorkerNum = 5
	res.BoxingWorkerNum = 6
	r := newTestRegistry(t, res)

	for m := int64(0); m < r.MachineCount(); m++ {
		seen := make(map[int64]types.ThrdRole)
		claim := func(id int64, role types.ThrdRole) {
			prev, dup := seen[id]
			require.False(t, dup, "thread id %d claimed by %s and %s", id, prev, role)
			seen[id] = role
		}

		for d := int64(0); d < r.DeviceNumPerMachine(); d++ {
			claim(d, types.RoleDevice)
		}
		claim(r.CommNetThrdID(), types.RoleCommNet)
		for {
			id, err := r.AllocatePersistenceThrdID(m)
			if err != nil {
				break
			}
			claim(id, types.RolePersistence)
		}
		for {
			id, err := r.AllocateBoxingThrdID(m)
			if err != nil {
				break
			}
			claim(id, types.RoleBoxing)
		}

		assert.Len(t, seen, 4+1+5+6)
	}
}

func TestBandExhaustion(t *testing.T) {
	res := newTestResource("m0", "m1")
	res.PersistenceWorkerNum = 2
	res.BoxingWorkerNum = 1
	obs := newRecordingObserver()
	r := newTestRegistry(t, res, WithObserver(obs))

	for i := 0; i < 2; i++ {
		_, err := r.AllocatePersistenceThrdID(0)
		require.NoError(t, err)
	}
	_, err := r.AllocatePersistenceThrdID(0)
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	// bands are per machine
	_, err = r.AllocatePersistenceThrdID(1)
	assert.NoError(t, err)

	_, err = r.AllocateBoxingThrdID(0)
	require.NoError(t, err)
	_, err = r.AllocateBoxingThrdID(0)
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	assert.Equal(t, 2, obs.failures["band_exhausted"])
	assert.Equal(t, 3, obs.thrds[types.RolePersistence])
	assert.Equal(t, 1, obs.thrds[types.RoleBoxing])
}

func TestAllocateUnknownMachine(t *testing.T) {
	r := newTestRegistry(t, newTestResource("m0", "m1"))

	_, err := r.AllocatePersistenceThrdID(2)
	assert.ErrorIs(t, err, ErrMachineOutOfRange)
	_, err = r.AllocateBoxingThrdID(-1)
	assert.ErrorIs(t, err, ErrMachineOutOfRange)
}

// ============================================================================
// Task ids and regst desc ids
// ============================================================================

func TestNewTaskIDScenario(t *testing.T) {
	r := newTestRegistry(t, newTestResource("m0", "m1"))

	for want := int64(0); want < 3; want++ {
		id, err := r.NewTaskID(0, 2)
		require.NoError(t, err)
		assert.Equal(t, want, id.LocalID())
		assert.Equal(t, int64(2), r.ThrdID4ActorID(id))
		assert.Equal(t, int64(0), r.MachineID4ActorID(id))
	}
}

func TestNewTaskIDCountersAreIndependent(t *testing.T) {
	r := newTestRegistry(t, newTestResource("m0", "m1"))

	a, err := r.NewTaskID(0, 1)
	require.NoError(t, err)
	b, err := r.NewTaskID(1, 1)
	require.NoError(t, err)
	c, err := r.NewTaskID(0, 2)
	require.NoError(t, err)

	assert.Zero(t, a.LocalID())
	assert.Zero(t, b.LocalID())
	assert.Zero(t, c.LocalID())
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestNewTaskIDInvalidInput(t *testing.T) {
	r := newTestRegistry(t, newTestResource("m0", "m1"))

	_, err := r.NewTaskID(2, 0)
	assert.ErrorIs(t, err, ErrMachineOutOfRange)
	_, err = r.NewTaskID(0, 256)
	assert.ErrorIs(t, err, ErrThrdOutOfRange)
	_, err = r.NewTaskID(0, -1)
	assert.ErrorIs(t, err, ErrThrdOutOfRange)
}

func TestNewTaskIDCounterExhausted(t *testing.T) {
	r := newTestRegistry(t, newTestResource("m0"))

	prefix := idcodec.MustEncode(0, 1, 0)
	r.thrdTaskCount[prefix] = idcodec.MaxLocalID

	last, err := r.NewTaskID(0, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(idcodec.MaxLocalID), last.LocalID())

	_, err = r.NewTaskID(0, 1)
	assert.ErrorIs(t, err, ErrCapacityExceeded)
}

func TestNewRegstDescID(t *testing.T) {
	r := newTestRegistry(t, newTestResource("m0"))

	for want := int64(0); want < 100; want++ {
		assert.Equal(t, want, r.NewRegstDescID())
	}
}

// ============================================================================
// Concurrency
// ============================================================================

func TestConcurrentNewTaskID(t *testing.T) {
	r := newTestRegistry(t, newTestResource("m0", "m1"))

	const goroutines = 16
	const perGoroutine = 500

	var mu sync.Mutex
	seen := make(map[idcodec.ID]bool)

	var g errgroup.Group
	for i := 0; i < goroutines; i++ {
		g.Go(func() error {
			local := make([]idcodec.ID, 0, perGoroutine)
			var last int64 = -1
			for j := 0; j < perGoroutine; j++ {
				id, err := r.NewTaskID(1, 3)
				if err != nil {
					return err
				}
				if id.LocalID() <= last {
					return fmt.Errorf("local id went from %d to %d", last, id.LocalID())
				}
				last = id.LocalID()
				local = append(local, id)
			}
			mu.Lock()
			defer mu.Unlock()
			for _, id := range local {
				if seen[id] {
					return fmt.Errorf("duplicate task id %s", id)
				}
				seen[id] = true
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Len(t, seen, goroutines*perGoroutine)

	next, err := r.NewTaskID(1, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(goroutines*perGoroutine), next.LocalID())
}

func TestConcurrentThrdAllocation(t *testing.T) {
	res := newTestResource("m0")
	res.PersistenceWorkerNum = 64
	res.BoxingWorkerNum = 64
	r := newTestRegistry(t, res)

	results := make(chan int64, 256)
	var g errgroup.Group
	for i := 0; i < 32; i++ {
		g.Go(func() error {
			for j := 0; j < 2; j++ {
				p, err := r.AllocatePersistenceThrdID(0)
				if err != nil {
					return err
				}
				b, err := r.AllocateBoxingThrdID(0)
				if err != nil {
					return err
				}
				results <- p
				results <- b
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	close(results)

	seen := make(map[int64]bool)
	for id := range results {
		assert.False(t, seen[id], "thread id %d handed out twice", id)
		seen[id] = true
	}
	assert.Len(t, seen, 128)
}

func TestConcurrentRegstDescID(t *testing.T) {
	r := newTestRegistry(t, newTestResource("m0"))

	const total = 4000
	ids := make(chan int64, total)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < total/8; j++ {
				ids <- r.NewRegstDescID()
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make([]bool, total)
	for id := range ids {
		require.True(t, id >= 0 && id < total, "id %d out of range", id)
		assert.False(t, seen[id])
		seen[id] = true
	}
	assert.Equal(t, int64(total), r.NewRegstDescID())
}

// ============================================================================
// Observer and snapshot
// ============================================================================

func TestObserverNotified(t *testing.T) {
	obs := newRecordingObserver()
	r := newTestRegistry(t, newTestResource("m0"), WithObserver(obs))

	_, err := r.NewTaskID(0, 0)
	require.NoError(t, err)
	_, err = r.NewTaskID(0, 300)
	require.Error(t, err)
	r.NewRegstDescID()
	_, err = r.AllocateBoxingThrdID(0)
	require.NoError(t, err)

	assert.Equal(t, 1, obs.tasks)
	assert.Equal(t, 1, obs.regsts)
	assert.Equal(t, 1, obs.thrds[types.RoleBoxing])
	assert.Equal(t, 1, obs.failures["thrd_out_of_range"])
}

func TestNilOptionsIgnored(t *testing.T) {
	r := newTestRegistry(t, newTestResource("m0"), WithObserver(nil), WithLogger(nil))
	assert.NotNil(t, r.log)
	assert.NotNil(t, r.observer)
}

func TestSnapshot(t *testing.T) {
	r := newTestRegistry(t, newTestResource("m0", "m1"))

	_, err := r.NewTaskID(1, 2)
	require.NoError(t, err)
	_, err = r.NewTaskID(1, 2)
	require.NoError(t, err)
	_, err = r.AllocatePersistenceThrdID(0)
	require.NoError(t, err)
	_, err = r.AllocateBoxingThrdID(1)
	require.NoError(t, err)
	r.NewRegstDescID()

	snap := r.Snapshot()

	assert.Equal(t, snapshotSchemaVer, snap.SchemaVer)
	assert.Equal(t, []string{"m0", "m1"}, snap.Resource.MachineNames())
	assert.Equal(t, int64(DefaultWorkerNum), snap.Resource.PersistenceWorkerNum)
	assert.Len(t, snap.Bands, 4)
	assert.Equal(t, int64(1), snap.RegstDescNext)

	require.Len(t, snap.Machines, 2)
	assert.Equal(t, int64(1), snap.Machines[0].PersistenceOffset)
	assert.Zero(t, snap.Machines[0].BoxingOffset)
	assert.Nil(t, snap.Machines[0].TasksPerThrd)
	assert.Equal(t, "m1", snap.Machines[1].MachineName)
	assert.Equal(t, int64(1), snap.Machines[1].BoxingOffset)
	assert.Equal(t, map[int64]int64{2: 2}, snap.Machines[1].TasksPerThrd)

	// the snapshot is detached from the registry
	snap.Machines[1].TasksPerThrd[2] = 100
	next, err := r.NewTaskID(1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), next.LocalID())
}
