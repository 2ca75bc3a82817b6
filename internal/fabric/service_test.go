package fabric

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/fabricd/api"
)

func newTestService(t *testing.T, restart bool) (*Service, *SimDriver) {
	t.Helper()
	driver := NewSimDriver(nil, 0)
	svc := New(Config{Driver: driver, RestartMode: restart})
	if err := svc.Configure(mustCatalog(t, testTopology)); err != nil {
		t.Fatalf("configure: %v", err)
	}
	return svc, driver
}

func expectStatus(t *testing.T, err error, want api.Status) {
	t.Helper()
	if got := api.StatusOf(err); got != want {
		t.Fatalf("expected %s, got %s (%v)", want, got, err)
	}
}

func activeSet(t *testing.T, svc *Service) map[api.PartitionID]bool {
	t.Helper()
	list, err := svc.Supported(context.Background())
	if err != nil {
		t.Fatalf("supported: %v", err)
	}
	out := make(map[api.PartitionID]bool, len(list.Partitions))
	for _, p := range list.Partitions {
		out[p.PartitionID] = p.IsActive
	}
	return out
}

func TestServiceNotConfigured(t *testing.T) {
	svc := New(Config{})
	ctx := context.Background()
	_, err := svc.Supported(ctx)
	expectStatus(t, err, api.StatusNotConfigured)
	_, err = svc.Unsupported(ctx)
	expectStatus(t, err, api.StatusNotConfigured)
	_, err = svc.FailedDevices(ctx)
	expectStatus(t, err, api.StatusNotConfigured)
	expectStatus(t, svc.Activate(ctx, 0), api.StatusNotConfigured)
	expectStatus(t, svc.Deactivate(ctx, 0), api.StatusNotConfigured)
	expectStatus(t, svc.SetActivated(ctx, nil), api.StatusNotConfigured)
	if svc.Configured() {
		t.Fatalf("configured without a catalog")
	}
}

func TestServiceConfigureOnce(t *testing.T) {
	svc, _ := newTestService(t, false)
	expectStatus(t, svc.Configure(mustCatalog(t, testTopology)), api.StatusInUse)
	expectStatus(t, New(Config{}).Configure(nil), api.StatusBadParam)
}

func TestServiceSupportedSnapshot(t *testing.T) {
	svc, _ := newTestService(t, false)
	list, err := svc.Supported(context.Background())
	if err != nil {
		t.Fatalf("supported: %v", err)
	}
	if list.Version != api.FabricPartitionListVersion || list.MaxNumPartitions != api.MaxFabricPartitions {
		t.Fatalf("header %+v", list)
	}
	if len(list.Partitions) != 5 {
		t.Fatalf("partitions=%d", len(list.Partitions))
	}
	first := list.Partitions[0]
	if first.PartitionID != 0 || first.IsActive || len(first.GPUs) != 2 {
		t.Fatalf("partition 0 %+v", first)
	}
	if g := first.GPUs[1]; g.PhysicalID != 2 || g.PCIBusID != "00000000:0f:00.0" || g.NumNVLinksAvailable != 12 || g.NVLinkLineRateMBps != 25781 {
		t.Fatalf("gpu %+v", g)
	}
	if _, err := list.MarshalBinary(); err != nil {
		t.Fatalf("snapshot does not encode: %v", err)
	}
}

func TestServiceActivateDeactivate(t *testing.T) {
	svc, driver := newTestService(t, false)
	ctx := context.Background()

	if err := svc.Activate(ctx, 1); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if !activeSet(t, svc)[1] {
		t.Fatalf("partition 1 not reported active")
	}
	expectStatus(t, svc.Activate(ctx, 1), api.StatusInUse)
	if !activeSet(t, svc)[1] {
		t.Fatalf("partition 1 lost active state after rejected activate")
	}
	if err := svc.Deactivate(ctx, 1); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if activeSet(t, svc)[1] {
		t.Fatalf("partition 1 still active")
	}
	expectStatus(t, svc.Deactivate(ctx, 1), api.StatusUninitialized)
	expectStatus(t, svc.Activate(ctx, 77), api.StatusBadParam)
	expectStatus(t, svc.Deactivate(ctx, 77), api.StatusBadParam)
	// Unsupported ids are not valid activation targets.
	expectStatus(t, svc.Activate(ctx, 9), api.StatusBadParam)

	if trains, tears := driver.Calls(); trains != 1 || tears != 1 {
		t.Fatalf("driver trains=%d tears=%d", trains, tears)
	}
}

func TestServiceActivateWithVFs(t *testing.T) {
	svc, driver := newTestService(t, false)
	ctx := context.Background()

	expectStatus(t, svc.ActivateWithVFs(ctx, 0, []api.PciDevice{{Bus: 0x81}}), api.StatusBadParam)
	if activeSet(t, svc)[0] {
		t.Fatalf("partition activated despite vf mismatch")
	}

	vfs := []api.PciDevice{{Bus: 0x81, Function: 1}, {Bus: 0x82, Function: 1}}
	if err := svc.ActivateWithVFs(ctx, 0, vfs); err != nil {
		t.Fatalf("activate with vfs: %v", err)
	}
	bound, err := svc.BoundVFs(0)
	if err != nil || len(bound) != 2 || bound[0] != vfs[0] || bound[1] != vfs[1] {
		t.Fatalf("bound=%v err=%v", bound, err)
	}
	trained, ok := driver.Trained(0)
	if !ok || len(trained) != 2 {
		t.Fatalf("driver trained=%v vfs=%v", ok, trained)
	}
	expectStatus(t, svc.ActivateWithVFs(ctx, 0, vfs), api.StatusInUse)
	if err := svc.Deactivate(ctx, 0); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if bound, _ := svc.BoundVFs(0); len(bound) != 0 {
		t.Fatalf("vfs still bound: %v", bound)
	}
}

func TestServiceActivateNVLinkFailure(t *testing.T) {
	svc, _ := newTestService(t, false)
	ctx := context.Background()

	expectStatus(t, svc.Activate(ctx, 2), api.StatusNVLinkError)
	if state, _ := svc.State(2); state != StateInactive {
		t.Fatalf("state after failed activate %s", state)
	}
	report, err := svc.FailedDevices(ctx)
	if err != nil {
		t.Fatalf("failed devices: %v", err)
	}
	if len(report.GPUs) != 1 || len(report.Switches) != 1 {
		t.Fatalf("report gpus=%d switches=%d", len(report.GPUs), len(report.Switches))
	}
	ports := report.GPUs[0].PortNums
	if len(ports) != 3 || ports[0] != 1 || ports[1] != 3 || ports[2] != 7 {
		t.Fatalf("merged ports %v", ports)
	}
}

func TestServiceActivateTimeout(t *testing.T) {
	svc, _ := newTestService(t, false)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	expectStatus(t, svc.Activate(ctx, 4), api.StatusTimeout)
	if state, _ := svc.State(4); state != StateInactive {
		t.Fatalf("state after timeout %s", state)
	}
}

func TestServiceDeactivateDegraded(t *testing.T) {
	svc, driver := newTestService(t, false)
	ctx := context.Background()

	if err := svc.Activate(ctx, 3); err != nil {
		t.Fatalf("activate: %v", err)
	}
	expectStatus(t, svc.Deactivate(ctx, 3), api.StatusNVLinkError)
	state, _ := svc.State(3)
	if state != StateDegraded {
		t.Fatalf("state %s, want degraded", state)
	}
	if !activeSet(t, svc)[3] {
		t.Fatalf("degraded partition must report active")
	}
	expectStatus(t, svc.Activate(ctx, 3), api.StatusInUse)
	// Teardown keeps failing; the partition stays degraded.
	expectStatus(t, svc.Deactivate(ctx, 3), api.StatusNVLinkError)

	// Only a successful teardown clears it; a restore outside restart mode is refused.
	expectStatus(t, svc.SetActivated(ctx, nil), api.StatusNotSupported)
	if state, _ := svc.State(3); state != StateDegraded {
		t.Fatalf("state after refused restore %s", state)
	}
	if _, ok := driver.Trained(3); !ok {
		t.Fatalf("driver lost partition 3 after a failed teardown")
	}
}

func TestServiceUnsupported(t *testing.T) {
	svc, _ := newTestService(t, false)
	list, err := svc.Unsupported(context.Background())
	if err != nil {
		t.Fatalf("unsupported: %v", err)
	}
	if list.Version != api.UnsupportedFabricPartitionListVersion || len(list.Partitions) != 1 {
		t.Fatalf("list %+v", list)
	}
	if p := list.Partitions[0]; p.PartitionID != 9 || len(p.GPUPhysicalIDs) != 2 {
		t.Fatalf("entry %+v", p)
	}
}

func TestServicePlatformWithoutPartitioning(t *testing.T) {
	cat := mustCatalog(t, "platform:\n  name: pcie\n  partitioning: false\n")
	svc := New(Config{})
	if err := svc.Configure(cat); err != nil {
		t.Fatalf("configure: %v", err)
	}
	ctx := context.Background()
	_, err := svc.Supported(ctx)
	expectStatus(t, err, api.StatusNotSupported)
	_, err = svc.Unsupported(ctx)
	expectStatus(t, err, api.StatusNotSupported)
	_, err = svc.FailedDevices(ctx)
	expectStatus(t, err, api.StatusNotSupported)
	expectStatus(t, svc.Activate(ctx, 0), api.StatusNotSupported)
	expectStatus(t, svc.SetActivated(ctx, nil), api.StatusNotSupported)
}

func TestServiceHardwareLinkTraining(t *testing.T) {
	doc := "platform:\n  linkTraining: hardware\nfailedLinks:\n  gpus:\n    - uuid: GPU-a\n      ports: [2]\n"
	svc := New(Config{})
	if err := svc.Configure(mustCatalog(t, doc)); err != nil {
		t.Fatalf("configure: %v", err)
	}
	report, err := svc.FailedDevices(context.Background())
	if err != nil {
		t.Fatalf("failed devices: %v", err)
	}
	if report.Version != api.NvlinkFailedDevicesVersion || len(report.GPUs) != 0 || len(report.Switches) != 0 {
		t.Fatalf("report %+v", report)
	}
}

func TestServiceRestartMode(t *testing.T) {
	svc, driver := newTestService(t, true)
	ctx := context.Background()

	expectStatus(t, svc.Activate(ctx, 0), api.StatusNotConfigured)
	expectStatus(t, svc.Deactivate(ctx, 0), api.StatusNotConfigured)
	if _, err := svc.Supported(ctx); err != nil {
		t.Fatalf("queries must work before restore: %v", err)
	}
	_, err := svc.FailedDevices(ctx)
	expectStatus(t, err, api.StatusNotSupported)

	if err := svc.SetActivated(ctx, []api.PartitionID{0, 3}); err != nil {
		t.Fatalf("set activated: %v", err)
	}
	active := activeSet(t, svc)
	if !active[0] || !active[3] || active[1] {
		t.Fatalf("active set %v", active)
	}
	if trains, _ := driver.Calls(); trains != 0 {
		t.Fatalf("restore must not train links, trains=%d", trains)
	}
	// Idempotent.
	if err := svc.SetActivated(ctx, []api.PartitionID{0, 3}); err != nil {
		t.Fatalf("repeat set activated: %v", err)
	}
	if err := svc.Deactivate(ctx, 0); err != nil {
		t.Fatalf("deactivate after restore: %v", err)
	}
	if err := svc.Activate(ctx, 1); err != nil {
		t.Fatalf("activate after restore: %v", err)
	}
	_, err = svc.FailedDevices(ctx)
	expectStatus(t, err, api.StatusNotSupported)

	// Once partitions moved, a stale restore must not rewrite the view.
	expectStatus(t, svc.SetActivated(ctx, []api.PartitionID{0, 3}), api.StatusInUse)
	active = activeSet(t, svc)
	if active[0] || !active[1] || !active[3] {
		t.Fatalf("rejected restore changed state: %v", active)
	}
	if err := svc.SetActivated(ctx, []api.PartitionID{1, 3}); err != nil {
		t.Fatalf("restore matching the current view: %v", err)
	}
	if _, ok := driver.Trained(1); !ok {
		t.Fatalf("matching restore dropped partition 1 from the driver")
	}
}

func TestServiceSetActivatedOutsideRestartMode(t *testing.T) {
	svc, driver := newTestService(t, false)
	ctx := context.Background()
	if err := svc.Activate(ctx, 1); err != nil {
		t.Fatalf("activate: %v", err)
	}
	for name, ids := range map[string][]api.PartitionID{
		"empty":    nil,
		"same":     {1},
		"other":    {0},
		"superset": {0, 1},
	} {
		t.Run(name, func(t *testing.T) {
			expectStatus(t, svc.SetActivated(ctx, ids), api.StatusNotSupported)
			if active := activeSet(t, svc); !active[1] || active[0] {
				t.Fatalf("refused restore changed state: %v", active)
			}
		})
	}
	// The partition is still trained, so activating it again must not reach the driver.
	expectStatus(t, svc.Activate(ctx, 1), api.StatusInUse)
	if trains, teardowns := driver.Calls(); trains != 1 || teardowns != 0 {
		t.Fatalf("driver calls trains=%d teardowns=%d", trains, teardowns)
	}
}

func TestServiceSetActivatedValidation(t *testing.T) {
	svc, _ := newTestService(t, true)
	ctx := context.Background()
	if err := svc.SetActivated(ctx, []api.PartitionID{1}); err != nil {
		t.Fatalf("restore: %v", err)
	}
	tooMany := make([]api.PartitionID, api.MaxFabricPartitions+1)
	for i := range tooMany {
		tooMany[i] = api.PartitionID(i)
	}
	for name, ids := range map[string][]api.PartitionID{
		"unknown":     {0, 42},
		"unsupported": {9},
		"duplicate":   {0, 0},
		"too many":    tooMany,
	} {
		t.Run(name, func(t *testing.T) {
			expectStatus(t, svc.SetActivated(ctx, ids), api.StatusBadParam)
			if active := activeSet(t, svc); !active[1] || active[0] {
				t.Fatalf("rejected restore changed state: %v", active)
			}
		})
	}
}

func TestServiceConcurrentActivateSamePartition(t *testing.T) {
	svc, driver := newTestService(t, false)
	ctx := context.Background()
	const workers = 16
	var ok, inUse atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := svc.Activate(ctx, 0)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, api.StatusInUse):
				inUse.Add(1)
			default:
				t.Errorf("unexpected error %v", err)
			}
		}()
	}
	wg.Wait()
	if ok.Load() != 1 || inUse.Load() != workers-1 {
		t.Fatalf("ok=%d in_use=%d", ok.Load(), inUse.Load())
	}
	if trains, _ := driver.Calls(); trains != 1 {
		t.Fatalf("trains=%d", trains)
	}
}

func TestServiceConcurrentDistinctPartitions(t *testing.T) {
	svc, _ := newTestService(t, false)
	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for _, id := range []api.PartitionID{0, 1} {
		wg.Add(1)
		go func(id api.PartitionID) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				if err := svc.Activate(ctx, id); err != nil {
					errs <- err
					return
				}
				if err := svc.Deactivate(ctx, id); err != nil {
					errs <- err
					return
				}
			}
		}(id)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			if _, err := svc.Supported(ctx); err != nil {
				errs <- err
				return
			}
		}
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent op: %v", err)
	}
}

type linkFailDriver struct {
	devices []FailedDevice
}

func (d *linkFailDriver) Train(ctx context.Context, p PartitionSpec, vfs []api.PciDevice) error {
	return &LinkFailure{Partition: p.ID, Op: "train", Devices: d.devices}
}

func (d *linkFailDriver) Teardown(ctx context.Context, p PartitionSpec) error {
	return nil
}

func TestServiceRuntimeSwitchFailures(t *testing.T) {
	driver := &linkFailDriver{devices: []FailedDevice{
		{Kind: DeviceSwitch, UUID: "SWITCH-0002", PCIBusID: "00000000:c2:00.0", Ports: []uint32{4}},
		{Kind: DeviceGPU, UUID: "GPU-6a1b2c3d-0000-4000-8000-000000000003", PCIBusID: "00000000:47:00.0", Ports: []uint32{2}},
		{Kind: DeviceSwitch, UUID: "SWITCH-0001", PCIBusID: "00000000:c1:00.0", Ports: []uint32{22}},
	}}
	svc := New(Config{Driver: driver})
	if err := svc.Configure(mustCatalog(t, testTopology)); err != nil {
		t.Fatalf("configure: %v", err)
	}
	ctx := context.Background()
	expectStatus(t, svc.Activate(ctx, 1), api.StatusNVLinkError)

	report, err := svc.FailedDevices(ctx)
	if err != nil {
		t.Fatalf("failed devices: %v", err)
	}
	if len(report.GPUs) != 2 || len(report.Switches) != 2 {
		t.Fatalf("report gpus=%d switches=%d", len(report.GPUs), len(report.Switches))
	}
	if sw := report.Switches[0]; sw.UUID != "SWITCH-0001" || len(sw.PortNums) != 3 {
		t.Fatalf("catalog switch not merged: %+v", sw)
	}
	if sw := report.Switches[1]; sw.UUID != "SWITCH-0002" || sw.PortNums[0] != 4 {
		t.Fatalf("runtime switch misfiled: %+v", sw)
	}
	for _, gpu := range report.GPUs {
		if gpu.UUID == "SWITCH-0002" {
			t.Fatalf("switch reported as gpu: %+v", gpu)
		}
	}
}

func TestServiceFailureReportBounded(t *testing.T) {
	var devices []FailedDevice
	for i := 0; i < api.MaxNumNVSwitches+3; i++ {
		devices = append(devices, FailedDevice{Kind: DeviceSwitch, UUID: fmt.Sprintf("SWITCH-1%03d", i), Ports: []uint32{1}})
	}
	for i := 0; i < api.MaxNumGPUs+3; i++ {
		devices = append(devices, FailedDevice{Kind: DeviceGPU, UUID: fmt.Sprintf("GPU-runtime-%03d", i), Ports: []uint32{1}})
	}
	svc := New(Config{Driver: &linkFailDriver{devices: devices}})
	if err := svc.Configure(mustCatalog(t, testTopology)); err != nil {
		t.Fatalf("configure: %v", err)
	}
	ctx := context.Background()
	expectStatus(t, svc.Activate(ctx, 0), api.StatusNVLinkError)

	report, err := svc.FailedDevices(ctx)
	if err != nil {
		t.Fatalf("failed devices: %v", err)
	}
	if len(report.Switches) != api.MaxNumNVSwitches || len(report.GPUs) != api.MaxNumGPUs {
		t.Fatalf("report gpus=%d switches=%d", len(report.GPUs), len(report.Switches))
	}
	if _, err := report.MarshalBinary(); err != nil {
		t.Fatalf("bounded report must encode: %v", err)
	}
}
