package fabric

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pkt.systems/fabricd/api"
	"pkt.systems/fabricd/internal/clock"
)

// Driver performs the hardware side of partition transitions: NVLink
// training, access-control programming and teardown.
type Driver interface {
	// Train brings up every NVLink of p. vfs is nil for a plain activation
	// and otherwise holds one virtual function per member, in member order.
	Train(ctx context.Context, p PartitionSpec, vfs []api.PciDevice) error
	// Teardown releases the NVLinks of p.
	Teardown(ctx context.Context, p PartitionSpec) error
}

// LinkFailure is returned by a Driver when NVLink training or teardown fails
// on specific devices. The service adds the devices to its failure report.
type LinkFailure struct {
	Partition api.PartitionID
	Op        string
	Devices   []FailedDevice
}

func (e *LinkFailure) Error() string {
	return fmt.Sprintf("nvlink %s failed for partition %d on %d device(s)", e.Op, e.Partition, len(e.Devices))
}

// SimDriver is an in-memory Driver that honours the fault injection of each
// partition spec. It refuses to train a partition twice without a teardown,
// which surfaces any missing serialisation in callers.
type SimDriver struct {
	clock clock.Clock
	delay time.Duration

	mu      sync.Mutex
	trained map[api.PartitionID][]api.PciDevice
	trains  int
	tears   int
}

// NewSimDriver returns a SimDriver that spends delay on every transition.
func NewSimDriver(clk clock.Clock, delay time.Duration) *SimDriver {
	if clk == nil {
		clk = clock.Real{}
	}
	return &SimDriver{
		clock:   clk,
		delay:   delay,
		trained: make(map[api.PartitionID][]api.PciDevice),
	}
}

// Train implements Driver.
func (d *SimDriver) Train(ctx context.Context, p PartitionSpec, vfs []api.PciDevice) error {
	if err := d.apply(ctx, p, "train", p.Faults.Activate); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.trained[p.ID]; ok {
		return fmt.Errorf("sim: partition %d trained twice", p.ID)
	}
	d.trains++
	d.trained[p.ID] = append([]api.PciDevice(nil), vfs...)
	return nil
}

// Teardown implements Driver.
func (d *SimDriver) Teardown(ctx context.Context, p PartitionSpec) error {
	if err := d.apply(ctx, p, "teardown", p.Faults.Deactivate); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tears++
	delete(d.trained, p.ID)
	return nil
}

func (d *SimDriver) apply(ctx context.Context, p PartitionSpec, op, fault string) error {
	if err := clock.Wait(ctx, d.clock, d.delay); err != nil {
		return err
	}
	switch fault {
	case FaultNVLink:
		ports := p.Faults.Ports
		if len(ports) == 0 {
			ports = []uint32{0}
		}
		failure := &LinkFailure{Partition: p.ID, Op: op}
		if len(p.GPUs) > 0 {
			g := p.GPUs[0]
			failure.Devices = []FailedDevice{{Kind: DeviceGPU, UUID: g.UUID, PCIBusID: g.PCIBusID, Ports: ports}}
		}
		return failure
	case FaultTimeout:
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

// Trained reports whether id is currently trained and the VFs it was trained with.
func (d *SimDriver) Trained(id api.PartitionID) ([]api.PciDevice, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	vfs, ok := d.trained[id]
	return vfs, ok
}

// Restore replaces the trained set with active without running training,
// mirroring hardware state that survived a daemon restart.
func (d *SimDriver) Restore(active []api.PartitionID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.trained = make(map[api.PartitionID][]api.PciDevice, len(active))
	for _, id := range active {
		d.trained[id] = nil
	}
}

// Calls returns the number of successful trainings and teardowns.
func (d *SimDriver) Calls() (trains, teardowns int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.trains, d.tears
}
