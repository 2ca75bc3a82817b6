// Package fabric holds the daemon-side partition registry and the partition
// lifecycle state machine.
//
// Every supported partition moves between three states:
//
//	INACTIVE --activate--> ACTIVE --deactivate--> INACTIVE
//	ACTIVE --deactivate (teardown fails)--> DEGRADED --deactivate--> INACTIVE
//
// Transitions on one partition id are serialised; different ids proceed
// independently. A bulk restore replaces the whole activated view and never
// interleaves with per-id transitions.
package fabric

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.opentelemetry.io/otel/metric"

	"pkt.systems/fabricd/api"
	"pkt.systems/fabricd/internal/clock"
	"pkt.systems/fabricd/internal/loggingutil"
	"pkt.systems/pslog"
)

// State is the lifecycle state of one partition.
type State int

const (
	StateInactive State = iota
	StateActive
	// StateDegraded follows a failed teardown. The partition still holds
	// hardware resources, reports as active and refuses activation until a
	// deactivate succeeds or a restore resolves it.
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateActive:
		return "active"
	case StateDegraded:
		return "degraded"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config wires a Service.
type Config struct {
	Driver Driver
	Logger pslog.Logger
	Clock  clock.Clock
	// RestartMode starts the service in resiliency-restart mode: mutations fail
	// with NOT_CONFIGURED until the activated partitions are restored, and the
	// NVLink failure query is not supported.
	RestartMode bool
	// MeterProvider defaults to the global provider.
	MeterProvider metric.MeterProvider
}

type partition struct {
	spec  PartitionSpec
	state State
	vfs   []api.PciDevice
}

// Service is the authoritative partition registry.
type Service struct {
	driver      Driver
	logger      pslog.Logger
	clock       clock.Clock
	restartMode bool
	metrics     *partitionMetrics
	closeOnce   sync.Once
	closeErr    error

	// gate is held shared by per-id transitions and exclusively by restore.
	gate  sync.RWMutex
	locks *sync.Map

	mu         sync.RWMutex
	catalog    *Catalog
	partitions map[api.PartitionID]*partition
	order      []api.PartitionID
	restored   bool
	// mutated is set once a per-id transition succeeds; from then on a
	// restore may only confirm the current view.
	mutated   bool
	linkFails map[string]FailedDevice
}

// Restorer is implemented by drivers that track trained partitions and need to
// learn about a restored activated view.
type Restorer interface {
	Restore(active []api.PartitionID)
}

// New constructs a Service. The service answers NOT_CONFIGURED until Configure
// installs a topology.
func New(cfg Config) *Service {
	logger := loggingutil.WithSubsystem(cfg.Logger, "fabric.partition")
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	driver := cfg.Driver
	if driver == nil {
		driver = NewSimDriver(clk, 0)
	}
	return &Service{
		driver:      driver,
		logger:      logger,
		clock:       clk,
		restartMode: cfg.RestartMode,
		metrics:     newPartitionMetrics(cfg.MeterProvider, logger),
		locks:       &sync.Map{},
		linkFails:   make(map[string]FailedDevice),
	}
}

// Close releases the metric callbacks of the service. The service keeps
// answering requests but no longer reports partition gauges.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.metrics.close()
	})
	return s.closeErr
}

// Configure installs the topology. It may be called once.
func (s *Service) Configure(cat *Catalog) error {
	if cat == nil {
		return api.NewError(api.StatusBadParam, "configure", "nil topology")
	}
	if err := cat.Validate(); err != nil {
		return api.NewError(api.StatusBadParam, "configure", err.Error())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.catalog != nil {
		return api.NewError(api.StatusInUse, "configure", "topology already loaded")
	}
	s.partitions = make(map[api.PartitionID]*partition, len(cat.Partitions))
	s.order = make([]api.PartitionID, 0, len(cat.Partitions))
	for _, spec := range cat.Partitions {
		s.partitions[spec.ID] = &partition{spec: spec}
		s.order = append(s.order, spec.ID)
	}
	s.catalog = cat
	s.logger.Info("partition.catalog.configured",
		"platform", cat.Platform.Name,
		"supported", len(cat.Partitions),
		"unsupported", len(cat.Unsupported),
		"partitioning", cat.Platform.PartitioningSupported(),
		"link_training", cat.Platform.LinkTraining,
		"restart_mode", s.restartMode,
	)
	return nil
}

// Configured reports whether a topology is installed.
func (s *Service) Configured() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.catalog != nil
}

// RestartMode reports whether the service runs in resiliency-restart mode.
func (s *Service) RestartMode() bool {
	return s.restartMode
}

// ready returns the catalog when op may run. Mutations additionally require a
// completed restore in restart mode.
func (s *Service) ready(op string, mutation bool) (*Catalog, error) {
	s.mu.RLock()
	cat, restored := s.catalog, s.restored
	s.mu.RUnlock()
	if cat == nil {
		return nil, api.NewError(api.StatusNotConfigured, op, "fabric topology is not loaded")
	}
	if !cat.Platform.PartitioningSupported() {
		return nil, api.NewError(api.StatusNotSupported, op, "platform has no fabric partitioning support")
	}
	if mutation && s.restartMode && !restored {
		return nil, api.NewError(api.StatusNotConfigured, op, "awaiting activated partition restore after restart")
	}
	return cat, nil
}

func (s *Service) partitionLock(id api.PartitionID) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (s *Service) lookup(op string, id api.PartitionID) (*partition, error) {
	s.mu.RLock()
	p := s.partitions[id]
	s.mu.RUnlock()
	if p == nil {
		return nil, api.Errorf(api.StatusBadParam, op, "partition %d is not a supported partition", id)
	}
	return p, nil
}

func (s *Service) stateOf(p *partition) State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return p.state
}

// setState must be called with the partition lock held.
func (s *Service) setState(p *partition, state State, vfs []api.PciDevice) {
	s.mu.Lock()
	p.state = state
	p.vfs = vfs
	s.mutated = true
	active, degraded := s.countStatesLocked()
	s.mu.Unlock()
	s.metrics.setStates(active, degraded)
}

func (s *Service) countStatesLocked() (active, degraded int) {
	for _, p := range s.partitions {
		switch p.state {
		case StateActive:
			active++
		case StateDegraded:
			degraded++
		}
	}
	return active, degraded
}

// Activate trains the NVLinks of id and marks it active.
func (s *Service) Activate(ctx context.Context, id api.PartitionID) error {
	return s.activate(ctx, "activate", id, nil, false)
}

// ActivateWithVFs activates id and binds vfs to its members in order. The
// number of VFs must equal the member count.
func (s *Service) ActivateWithVFs(ctx context.Context, id api.PartitionID, vfs []api.PciDevice) error {
	return s.activate(ctx, "activate_with_vfs", id, vfs, true)
}

func (s *Service) activate(ctx context.Context, op string, id api.PartitionID, vfs []api.PciDevice, withVFs bool) (err error) {
	start := s.clock.Now()
	logger := loggingutil.FromContext(ctx, s.logger)
	defer func() {
		s.metrics.recordActivate(ctx, withVFs, s.clock.Now().Sub(start), err)
	}()

	s.gate.RLock()
	defer s.gate.RUnlock()
	if _, err := s.ready(op, true); err != nil {
		return err
	}
	p, err := s.lookup(op, id)
	if err != nil {
		return err
	}
	if withVFs && len(vfs) != len(p.spec.GPUs) {
		return api.Errorf(api.StatusBadParam, op, "partition %d has %d gpus, got %d vfs", id, len(p.spec.GPUs), len(vfs))
	}

	mu := s.partitionLock(id)
	mu.Lock()
	defer mu.Unlock()

	if state := s.stateOf(p); state != StateInactive {
		logger.Info("partition.activate.reject", "partition", id, "state", state.String())
		return api.Errorf(api.StatusInUse, op, "partition %d is %s", id, state)
	}
	logger.Info("partition.activate.begin",
		"partition", id,
		"gpus", len(p.spec.GPUs),
		"vfs", len(vfs),
	)
	if err := s.driver.Train(ctx, p.spec, vfs); err != nil {
		failure := s.driverFailure(op, id, err)
		logger.Warn("partition.activate.failed", "partition", id, "status", api.StatusOf(failure).String(), "error", err)
		return failure
	}
	var bound []api.PciDevice
	if withVFs {
		bound = slices.Clone(vfs)
	}
	s.setState(p, StateActive, bound)
	logger.Info("partition.activate.success",
		"partition", id,
		"elapsed", s.clock.Now().Sub(start).String(),
	)
	return nil
}

// Deactivate tears down id. A partition that is not active yields
// UNINITIALIZED. A failed teardown leaves the partition DEGRADED.
func (s *Service) Deactivate(ctx context.Context, id api.PartitionID) (err error) {
	const op = "deactivate"
	start := s.clock.Now()
	logger := loggingutil.FromContext(ctx, s.logger)
	defer func() {
		s.metrics.recordDeactivate(ctx, s.clock.Now().Sub(start), err)
	}()

	s.gate.RLock()
	defer s.gate.RUnlock()
	if _, err := s.ready(op, true); err != nil {
		return err
	}
	p, err := s.lookup(op, id)
	if err != nil {
		return err
	}

	mu := s.partitionLock(id)
	mu.Lock()
	defer mu.Unlock()

	state := s.stateOf(p)
	if state == StateInactive {
		return api.Errorf(api.StatusUninitialized, op, "partition %d is not active", id)
	}
	logger.Info("partition.deactivate.begin", "partition", id, "state", state.String())
	if err := s.driver.Teardown(ctx, p.spec); err != nil {
		failure := s.driverFailure(op, id, err)
		if api.StatusOf(failure) == api.StatusNVLinkError {
			s.setState(p, StateDegraded, p.vfs)
		}
		logger.Warn("partition.deactivate.failed",
			"partition", id,
			"status", api.StatusOf(failure).String(),
			"state", s.stateOf(p).String(),
			"error", err,
		)
		return failure
	}
	s.setState(p, StateInactive, nil)
	logger.Info("partition.deactivate.success",
		"partition", id,
		"elapsed", s.clock.Now().Sub(start).String(),
	)
	return nil
}

// driverFailure maps a driver error onto the status taxonomy and records any
// reported link failures.
func (s *Service) driverFailure(op string, id api.PartitionID, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return api.Errorf(api.StatusTimeout, op, "partition %d: %v", id, err)
	}
	var lf *LinkFailure
	if errors.As(err, &lf) {
		s.recordLinkFailures(lf.Devices)
	}
	return api.Errorf(api.StatusNVLinkError, op, "partition %d: %v", id, err)
}

func (s *Service) recordLinkFailures(devices []FailedDevice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, dev := range devices {
		existing := s.linkFails[dev.UUID]
		existing.Kind = dev.Kind
		existing.UUID = dev.UUID
		existing.PCIBusID = dev.PCIBusID
		for _, port := range dev.Ports {
			if !slices.Contains(existing.Ports, port) {
				existing.Ports = append(existing.Ports, port)
			}
		}
		slices.Sort(existing.Ports)
		s.linkFails[dev.UUID] = existing
	}
}

// SetActivated replaces the activated view with ids without touching
// hardware. It is the state import issued after a daemon restart and is only
// accepted in restart mode. Repeating it is harmless until a partition has
// been activated or deactivated; after that only a restore matching the
// current view succeeds.
func (s *Service) SetActivated(ctx context.Context, ids []api.PartitionID) (err error) {
	const op = "set_activated"
	logger := loggingutil.FromContext(ctx, s.logger)
	defer func() {
		s.metrics.recordRestore(ctx, len(ids), err)
	}()

	s.gate.Lock()
	defer s.gate.Unlock()
	if _, err := s.ready(op, false); err != nil {
		return err
	}
	if !s.restartMode {
		return api.NewError(api.StatusNotSupported, op, "restore requires restart mode")
	}
	if len(ids) > api.MaxFabricPartitions {
		return api.Errorf(api.StatusBadParam, op, "%d partitions exceed limit %d", len(ids), api.MaxFabricPartitions)
	}
	want := make(map[api.PartitionID]struct{}, len(ids))
	s.mu.RLock()
	for _, id := range ids {
		if _, dup := want[id]; dup {
			s.mu.RUnlock()
			return api.Errorf(api.StatusBadParam, op, "partition %d listed twice", id)
		}
		if _, ok := s.partitions[id]; !ok {
			s.mu.RUnlock()
			return api.Errorf(api.StatusBadParam, op, "partition %d is not a supported partition", id)
		}
		want[id] = struct{}{}
	}
	s.mu.RUnlock()

	s.mu.Lock()
	next := make(map[api.PartitionID]State, len(s.partitions))
	changed := 0
	for id, p := range s.partitions {
		state := StateInactive
		if _, ok := want[id]; ok {
			state = StateActive
		}
		if p.state != state {
			changed++
		}
		next[id] = state
	}
	if s.mutated && changed > 0 {
		s.mu.Unlock()
		logger.Warn("partition.restore.reject", "active", len(ids), "changed", changed)
		return api.Errorf(api.StatusInUse, op, "activated view changed since restore (%d partition(s) differ)", changed)
	}
	for id, p := range s.partitions {
		if p.state != next[id] {
			p.state = next[id]
			p.vfs = nil
		}
	}
	first := !s.restored
	s.restored = true
	active, degraded := s.countStatesLocked()
	s.mu.Unlock()
	s.metrics.setStates(active, degraded)

	if r, ok := s.driver.(Restorer); ok && (first || changed > 0) {
		r.Restore(slices.Clone(ids))
	}
	logger.Info("partition.restore.applied",
		"active", len(ids),
		"changed", changed,
		"first", first,
	)
	return nil
}

// State returns the lifecycle state of id.
func (s *Service) State(id api.PartitionID) (State, error) {
	p, err := s.lookup("state", id)
	if err != nil {
		return StateInactive, err
	}
	return s.stateOf(p), nil
}

// BoundVFs returns the virtual functions bound to an active partition.
func (s *Service) BoundVFs(id api.PartitionID) ([]api.PciDevice, error) {
	p, err := s.lookup("bound_vfs", id)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(p.vfs), nil
}

// Supported returns a snapshot of the supported partitions. Degraded
// partitions report as active since they still hold hardware resources.
func (s *Service) Supported(ctx context.Context) (api.FabricPartitionList, error) {
	if _, err := s.ready("get_supported", false); err != nil {
		return api.FabricPartitionList{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := api.FabricPartitionList{
		Version:          api.FabricPartitionListVersion,
		MaxNumPartitions: api.MaxFabricPartitions,
	}
	for _, id := range s.order {
		p := s.partitions[id]
		info := api.FabricPartitionInfo{
			PartitionID: id,
			IsActive:    p.state != StateInactive,
		}
		for _, g := range p.spec.GPUs {
			info.GPUs = append(info.GPUs, g.info())
		}
		out.Partitions = append(out.Partitions, info)
	}
	return out, nil
}

// Unsupported returns the partitions this host cannot activate.
func (s *Service) Unsupported(ctx context.Context) (api.UnsupportedFabricPartitionList, error) {
	cat, err := s.ready("get_unsupported", false)
	if err != nil {
		return api.UnsupportedFabricPartitionList{}, err
	}
	out := api.UnsupportedFabricPartitionList{Version: api.UnsupportedFabricPartitionListVersion}
	for _, u := range cat.Unsupported {
		out.Partitions = append(out.Partitions, api.UnsupportedFabricPartitionInfo{
			PartitionID:    u.ID,
			GPUPhysicalIDs: slices.Clone(u.GPUs),
		})
	}
	return out, nil
}

// FailedDevices returns the NVLink failure report: failures found at startup
// merged with failures reported by the driver since. Platforms that train
// links in hardware always report an empty list.
func (s *Service) FailedDevices(ctx context.Context) (api.NvlinkFailedDevices, error) {
	const op = "get_nvlink_failed_devices"
	cat, err := s.ready(op, false)
	if err != nil {
		return api.NvlinkFailedDevices{}, err
	}
	if s.restartMode {
		return api.NvlinkFailedDevices{}, api.NewError(api.StatusNotSupported, op, "not available in restart mode")
	}
	out := api.NvlinkFailedDevices{Version: api.NvlinkFailedDevicesVersion}
	if cat.Platform.LinkTrainingInHardware() {
		return out, nil
	}
	seen := make(map[string]struct{})
	for _, dev := range cat.FailedLinks.GPUs {
		seen[dev.UUID] = struct{}{}
		out.GPUs = append(out.GPUs, s.mergedFailure(dev).info())
	}
	for _, dev := range cat.FailedLinks.Switches {
		seen[dev.UUID] = struct{}{}
		out.Switches = append(out.Switches, s.mergedFailure(dev).info())
	}
	s.mu.RLock()
	runtime := make([]FailedDevice, 0, len(s.linkFails))
	for uuid, dev := range s.linkFails {
		if _, ok := seen[uuid]; !ok {
			runtime = append(runtime, dev)
		}
	}
	s.mu.RUnlock()
	slices.SortFunc(runtime, func(a, b FailedDevice) int {
		switch {
		case a.UUID < b.UUID:
			return -1
		case a.UUID > b.UUID:
			return 1
		}
		return 0
	})
	dropped := 0
	for _, dev := range runtime {
		switch dev.Kind {
		case DeviceSwitch:
			if len(out.Switches) >= api.MaxNumNVSwitches {
				dropped++
				continue
			}
			out.Switches = append(out.Switches, dev.info())
		default:
			if len(out.GPUs) >= api.MaxNumGPUs {
				dropped++
				continue
			}
			out.GPUs = append(out.GPUs, dev.info())
		}
	}
	if dropped > 0 {
		loggingutil.FromContext(ctx, s.logger).Warn("partition.failed_links.truncated",
			"dropped", dropped,
			"gpus", len(out.GPUs),
			"switches", len(out.Switches),
		)
	}
	return out, nil
}

func (s *Service) mergedFailure(dev FailedDevice) FailedDevice {
	s.mu.RLock()
	extra, ok := s.linkFails[dev.UUID]
	s.mu.RUnlock()
	if !ok {
		return dev
	}
	merged := dev
	merged.Ports = slices.Clone(dev.Ports)
	for _, port := range extra.Ports {
		if !slices.Contains(merged.Ports, port) {
			merged.Ports = append(merged.Ports, port)
		}
	}
	slices.Sort(merged.Ports)
	return merged
}
