package fabric

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"pkt.systems/fabricd/api"
)

const (
	// LinkTrainingManager means the daemon trains NVLinks and can report failures.
	LinkTrainingManager = "manager"
	// LinkTrainingHardware means training happens below the management layer;
	// failure reports are always empty.
	LinkTrainingHardware = "hardware"

	// FaultNVLink makes the simulated driver fail with an NVLink error.
	FaultNVLink = "nvlink_error"
	// FaultTimeout makes the simulated driver block until its context ends.
	FaultTimeout = "timeout"
)

// Platform describes fabric capabilities of the host.
type Platform struct {
	Name string `yaml:"name"`
	// Partitioning defaults to true when omitted.
	Partitioning *bool  `yaml:"partitioning"`
	LinkTraining string `yaml:"linkTraining"`
}

// PartitioningSupported reports whether the platform has partitioning hardware.
func (p Platform) PartitioningSupported() bool {
	return p.Partitioning == nil || *p.Partitioning
}

// LinkTrainingInHardware reports whether NVLink failures are invisible to the daemon.
func (p Platform) LinkTrainingInHardware() bool {
	return p.LinkTraining == LinkTrainingHardware
}

// NVLinks carries per-GPU link counts.
type NVLinks struct {
	Available    uint32 `yaml:"available"`
	Max          uint32 `yaml:"max"`
	LineRateMBps uint32 `yaml:"lineRateMBps"`
}

// GPU is a partition member.
type GPU struct {
	PhysicalID uint32  `yaml:"physicalId"`
	UUID       string  `yaml:"uuid"`
	PCIBusID   string  `yaml:"pciBusId"`
	NVLinks    NVLinks `yaml:"nvlinks"`
}

// Faults injects failures into the simulated driver.
type Faults struct {
	Activate   string   `yaml:"activate"`
	Deactivate string   `yaml:"deactivate"`
	Ports      []uint32 `yaml:"ports"`
}

// PartitionSpec is a supported partition. Membership is fixed for the daemon lifetime.
type PartitionSpec struct {
	ID     api.PartitionID `yaml:"id"`
	GPUs   []GPU           `yaml:"gpus"`
	Faults Faults          `yaml:"faults"`
}

// UnsupportedSpec is a partition the topology defines but this host cannot activate.
type UnsupportedSpec struct {
	ID   api.PartitionID `yaml:"id"`
	GPUs []uint32        `yaml:"gpus"`
}

// DeviceKind tells GPUs and NVSwitches apart in failure reports.
type DeviceKind int

const (
	DeviceGPU DeviceKind = iota
	DeviceSwitch
)

func (k DeviceKind) String() string {
	if k == DeviceSwitch {
		return "switch"
	}
	return "gpu"
}

// FailedDevice lists failed NVLink ports of one GPU or NVSwitch.
type FailedDevice struct {
	// Kind is implied by the list a topology entry sits in; drivers set it.
	Kind     DeviceKind `yaml:"-"`
	UUID     string     `yaml:"uuid"`
	PCIBusID string     `yaml:"pciBusId"`
	Ports    []uint32   `yaml:"ports"`
}

// FailedLinks is the NVLink failure state discovered at startup.
type FailedLinks struct {
	GPUs     []FailedDevice `yaml:"gpus"`
	Switches []FailedDevice `yaml:"switches"`
}

// Catalog is the fabric topology loaded at startup.
type Catalog struct {
	Platform    Platform          `yaml:"platform"`
	Partitions  []PartitionSpec   `yaml:"partitions"`
	Unsupported []UnsupportedSpec `yaml:"unsupported"`
	FailedLinks FailedLinks       `yaml:"failedLinks"`
}

// Validate checks the catalog against platform limits and the partition
// invariants: ids are unique across supported and unsupported sets, and link
// counts never exceed their maximum.
func (c *Catalog) Validate() error {
	switch c.Platform.LinkTraining {
	case "":
		c.Platform.LinkTraining = LinkTrainingManager
	case LinkTrainingManager, LinkTrainingHardware:
	default:
		return fmt.Errorf("topology: unknown link training mode %q", c.Platform.LinkTraining)
	}
	if len(c.Partitions) > api.MaxFabricPartitions {
		return fmt.Errorf("topology: %d partitions exceed limit %d", len(c.Partitions), api.MaxFabricPartitions)
	}
	if len(c.Unsupported) > api.MaxFabricPartitions {
		return fmt.Errorf("topology: %d unsupported partitions exceed limit %d", len(c.Unsupported), api.MaxFabricPartitions)
	}
	seen := make(map[api.PartitionID]string, len(c.Partitions)+len(c.Unsupported))
	for i := range c.Partitions {
		p := &c.Partitions[i]
		if prev, ok := seen[p.ID]; ok {
			return fmt.Errorf("topology: partition %d already defined as %s", p.ID, prev)
		}
		seen[p.ID] = "supported"
		if err := validatePartition(p); err != nil {
			return err
		}
	}
	for _, u := range c.Unsupported {
		if prev, ok := seen[u.ID]; ok {
			return fmt.Errorf("topology: unsupported partition %d already defined as %s", u.ID, prev)
		}
		seen[u.ID] = "unsupported"
		if len(u.GPUs) > api.MaxNumGPUs {
			return fmt.Errorf("topology: unsupported partition %d has %d gpus, limit %d", u.ID, len(u.GPUs), api.MaxNumGPUs)
		}
	}
	if len(c.FailedLinks.GPUs) > api.MaxNumGPUs {
		return fmt.Errorf("topology: %d failed gpus exceed limit %d", len(c.FailedLinks.GPUs), api.MaxNumGPUs)
	}
	if len(c.FailedLinks.Switches) > api.MaxNumNVSwitches {
		return fmt.Errorf("topology: %d failed switches exceed limit %d", len(c.FailedLinks.Switches), api.MaxNumNVSwitches)
	}
	for _, dev := range append(append([]FailedDevice(nil), c.FailedLinks.GPUs...), c.FailedLinks.Switches...) {
		if err := validateFailedDevice(dev); err != nil {
			return err
		}
	}
	return nil
}

func validatePartition(p *PartitionSpec) error {
	if len(p.GPUs) == 0 {
		return fmt.Errorf("topology: partition %d has no gpus", p.ID)
	}
	if len(p.GPUs) > api.MaxNumGPUs {
		return fmt.Errorf("topology: partition %d has %d gpus, limit %d", p.ID, len(p.GPUs), api.MaxNumGPUs)
	}
	physical := make(map[uint32]struct{}, len(p.GPUs))
	for _, g := range p.GPUs {
		if _, dup := physical[g.PhysicalID]; dup {
			return fmt.Errorf("topology: partition %d lists gpu %d twice", p.ID, g.PhysicalID)
		}
		physical[g.PhysicalID] = struct{}{}
		if err := ValidateGPUUUID(g.UUID); err != nil {
			return fmt.Errorf("topology: partition %d gpu %d: %w", p.ID, g.PhysicalID, err)
		}
		if _, err := api.ParsePciDevice(g.PCIBusID); err != nil || len(g.PCIBusID) >= api.PCIBusIDBufferSize {
			return fmt.Errorf("topology: partition %d gpu %d: invalid pci bus id %q", p.ID, g.PhysicalID, g.PCIBusID)
		}
		if g.NVLinks.Available > g.NVLinks.Max {
			return fmt.Errorf("topology: partition %d gpu %d: %d available nvlinks exceed max %d", p.ID, g.PhysicalID, g.NVLinks.Available, g.NVLinks.Max)
		}
	}
	for _, fault := range []string{p.Faults.Activate, p.Faults.Deactivate} {
		switch fault {
		case "", FaultNVLink, FaultTimeout:
		default:
			return fmt.Errorf("topology: partition %d: unknown fault %q", p.ID, fault)
		}
	}
	return validatePorts(p.Faults.Ports)
}

func validateFailedDevice(dev FailedDevice) error {
	if dev.UUID == "" || len(dev.UUID) >= api.UUIDBufferSize {
		return fmt.Errorf("topology: failed device uuid %q is invalid", dev.UUID)
	}
	if len(dev.PCIBusID) >= api.PCIBusIDBufferSize {
		return fmt.Errorf("topology: failed device %s: pci bus id too long", dev.UUID)
	}
	if len(dev.Ports) > api.MaxNumNVLinkPorts {
		return fmt.Errorf("topology: failed device %s lists %d ports, limit %d", dev.UUID, len(dev.Ports), api.MaxNumNVLinkPorts)
	}
	return validatePorts(dev.Ports)
}

func validatePorts(ports []uint32) error {
	for _, port := range ports {
		if port >= api.MaxNumNVLinkPorts {
			return fmt.Errorf("topology: nvlink port %d out of range", port)
		}
	}
	return nil
}

// ValidateGPUUUID accepts "GPU-<uuid>" as printed by nvidia-smi.
func ValidateGPUUUID(s string) error {
	rest, ok := strings.CutPrefix(s, "GPU-")
	if !ok {
		return fmt.Errorf("gpu uuid %q lacks the GPU- prefix", s)
	}
	if _, err := uuid.Parse(rest); err != nil {
		return fmt.Errorf("gpu uuid %q: %w", s, err)
	}
	return nil
}

// Partition returns the spec for id.
func (c *Catalog) Partition(id api.PartitionID) (PartitionSpec, bool) {
	for _, p := range c.Partitions {
		if p.ID == id {
			return p, true
		}
	}
	return PartitionSpec{}, false
}

func (g GPU) info() api.GpuInfo {
	return api.GpuInfo{
		PhysicalID:          g.PhysicalID,
		UUID:                g.UUID,
		PCIBusID:            g.PCIBusID,
		NumNVLinksAvailable: g.NVLinks.Available,
		MaxNumNVLinks:       g.NVLinks.Max,
		NVLinkLineRateMBps:  g.NVLinks.LineRateMBps,
	}
}

func (d FailedDevice) info() api.NvlinkFailedDeviceInfo {
	return api.NvlinkFailedDeviceInfo{
		UUID:     d.UUID,
		PCIBusID: d.PCIBusID,
		PortNums: append([]uint32(nil), d.Ports...),
	}
}
