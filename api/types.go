package api

const (
	// MaxStrLength bounds free-form strings such as ConnectParams.AddressInfo, including the NUL terminator.
	MaxStrLength = 256
	// UUIDBufferSize is the wire buffer size of a device UUID string.
	UUIDBufferSize = 80
	// PCIBusIDBufferSize is the wire buffer size of a PCI bus id string.
	PCIBusIDBufferSize = 32
	// DefaultPort is the well-known TCP port of the fabric manager command channel.
	DefaultPort = 6666
	// MaxNumGPUs is the platform maximum of GPUs per partition and per failure report.
	MaxNumGPUs = 16
	// MaxNumNVSwitches is the platform maximum of NVSwitch devices per failure report.
	MaxNumNVSwitches = 12
	// MaxFabricPartitions is the platform maximum of partitions in a catalog.
	MaxFabricPartitions = 64
	// MaxNumNVLinkPorts is the platform maximum of NVLink ports per device.
	MaxNumNVLinkPorts = 64
)

// PartitionID identifies a fabric partition. Ids are stable across daemon restarts.
type PartitionID uint32

// PciDevice is a PCI function address. It identifies either a physical GPU or a
// virtual function bound to one.
type PciDevice struct {
	// Domain is the PCI segment/domain number.
	Domain uint32 `json:"domain"`
	// Bus is the PCI bus number.
	Bus uint32 `json:"bus"`
	// Device is the PCI device (slot) number.
	Device uint32 `json:"device"`
	// Function is the PCI function number.
	Function uint32 `json:"function"`
}

// GpuInfo describes one GPU member of a fabric partition.
type GpuInfo struct {
	// PhysicalID is the GPU physical id as reported by the fabric topology.
	PhysicalID uint32 `json:"physical_id"`
	// UUID is the GPU UUID string (for example GPU-5ba1...).
	UUID string `json:"uuid"`
	// PCIBusID is the GPU PCI bus id (for example 00000000:07:00.0).
	PCIBusID string `json:"pci_bus_id"`
	// NumNVLinksAvailable is the number of trained, usable NVLinks; never above MaxNumNVLinks.
	NumNVLinksAvailable uint32 `json:"num_nvlinks_available"`
	// MaxNumNVLinks is the number of NVLinks the GPU supports.
	MaxNumNVLinks uint32 `json:"max_num_nvlinks"`
	// NVLinkLineRateMBps is the per-link line rate in MBps.
	NVLinkLineRateMBps uint32 `json:"nvlink_line_rate_mbps"`
}

// FabricPartitionInfo describes a single supported partition.
type FabricPartitionInfo struct {
	// PartitionID identifies the partition.
	PartitionID PartitionID `json:"partition_id"`
	// IsActive reports whether the partition is currently activated.
	IsActive bool `json:"is_active"`
	// GPUs lists partition members in physical order; at most MaxNumGPUs.
	GPUs []GpuInfo `json:"gpus,omitempty"`
}

// FabricPartitionList is the versioned block returned by the supported-partitions query.
type FabricPartitionList struct {
	// Version must be FabricPartitionListVersion.
	Version uint32 `json:"version"`
	// MaxNumPartitions is the platform maximum reported by the daemon.
	MaxNumPartitions uint32 `json:"max_num_partitions"`
	// Partitions lists the supported partitions; at most MaxFabricPartitions.
	Partitions []FabricPartitionInfo `json:"partitions,omitempty"`
}

// ActivatedFabricPartitionList is the versioned block used to restore the activated
// partition view after a daemon restart.
type ActivatedFabricPartitionList struct {
	// Version must be ActivatedFabricPartitionListVersion.
	Version uint32 `json:"version"`
	// PartitionIDs lists the partitions that are active; at most MaxFabricPartitions.
	PartitionIDs []PartitionID `json:"partition_ids,omitempty"`
}

// NvlinkFailedDeviceInfo lists the failed NVLink ports of one device.
type NvlinkFailedDeviceInfo struct {
	// UUID is the device UUID.
	UUID string `json:"uuid"`
	// PCIBusID is the device PCI bus id.
	PCIBusID string `json:"pci_bus_id"`
	// PortNums lists failed port numbers; at most MaxNumNVLinkPorts.
	PortNums []uint32 `json:"port_nums,omitempty"`
}

// NvlinkFailedDevices is the versioned NVLink failure report.
type NvlinkFailedDevices struct {
	// Version must be NvlinkFailedDevicesVersion.
	Version uint32 `json:"version"`
	// GPUs lists GPUs with failed links; at most MaxNumGPUs.
	GPUs []NvlinkFailedDeviceInfo `json:"gpus,omitempty"`
	// Switches lists NVSwitches with failed links; at most MaxNumNVSwitches.
	Switches []NvlinkFailedDeviceInfo `json:"switches,omitempty"`
}

// UnsupportedFabricPartitionInfo describes a partition that exists in the
// topology but cannot be activated on this system.
type UnsupportedFabricPartitionInfo struct {
	// PartitionID identifies the partition.
	PartitionID PartitionID `json:"partition_id"`
	// GPUPhysicalIDs lists member GPU physical ids; at most MaxNumGPUs.
	GPUPhysicalIDs []uint32 `json:"gpu_physical_ids,omitempty"`
}

// UnsupportedFabricPartitionList is the versioned block returned by the
// unsupported-partitions query.
type UnsupportedFabricPartitionList struct {
	// Version must be UnsupportedFabricPartitionListVersion.
	Version uint32 `json:"version"`
	// Partitions lists unsupported partitions; at most MaxFabricPartitions.
	Partitions []UnsupportedFabricPartitionInfo `json:"partitions,omitempty"`
}

// ConnectParams is the versioned session-open parameter block.
type ConnectParams struct {
	// Version must be ConnectParamsVersion.
	Version uint32 `json:"version"`
	// AddressInfo is "host", "host:port" or, with AddressIsUnixSocket, a socket path.
	AddressInfo string `json:"address_info"`
	// TimeoutMs bounds connection establishment; zero selects DefaultConnectTimeoutMs.
	TimeoutMs uint32 `json:"timeout_ms"`
	// AddressIsUnixSocket selects a Unix domain socket instead of TCP.
	AddressIsUnixSocket bool `json:"address_is_unix_socket"`
}

// DefaultConnectTimeoutMs is applied when ConnectParams.TimeoutMs is zero.
const DefaultConnectTimeoutMs = 5000

// ActivateWithVFsRequest is the request body of a VF-attached activation. It is
// not versioned on its own; the session handshake pins its layout.
type ActivateWithVFsRequest struct {
	// PartitionID identifies the partition to activate.
	PartitionID PartitionID
	// VFs lists one virtual function per partition member, in member order.
	VFs []PciDevice
}

// NewFabricPartitionList returns an empty list with the current version set.
func NewFabricPartitionList() *FabricPartitionList {
	return &FabricPartitionList{Version: FabricPartitionListVersion}
}

// NewActivatedFabricPartitionList returns a list of ids with the current version set.
func NewActivatedFabricPartitionList(ids ...PartitionID) *ActivatedFabricPartitionList {
	return &ActivatedFabricPartitionList{Version: ActivatedFabricPartitionListVersion, PartitionIDs: ids}
}

// NewNvlinkFailedDevices returns an empty report with the current version set.
func NewNvlinkFailedDevices() *NvlinkFailedDevices {
	return &NvlinkFailedDevices{Version: NvlinkFailedDevicesVersion}
}

// NewUnsupportedFabricPartitionList returns an empty list with the current version set.
func NewUnsupportedFabricPartitionList() *UnsupportedFabricPartitionList {
	return &UnsupportedFabricPartitionList{Version: UnsupportedFabricPartitionListVersion}
}

// NewConnectParams returns connect parameters with the current version set.
func NewConnectParams(address string, timeoutMs uint32, unixSocket bool) ConnectParams {
	return ConnectParams{
		Version:             ConnectParamsVersion,
		AddressInfo:         address,
		TimeoutMs:           timeoutMs,
		AddressIsUnixSocket: unixSocket,
	}
}
