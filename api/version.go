package api

// Wire sizes in bytes. Every field is a 32-bit unsigned integer or a fixed
// char buffer, so the layouts carry no padding.
const (
	pciDeviceSize                 = 4 * 4
	gpuInfoSize                   = 4 + UUIDBufferSize + PCIBusIDBufferSize + 3*4
	partitionInfoSize             = 3*4 + MaxNumGPUs*gpuInfoSize
	failedDeviceInfoSize          = UUIDBufferSize + PCIBusIDBufferSize + 4 + MaxNumNVLinkPorts*4
	unsupportedPartitionInfoSize  = 2*4 + MaxNumGPUs*4
	activateWithVFsRequestSize    = 2*4 + MaxNumGPUs*pciDeviceSize
	versionTagSize                = 4
	revisionShift                 = 24
	tagSizeMask            uint32 = 1<<revisionShift - 1

	// ConnectParamsSize is the wire size of ConnectParams.
	ConnectParamsSize = 4 + MaxStrLength + 4 + 4
	// FabricPartitionListSize is the wire size of FabricPartitionList.
	FabricPartitionListSize = 3*4 + MaxFabricPartitions*partitionInfoSize
	// ActivatedFabricPartitionListSize is the wire size of ActivatedFabricPartitionList.
	ActivatedFabricPartitionListSize = 2*4 + MaxFabricPartitions*4
	// NvlinkFailedDevicesSize is the wire size of NvlinkFailedDevices.
	NvlinkFailedDevicesSize = 3*4 + (MaxNumGPUs+MaxNumNVSwitches)*failedDeviceInfoSize
	// UnsupportedFabricPartitionListSize is the wire size of UnsupportedFabricPartitionList.
	UnsupportedFabricPartitionListSize = 2*4 + MaxFabricPartitions*unsupportedPartitionInfoSize
)

// Version tags understood by this package.
const (
	ConnectParamsVersion                  uint32 = ConnectParamsSize | 1<<revisionShift
	FabricPartitionListVersion            uint32 = FabricPartitionListSize | 1<<revisionShift
	ActivatedFabricPartitionListVersion   uint32 = ActivatedFabricPartitionListSize | 1<<revisionShift
	NvlinkFailedDevicesVersion            uint32 = NvlinkFailedDevicesSize | 1<<revisionShift
	UnsupportedFabricPartitionListVersion uint32 = UnsupportedFabricPartitionListSize | 1<<revisionShift
)

// MakeVersion packs a structure size and revision into a version tag: revision
// in the high byte, size in the low three bytes.
func MakeVersion(size, revision uint32) uint32 {
	return size&tagSizeMask | revision<<revisionShift
}

// TagSize extracts the structure size from a version tag.
func TagSize(tag uint32) uint32 {
	return tag & tagSizeMask
}

// TagRevision extracts the revision number from a version tag.
func TagRevision(tag uint32) uint32 {
	return tag >> revisionShift
}
