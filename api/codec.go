package api

import (
	"bytes"
	"encoding/binary"
	"strings"
)

var byteOrder = binary.LittleEndian

type encoder struct {
	op  string
	buf []byte
	off int
	err error
}

func newEncoder(op string, size int) *encoder {
	return &encoder{op: op, buf: make([]byte, size)}
}

func (e *encoder) fail(status Status, format string, args ...any) {
	if e.err == nil {
		e.err = Errorf(status, e.op, format, args...)
	}
}

func (e *encoder) u32(v uint32) {
	if e.err != nil {
		return
	}
	byteOrder.PutUint32(e.buf[e.off:], v)
	e.off += 4
}

func (e *encoder) flag(v bool) {
	if v {
		e.u32(1)
		return
	}
	e.u32(0)
}

// str writes s into a NUL-terminated fixed buffer of size bytes.
func (e *encoder) str(field, s string, size int) {
	if e.err != nil {
		return
	}
	if len(s) >= size {
		e.fail(StatusBadParam, "%s is %d bytes, limit %d", field, len(s), size-1)
		return
	}
	if strings.IndexByte(s, 0) >= 0 {
		e.fail(StatusBadParam, "%s contains a NUL byte", field)
		return
	}
	copy(e.buf[e.off:], s)
	e.off += size
}

func (e *encoder) skip(n int) {
	if e.err != nil {
		return
	}
	e.off += n
}

func (e *encoder) limit(field string, n, max int) bool {
	if e.err != nil {
		return false
	}
	if n > max {
		e.fail(StatusBadParam, "%s has %d entries, limit %d", field, n, max)
		return false
	}
	return true
}

func (e *encoder) version(got, want uint32) {
	if e.err == nil && got != want {
		e.fail(StatusVersionMismatch, "version %#x, want %#x", got, want)
	}
}

func (e *encoder) result() ([]byte, error) {
	if e.err != nil {
		return nil, e.err
	}
	return e.buf, nil
}

type decoder struct {
	op  string
	buf []byte
	off int
	err error
}

func newDecoder(op string, data []byte) *decoder {
	return &decoder{op: op, buf: data}
}

func (d *decoder) fail(format string, args ...any) {
	if d.err == nil {
		d.err = Errorf(StatusGenericError, d.op, format, args...)
	}
}

func (d *decoder) u32() uint32 {
	if d.err != nil {
		return 0
	}
	if len(d.buf)-d.off < 4 {
		d.fail("truncated at offset %d", d.off)
		return 0
	}
	v := byteOrder.Uint32(d.buf[d.off:])
	d.off += 4
	return v
}

func (d *decoder) flag() bool {
	return d.u32() != 0
}

func (d *decoder) str(field string, size int) string {
	if d.err != nil {
		return ""
	}
	if len(d.buf)-d.off < size {
		d.fail("truncated at offset %d", d.off)
		return ""
	}
	raw := d.buf[d.off : d.off+size]
	d.off += size
	end := bytes.IndexByte(raw, 0)
	if end < 0 {
		d.fail("%s is not NUL-terminated", field)
		return ""
	}
	return string(raw[:end])
}

func (d *decoder) skip(n int) {
	if d.err != nil {
		return
	}
	if len(d.buf)-d.off < n {
		d.fail("truncated at offset %d", d.off)
		return
	}
	d.off += n
}

func (d *decoder) count(field string, max int) int {
	n := d.u32()
	if d.err != nil {
		return 0
	}
	if n > uint32(max) {
		d.fail("%s count %d exceeds limit %d", field, n, max)
		return 0
	}
	return int(n)
}

// tag validates the version tag and the overall length of a versioned block.
func (d *decoder) tag(want uint32) uint32 {
	if len(d.buf) < versionTagSize {
		d.fail("block of %d bytes has no version tag", len(d.buf))
		return 0
	}
	got := byteOrder.Uint32(d.buf)
	if got != want {
		d.err = Errorf(StatusVersionMismatch, d.op, "version %#x, want %#x", got, want)
		return 0
	}
	if uint32(len(d.buf)) != TagSize(want) {
		d.fail("block is %d bytes, version tag says %d", len(d.buf), TagSize(want))
		return 0
	}
	d.off = versionTagSize
	return got
}

// PeekVersion returns the version tag at the start of a versioned block.
func PeekVersion(data []byte) (uint32, error) {
	if len(data) < versionTagSize {
		return 0, Errorf(StatusGenericError, "peek", "block of %d bytes has no version tag", len(data))
	}
	return byteOrder.Uint32(data), nil
}

func (e *encoder) pciDevice(d PciDevice) {
	e.u32(d.Domain)
	e.u32(d.Bus)
	e.u32(d.Device)
	e.u32(d.Function)
}

func (d *decoder) pciDevice() PciDevice {
	return PciDevice{Domain: d.u32(), Bus: d.u32(), Device: d.u32(), Function: d.u32()}
}

func (e *encoder) gpuInfo(g GpuInfo) {
	e.u32(g.PhysicalID)
	e.str("gpu uuid", g.UUID, UUIDBufferSize)
	e.str("gpu pci bus id", g.PCIBusID, PCIBusIDBufferSize)
	e.u32(g.NumNVLinksAvailable)
	e.u32(g.MaxNumNVLinks)
	e.u32(g.NVLinkLineRateMBps)
}

func (d *decoder) gpuInfo() GpuInfo {
	return GpuInfo{
		PhysicalID:          d.u32(),
		UUID:                d.str("gpu uuid", UUIDBufferSize),
		PCIBusID:            d.str("gpu pci bus id", PCIBusIDBufferSize),
		NumNVLinksAvailable: d.u32(),
		MaxNumNVLinks:       d.u32(),
		NVLinkLineRateMBps:  d.u32(),
	}
}

func (e *encoder) partitionInfo(p FabricPartitionInfo) {
	if !e.limit("partition gpus", len(p.GPUs), MaxNumGPUs) {
		return
	}
	e.u32(uint32(p.PartitionID))
	e.flag(p.IsActive)
	e.u32(uint32(len(p.GPUs)))
	for _, g := range p.GPUs {
		e.gpuInfo(g)
	}
	e.skip((MaxNumGPUs - len(p.GPUs)) * gpuInfoSize)
}

func (d *decoder) partitionInfo() FabricPartitionInfo {
	p := FabricPartitionInfo{
		PartitionID: PartitionID(d.u32()),
		IsActive:    d.flag(),
	}
	n := d.count("partition gpus", MaxNumGPUs)
	if n > 0 {
		p.GPUs = make([]GpuInfo, n)
	}
	for i := range p.GPUs {
		p.GPUs[i] = d.gpuInfo()
	}
	d.skip((MaxNumGPUs - n) * gpuInfoSize)
	return p
}

func (e *encoder) failedDevice(dev NvlinkFailedDeviceInfo) {
	if !e.limit("failed ports", len(dev.PortNums), MaxNumNVLinkPorts) {
		return
	}
	e.str("device uuid", dev.UUID, UUIDBufferSize)
	e.str("device pci bus id", dev.PCIBusID, PCIBusIDBufferSize)
	e.u32(uint32(len(dev.PortNums)))
	for _, port := range dev.PortNums {
		e.u32(port)
	}
	e.skip((MaxNumNVLinkPorts - len(dev.PortNums)) * 4)
}

func (d *decoder) failedDevice() NvlinkFailedDeviceInfo {
	dev := NvlinkFailedDeviceInfo{
		UUID:     d.str("device uuid", UUIDBufferSize),
		PCIBusID: d.str("device pci bus id", PCIBusIDBufferSize),
	}
	n := d.count("failed ports", MaxNumNVLinkPorts)
	if n > 0 {
		dev.PortNums = make([]uint32, n)
	}
	for i := range dev.PortNums {
		dev.PortNums[i] = d.u32()
	}
	d.skip((MaxNumNVLinkPorts - n) * 4)
	return dev
}

func (e *encoder) unsupportedInfo(p UnsupportedFabricPartitionInfo) {
	if !e.limit("unsupported partition gpus", len(p.GPUPhysicalIDs), MaxNumGPUs) {
		return
	}
	e.u32(uint32(p.PartitionID))
	e.u32(uint32(len(p.GPUPhysicalIDs)))
	for _, id := range p.GPUPhysicalIDs {
		e.u32(id)
	}
	e.skip((MaxNumGPUs - len(p.GPUPhysicalIDs)) * 4)
}

func (d *decoder) unsupportedInfo() UnsupportedFabricPartitionInfo {
	p := UnsupportedFabricPartitionInfo{PartitionID: PartitionID(d.u32())}
	n := d.count("unsupported partition gpus", MaxNumGPUs)
	if n > 0 {
		p.GPUPhysicalIDs = make([]uint32, n)
	}
	for i := range p.GPUPhysicalIDs {
		p.GPUPhysicalIDs[i] = d.u32()
	}
	d.skip((MaxNumGPUs - n) * 4)
	return p
}

// MarshalBinary encodes the list in its fixed wire layout.
func (l FabricPartitionList) MarshalBinary() ([]byte, error) {
	e := newEncoder("encode fabric partition list", FabricPartitionListSize)
	e.version(l.Version, FabricPartitionListVersion)
	if e.limit("partitions", len(l.Partitions), MaxFabricPartitions) {
		e.u32(l.Version)
		e.u32(uint32(len(l.Partitions)))
		e.u32(l.MaxNumPartitions)
		for _, p := range l.Partitions {
			e.partitionInfo(p)
		}
	}
	return e.result()
}

// UnmarshalBinary decodes data into l. l is left untouched on failure.
func (l *FabricPartitionList) UnmarshalBinary(data []byte) error {
	d := newDecoder("decode fabric partition list", data)
	out := FabricPartitionList{Version: d.tag(FabricPartitionListVersion)}
	n := d.count("partitions", MaxFabricPartitions)
	out.MaxNumPartitions = d.u32()
	if d.err == nil && n > 0 {
		out.Partitions = make([]FabricPartitionInfo, n)
		for i := range out.Partitions {
			out.Partitions[i] = d.partitionInfo()
		}
	}
	if d.err != nil {
		return d.err
	}
	*l = out
	return nil
}

// MarshalBinary encodes the list in its fixed wire layout.
func (l ActivatedFabricPartitionList) MarshalBinary() ([]byte, error) {
	e := newEncoder("encode activated partition list", ActivatedFabricPartitionListSize)
	e.version(l.Version, ActivatedFabricPartitionListVersion)
	if e.limit("partition ids", len(l.PartitionIDs), MaxFabricPartitions) {
		e.u32(l.Version)
		e.u32(uint32(len(l.PartitionIDs)))
		for _, id := range l.PartitionIDs {
			e.u32(uint32(id))
		}
	}
	return e.result()
}

// UnmarshalBinary decodes data into l. l is left untouched on failure.
func (l *ActivatedFabricPartitionList) UnmarshalBinary(data []byte) error {
	d := newDecoder("decode activated partition list", data)
	out := ActivatedFabricPartitionList{Version: d.tag(ActivatedFabricPartitionListVersion)}
	n := d.count("partition ids", MaxFabricPartitions)
	if d.err == nil && n > 0 {
		out.PartitionIDs = make([]PartitionID, n)
		for i := range out.PartitionIDs {
			out.PartitionIDs[i] = PartitionID(d.u32())
		}
	}
	if d.err != nil {
		return d.err
	}
	*l = out
	return nil
}

// MarshalBinary encodes the report in its fixed wire layout.
func (r NvlinkFailedDevices) MarshalBinary() ([]byte, error) {
	e := newEncoder("encode nvlink failed devices", NvlinkFailedDevicesSize)
	e.version(r.Version, NvlinkFailedDevicesVersion)
	if e.limit("failed gpus", len(r.GPUs), MaxNumGPUs) && e.limit("failed switches", len(r.Switches), MaxNumNVSwitches) {
		e.u32(r.Version)
		e.u32(uint32(len(r.GPUs)))
		e.u32(uint32(len(r.Switches)))
		for _, dev := range r.GPUs {
			e.failedDevice(dev)
		}
		e.skip((MaxNumGPUs - len(r.GPUs)) * failedDeviceInfoSize)
		for _, dev := range r.Switches {
			e.failedDevice(dev)
		}
	}
	return e.result()
}

// UnmarshalBinary decodes data into r. r is left untouched on failure.
func (r *NvlinkFailedDevices) UnmarshalBinary(data []byte) error {
	d := newDecoder("decode nvlink failed devices", data)
	out := NvlinkFailedDevices{Version: d.tag(NvlinkFailedDevicesVersion)}
	gpus := d.count("failed gpus", MaxNumGPUs)
	switches := d.count("failed switches", MaxNumNVSwitches)
	if d.err == nil {
		if gpus > 0 {
			out.GPUs = make([]NvlinkFailedDeviceInfo, gpus)
		}
		for i := range out.GPUs {
			out.GPUs[i] = d.failedDevice()
		}
		d.skip((MaxNumGPUs - gpus) * failedDeviceInfoSize)
		if switches > 0 {
			out.Switches = make([]NvlinkFailedDeviceInfo, switches)
		}
		for i := range out.Switches {
			out.Switches[i] = d.failedDevice()
		}
	}
	if d.err != nil {
		return d.err
	}
	*r = out
	return nil
}

// MarshalBinary encodes the list in its fixed wire layout.
func (l UnsupportedFabricPartitionList) MarshalBinary() ([]byte, error) {
	e := newEncoder("encode unsupported partition list", UnsupportedFabricPartitionListSize)
	e.version(l.Version, UnsupportedFabricPartitionListVersion)
	if e.limit("unsupported partitions", len(l.Partitions), MaxFabricPartitions) {
		e.u32(l.Version)
		e.u32(uint32(len(l.Partitions)))
		for _, p := range l.Partitions {
			e.unsupportedInfo(p)
		}
	}
	return e.result()
}

// UnmarshalBinary decodes data into l. l is left untouched on failure.
func (l *UnsupportedFabricPartitionList) UnmarshalBinary(data []byte) error {
	d := newDecoder("decode unsupported partition list", data)
	out := UnsupportedFabricPartitionList{Version: d.tag(UnsupportedFabricPartitionListVersion)}
	n := d.count("unsupported partitions", MaxFabricPartitions)
	if d.err == nil && n > 0 {
		out.Partitions = make([]UnsupportedFabricPartitionInfo, n)
		for i := range out.Partitions {
			out.Partitions[i] = d.unsupportedInfo()
		}
	}
	if d.err != nil {
		return d.err
	}
	*l = out
	return nil
}

// MarshalBinary encodes the parameters in their fixed wire layout.
func (p ConnectParams) MarshalBinary() ([]byte, error) {
	e := newEncoder("encode connect params", ConnectParamsSize)
	e.version(p.Version, ConnectParamsVersion)
	e.u32(p.Version)
	e.str("address", p.AddressInfo, MaxStrLength)
	e.u32(p.TimeoutMs)
	e.flag(p.AddressIsUnixSocket)
	return e.result()
}

// UnmarshalBinary decodes data into p. p is left untouched on failure.
func (p *ConnectParams) UnmarshalBinary(data []byte) error {
	d := newDecoder("decode connect params", data)
	out := ConnectParams{Version: d.tag(ConnectParamsVersion)}
	out.AddressInfo = d.str("address", MaxStrLength)
	out.TimeoutMs = d.u32()
	out.AddressIsUnixSocket = d.flag()
	if d.err != nil {
		return d.err
	}
	*p = out
	return nil
}

// MarshalBinary encodes the request in its fixed wire layout.
func (r ActivateWithVFsRequest) MarshalBinary() ([]byte, error) {
	e := newEncoder("encode activate with vfs", activateWithVFsRequestSize)
	if e.limit("vfs", len(r.VFs), MaxNumGPUs) {
		e.u32(uint32(r.PartitionID))
		e.u32(uint32(len(r.VFs)))
		for _, vf := range r.VFs {
			e.pciDevice(vf)
		}
	}
	return e.result()
}

// UnmarshalBinary decodes data into r. r is left untouched on failure.
func (r *ActivateWithVFsRequest) UnmarshalBinary(data []byte) error {
	d := newDecoder("decode activate with vfs", data)
	if len(data) != activateWithVFsRequestSize {
		d.fail("request is %d bytes, want %d", len(data), activateWithVFsRequestSize)
	}
	out := ActivateWithVFsRequest{PartitionID: PartitionID(d.u32())}
	n := d.count("vfs", MaxNumGPUs)
	if d.err == nil && n > 0 {
		out.VFs = make([]PciDevice, n)
		for i := range out.VFs {
			out.VFs[i] = d.pciDevice()
		}
	}
	if d.err != nil {
		return d.err
	}
	*r = out
	return nil
}
