package fabric

import (
	"testing"
)

const testTopology = `
platform:
  name: hgx-test
partitions:
  - id: 0
    gpus:
      - physicalId: 1
        uuid: GPU-6a1b2c3d-0000-4000-8000-000000000001
        pciBusId: "00000000:07:00.0"
        nvlinks: {available: 12, max: 12, lineRateMBps: 25781}
      - physicalId: 2
        uuid: GPU-6a1b2c3d-0000-4000-8000-000000000002
        pciBusId: "00000000:0f:00.0"
        nvlinks: {available: 12, max: 12, lineRateMBps: 25781}
  - id: 1
    gpus:
      - physicalId: 3
        uuid: GPU-6a1b2c3d-0000-4000-8000-000000000003
        pciBusId: "00000000:47:00.0"
        nvlinks: {available: 12, max: 12, lineRateMBps: 25781}
  - id: 2
    gpus:
      - physicalId: 4
        uuid: GPU-6a1b2c3d-0000-4000-8000-000000000004
        pciBusId: "00000000:4e:00.0"
        nvlinks: {available: 10, max: 12, lineRateMBps: 25781}
    faults:
      activate: nvlink_error
      ports: [3, 7]
  - id: 3
    gpus:
      - physicalId: 5
        uuid: GPU-6a1b2c3d-0000-4000-8000-000000000005
        pciBusId: "00000000:87:00.0"
        nvlinks: {available: 12, max: 12, lineRateMBps: 25781}
    faults:
      deactivate: nvlink_error
  - id: 4
    gpus:
      - physicalId: 6
        uuid: GPU-6a1b2c3d-0000-4000-8000-000000000006
        pciBusId: "00000000:90:00.0"
        nvlinks: {available: 12, max: 12, lineRateMBps: 25781}
    faults:
      activate: timeout
unsupported:
  - id: 9
    gpus: [7, 8]
failedLinks:
  gpus:
    - uuid: GPU-6a1b2c3d-0000-4000-8000-000000000004
      pciBusId: "00000000:4e:00.0"
      ports: [1]
  switches:
    - uuid: SWITCH-0001
      pciBusId: "00000000:c1:00.0"
      ports: [20, 21]
`

func mustCatalog(t *testing.T, doc string) *Catalog {
	t.Helper()
	cat, err := ParseTopology([]byte(doc))
	if err != nil {
		t.Fatalf("parse topology: %v", err)
	}
	return cat
}
