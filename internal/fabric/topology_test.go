package fabric

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pkt.systems/fabricd/api"
)

func TestParseTopology(t *testing.T) {
	cat := mustCatalog(t, testTopology)
	if cat.Platform.Name != "hgx-test" {
		t.Fatalf("platform name %q", cat.Platform.Name)
	}
	if !cat.Platform.PartitioningSupported() {
		t.Fatalf("partitioning should default to supported")
	}
	if cat.Platform.LinkTraining != LinkTrainingManager {
		t.Fatalf("link training defaulted to %q", cat.Platform.LinkTraining)
	}
	if len(cat.Partitions) != 5 || len(cat.Unsupported) != 1 {
		t.Fatalf("partitions=%d unsupported=%d", len(cat.Partitions), len(cat.Unsupported))
	}
	p, ok := cat.Partition(2)
	if !ok {
		t.Fatalf("partition 2 missing")
	}
	if p.Faults.Activate != FaultNVLink || len(p.Faults.Ports) != 2 {
		t.Fatalf("faults %+v", p.Faults)
	}
	if _, ok := cat.Partition(42); ok {
		t.Fatalf("unexpected partition 42")
	}
}

func TestParseTopologyRejects(t *testing.T) {
	gpu := func(id int, uuid string) string {
		return "      - physicalId: " + string(rune('0'+id)) + "\n        uuid: " + uuid + "\n        pciBusId: \"00000000:07:00.0\"\n"
	}
	okUUID := "GPU-6a1b2c3d-0000-4000-8000-000000000001"
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{"empty", "", "empty document"},
		{"unknown key", "platform:\n  name: x\n  colour: blue\n", "colour"},
		{"bad link training", "platform:\n  linkTraining: firmware\n", "link training"},
		{"no gpus", "partitions:\n  - id: 1\n", "no gpus"},
		{"duplicate id", "partitions:\n  - id: 1\n    gpus:\n" + gpu(1, okUUID) + "unsupported:\n  - id: 1\n", "already defined"},
		{"bad uuid", "partitions:\n  - id: 1\n    gpus:\n" + gpu(1, "6a1b2c3d") + "", "GPU- prefix"},
		{"duplicate gpu", "partitions:\n  - id: 1\n    gpus:\n" + gpu(1, okUUID) + gpu(1, okUUID), "twice"},
		{"links exceed max", "partitions:\n  - id: 1\n    gpus:\n" + gpu(1, okUUID) + "        nvlinks: {available: 13, max: 12}\n", "exceed max"},
		{"unknown fault", "partitions:\n  - id: 1\n    gpus:\n" + gpu(1, okUUID) + "    faults:\n      activate: meltdown\n", "unknown fault"},
		{"port out of range", "failedLinks:\n  gpus:\n    - uuid: GPU-x\n      ports: [64]\n", "out of range"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseTopology([]byte(tc.doc))
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestCatalogLimits(t *testing.T) {
	cat := &Catalog{}
	for i := 0; i <= api.MaxFabricPartitions; i++ {
		cat.Unsupported = append(cat.Unsupported, UnsupportedSpec{ID: api.PartitionID(i)})
	}
	if err := cat.Validate(); err == nil {
		t.Fatalf("expected limit error")
	}
}

func TestValidateGPUUUID(t *testing.T) {
	if err := ValidateGPUUUID("GPU-6a1b2c3d-0000-4000-8000-000000000001"); err != nil {
		t.Fatalf("valid uuid rejected: %v", err)
	}
	for _, bad := range []string{"", "GPU-", "gpu-6a1b2c3d-0000-4000-8000-000000000001", "GPU-zz"} {
		if err := ValidateGPUUUID(bad); err == nil {
			t.Fatalf("accepted %q", bad)
		}
	}
}

func TestLoadTopologyMissing(t *testing.T) {
	if _, err := LoadTopology(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestTopologyWatcherExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "topology.yaml")
	if err := os.WriteFile(path, []byte(testTopology), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	w, err := NewTopologyWatcher(path, nil)
	if err != nil {
		t.Fatalf("watcher: %v", err)
	}
	defer w.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cat, err := w.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if len(cat.Partitions) != 5 {
		t.Fatalf("partitions=%d", len(cat.Partitions))
	}
}

func TestTopologyWatcherWaitsForFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "topology.yaml")
	w, err := NewTopologyWatcher(path, nil)
	if err != nil {
		t.Fatalf("watcher: %v", err)
	}
	defer w.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	type result struct {
		cat *Catalog
		err error
	}
	done := make(chan result, 1)
	go func() {
		cat, err := w.Wait(ctx)
		done <- result{cat, err}
	}()

	// An invalid document first; the watcher must keep waiting.
	tmp := filepath.Join(dir, "topology.tmp")
	if err := os.WriteFile(tmp, []byte("platform: [\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename: %v", err)
	}
	select {
	case res := <-done:
		t.Fatalf("wait returned early: %+v", res)
	case <-time.After(100 * time.Millisecond):
	}

	if err := os.WriteFile(tmp, []byte(testTopology), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename: %v", err)
	}
	res := <-done
	if res.err != nil {
		t.Fatalf("wait: %v", res.err)
	}
	if len(res.cat.Partitions) != 5 {
		t.Fatalf("partitions=%d", len(res.cat.Partitions))
	}
}

func TestTopologyWatcherContextCancel(t *testing.T) {
	w, err := NewTopologyWatcher(filepath.Join(t.TempDir(), "never.yaml"), nil)
	if err != nil {
		t.Fatalf("watcher: %v", err)
	}
	defer w.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := w.Wait(ctx); err != context.DeadlineExceeded {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
