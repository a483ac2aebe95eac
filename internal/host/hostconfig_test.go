package host

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeFile(t *testing.T, root, name, content string) {
	t.Helper()
	path := filepath.Join(root, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestProbeA64FX(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "proc/version", "Linux version 4.18.0-305.el8.aarch64 (mockbuild@example) #1 SMP\n")
	writeFile(t, root, "proc/cpuinfo", `processor	: 12
BogoMIPS	: 200.00
CPU implementer	: 0x46
CPU architecture: 8
CPU variant	: 0x1
CPU part	: 0x001

processor	: 13
CPU implementer	: 0x46
CPU part	: 0x001
`)
	writeFile(t, root, "sys/devices/system/cpu/online", "12-59\n")

	hc, err := Probe(root)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if hc.KernelVersion != "4.18.0-305.el8.aarch64" {
		t.Errorf("KernelVersion = %q", hc.KernelVersion)
	}
	if hc.CPUVendor != "Fujitsu" || hc.CPUModel != "0x001" || !hc.IsA64FX() {
		t.Errorf("cpu = %q %q", hc.CPUVendor, hc.CPUModel)
	}
	if hc.TotalCores != 48 || hc.OnlineCPUs[0] != 12 || hc.OnlineCPUs[47] != 59 {
		t.Errorf("online = %v", hc.OnlineCPUs)
	}
}

func TestProbeX86(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "proc/cpuinfo", "vendor_id\t: GenuineIntel\nmodel name\t: Intel(R) Xeon(R) Gold 6130\n")
	writeFile(t, root, "sys/devices/system/cpu/online", "0-3,8\n")

	hc, err := Probe(root)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if hc.IsA64FX() {
		t.Errorf("x86 host reported as A64FX")
	}
	if hc.KernelVersion != "unknown" {
		t.Errorf("KernelVersion = %q", hc.KernelVersion)
	}
	if !reflect.DeepEqual(hc.OnlineCPUs, []int{0, 1, 2, 3, 8}) {
		t.Errorf("online = %v", hc.OnlineCPUs)
	}
}

func TestProbeBadOnlineList(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "sys/devices/system/cpu/online", "garbage\n")
	if _, err := Probe(root); err == nil {
		t.Fatalf("expected error for malformed online list")
	}
}
