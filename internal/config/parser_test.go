package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestParseCPUSpec(t *testing.T) {
	cases := []struct {
		spec string
		want []int
	}{
		{"0", []int{0}},
		{"4,2,0", []int{0, 2, 4}},
		{"0-3", []int{0, 1, 2, 3}},
		{"12-14, 13, 20", []int{12, 13, 14, 20}},
	}
	for _, tc := range cases {
		got, err := ParseCPUSpec(tc.spec)
		if err != nil {
			t.Fatalf("ParseCPUSpec(%q): %v", tc.spec, err)
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("ParseCPUSpec(%q) = %v, want %v", tc.spec, got, tc.want)
		}
	}

	for _, bad := range []string{"", "a", "3-1", "1-2-3", "-1"} {
		if _, err := ParseCPUSpec(bad); err == nil {
			t.Errorf("ParseCPUSpec(%q): expected error", bad)
		}
	}
}

func TestFormatCPUSpec(t *testing.T) {
	if got := FormatCPUSpec([]int{8, 0, 1, 2, 3, 3}); got != "0-3,8" {
		t.Fatalf("got %q", got)
	}
	if got := FormatCPUSpec([]int{5}); got != "5" {
		t.Fatalf("got %q", got)
	}
	if got := FormatCPUSpec(nil); got != "" {
		t.Fatalf("got %q", got)
	}
}

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte("log_level: debug\n"))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
	if cfg.Device.BladesPerGroup != DefaultBladesPerGroup || cfg.Device.WindowsPerCore != DefaultWindowsPerCore {
		t.Errorf("device defaults not applied: %+v", cfg.Device)
	}
	if cfg.Server.Socket != DefaultSocketPath {
		t.Errorf("Socket = %q", cfg.Server.Socket)
	}
}

func TestParseConfigCPULists(t *testing.T) {
	data := []byte(`
device:
  groups: 2
  cpus: "0-7"
backend:
  kind: simulated
  simulated:
    cores_per_group: 4
    unmapped: "7"
`)
	cfg, err := ParseConfig(data)
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if !reflect.DeepEqual(cfg.Device.CPUList, []int{0, 1, 2, 3, 4, 5, 6, 7}) {
		t.Errorf("CPUList = %v", cfg.Device.CPUList)
	}
	if !reflect.DeepEqual(cfg.Backend.Simulated.UnmappedList, []int{7}) {
		t.Errorf("UnmappedList = %v", cfg.Backend.Simulated.UnmappedList)
	}
}

func TestParseConfigRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"unknown backend":   "backend:\n  kind: sysfs\n",
		"zero blades":       "device:\n  blades_per_group: 0\n",
		"group too large":   "backend:\n  simulated:\n    cores_per_group: 40\n",
		"partial recorder":  "recorder:\n  enabled: true\n  host: http://localhost:8086\n",
		"empty socket path": "server:\n  socket: \"\"\n",
		"too many groups":   "device:\n  groups: 5\n",
		"too many blades":   "device:\n  blades_per_group: 65\n",
		"offsets past mask": "device:\n  max_cores_per_group: 14\n",
	}
	for name, data := range cases {
		if _, err := ParseConfig([]byte(data)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestParseConfigRegisterLimits(t *testing.T) {
	data := []byte("device:\n  groups: 4\n  blades_per_group: 64\n  max_cores_per_group: 13\n")
	cfg, err := ParseConfig(data)
	if err != nil {
		t.Fatalf("ParseConfig at the register limits: %v", err)
	}
	if cfg.Device.Groups != 4 || cfg.Device.MaxCoresPerGroup != 13 {
		t.Errorf("device = %+v", cfg.Device)
	}
}

func TestLoadConfigExpandsEnv(t *testing.T) {
	t.Setenv("HWB_TEST_TOKEN", "secret")
	path := filepath.Join(t.TempDir(), "hwb.yaml")
	content := `
recorder:
  enabled: true
  host: http://localhost:8086
  token: ${HWB_TEST_TOKEN}
  org: lab
  bucket: hwb
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, raw, err := LoadConfigWithContent(path)
	if err != nil {
		t.Fatalf("LoadConfigWithContent: %v", err)
	}
	if cfg.Recorder.Token != "secret" {
		t.Errorf("Token = %q, want expanded value", cfg.Recorder.Token)
	}
	if raw != content {
		t.Errorf("original content not preserved")
	}
}
