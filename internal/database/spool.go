package database

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"a64fx-hwb/internal/hwb"
)

// SpoolArtifact holds events the recorder could not deliver.
type SpoolArtifact struct {
	Version int `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	Hostname  string    `json:"hostname"`

	Events []SpoolEvent `json:"events"`
}

type SpoolEvent struct {
	Time         time.Time `json:"time"`
	Type         string    `json:"type"`
	PID          int       `json:"pid"`
	TGID         int       `json:"tgid"`
	ParentPID    int       `json:"ppid"`
	Group        int       `json:"group"`
	Blade        int       `json:"blade"`
	Window       int       `json:"window"`
	Core         int       `json:"core"`
	Participants uint64    `json:"participants"`
}

// spoolSeq keeps artifact names unique within a process.
var spoolSeq atomic.Uint64

func DefaultSpoolDir() string {
	if v := strings.TrimSpace(os.Getenv("HWB_SPOOL_DIR")); v != "" {
		return v
	}
	return "/var/lib/hwb/spool"
}

// BuildSpoolArtifact converts events into their on-disk form.
func BuildSpoolArtifact(hostname string, events []hwb.Event) *SpoolArtifact {
	artifact := &SpoolArtifact{
		Version:   1,
		CreatedAt: time.Now(),
		Hostname:  hostname,
		Events:    make([]SpoolEvent, 0, len(events)),
	}
	for _, ev := range events {
		artifact.Events = append(artifact.Events, SpoolEvent{
			Time:         ev.Time,
			Type:         string(ev.Type),
			PID:          ev.Task.PID,
			TGID:         ev.Task.TGID,
			ParentPID:    ev.Task.ParentPID,
			Group:        ev.Group,
			Blade:        ev.Blade,
			Window:       ev.Window,
			Core:         ev.Core,
			Participants: ev.Participants,
		})
	}
	return artifact
}

// WriteSpoolArtifact writes a gzip-compressed JSON artifact to disk atomically.
// It returns the final file path.
func WriteSpoolArtifact(dir string, artifact *SpoolArtifact) (string, error) {
	if artifact == nil {
		return "", fmt.Errorf("spool artifact is nil")
	}
	if dir == "" {
		dir = DefaultSpoolDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	name := fmt.Sprintf(
		"hwb_events_%s_%d_%d_%d.json.gz",
		artifact.CreatedAt.UTC().Format("20060102T150405Z"),
		os.Getpid(),
		spoolSeq.Add(1),
		len(artifact.Events),
	)
	finalPath := filepath.Join(dir, name)

	tmp, err := os.CreateTemp(dir, name+".tmp.*")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()

	ok := false
	defer func() {
		_ = tmp.Close()
		if !ok {
			_ = os.Remove(tmpPath)
		}
	}()

	gz := gzip.NewWriter(tmp)
	enc := json.NewEncoder(gz)
	if err := enc.Encode(artifact); err != nil {
		_ = gz.Close()
		return "", err
	}
	if err := gz.Close(); err != nil {
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", err
	}
	ok = true
	return finalPath, nil
}

func ReadSpoolArtifact(path string) (*SpoolArtifact, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("spool %s: %w", path, err)
	}
	defer gz.Close()

	var artifact SpoolArtifact
	if err := json.NewDecoder(gz).Decode(&artifact); err != nil {
		return nil, fmt.Errorf("spool %s: %w", path, err)
	}
	return &artifact, nil
}
