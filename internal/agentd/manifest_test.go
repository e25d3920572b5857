package agentd

import (
	"os"
	"path/filepath"
	"testing"
)

func writeManifest(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, manifestFile), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `[
		{"server_id":"srv-1","name":"minecraft-main","command":["java","-jar","server.jar"],"dir":"/srv/mc","auto_start":true},
		{"server_id":"srv-2","name":"valheim","command":["./valheim_server"]}
	]`)

	specs, err := LoadManifest(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(specs) != 2 {
		t.Fatalf("expected 2 workloads, got %d", len(specs))
	}
	if specs[0].ServerID != "srv-1" || !specs[0].AutoStart {
		t.Errorf("first workload = %+v", specs[0])
	}
	if specs[1].Dir != "" || specs[1].AutoStart {
		t.Errorf("second workload = %+v", specs[1])
	}
}

func TestLoadManifestMissing(t *testing.T) {
	specs, err := LoadManifest(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if specs != nil {
		t.Errorf("expected nil for missing manifest, got %v", specs)
	}
}

func TestLoadManifestValidation(t *testing.T) {
	dir := t.TempDir()

	writeManifest(t, dir, `[{"name":"no-id","command":["run"]}]`)
	if _, err := LoadManifest(dir); err == nil {
		t.Error("expected error for missing server_id")
	}

	writeManifest(t, dir, `[{"server_id":"srv-1","name":"no-cmd"}]`)
	if _, err := LoadManifest(dir); err == nil {
		t.Error("expected error for missing command")
	}
}
