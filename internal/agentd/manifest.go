package agentd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const manifestFile = "servers.json"

// WorkloadSpec describes one game server this node hosts. The server ID
// must match the panel's record so stream dials resolve to the right
// backend.
type WorkloadSpec struct {
	ServerID  string   `json:"server_id"`
	Name      string   `json:"name"`
	Command   []string `json:"command"`
	Dir       string   `json:"dir,omitempty"`
	AutoStart bool     `json:"auto_start"`
}

// LoadManifest reads the workload manifest from dataDir. A missing file
// is not an error; the node simply hosts nothing yet.
func LoadManifest(dataDir string) ([]WorkloadSpec, error) {
	data, err := os.ReadFile(filepath.Join(dataDir, manifestFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read workload manifest: %w", err)
	}

	var specs []WorkloadSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("parse workload manifest: %w", err)
	}

	for i, spec := range specs {
		if spec.ServerID == "" {
			return nil, fmt.Errorf("workload %d: missing server_id", i)
		}
		if len(spec.Command) == 0 {
			return nil, fmt.Errorf("workload %s: missing command", spec.ServerID)
		}
	}
	return specs, nil
}
