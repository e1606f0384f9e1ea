package proof

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Document file names inside a workcell.
const (
	ManifestFile = "manifest.json"
	ProofFile    = "proof.json"
)

// WriteManifest persists the manifest to <workcellPath>/manifest.json.
// A manifest is immutable once written: overwriting an existing non-empty
// manifest is an error.
func WriteManifest(m *Manifest, workcellPath string) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("invalid manifest: %w", err)
	}
	path := filepath.Join(workcellPath, ManifestFile)
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		return fmt.Errorf("manifest already exists at %s", path)
	}
	return writeJSON(path, m)
}

// LoadManifest reads the manifest from a workcell. Unknown fields are
// tolerated so older kernels can read newer documents.
func LoadManifest(workcellPath string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(workcellPath, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &m, nil
}

// WriteProof persists the proof to <workcellPath>/proof.json. Unlike the
// manifest, the proof is rewritten by the verifier after gate execution.
func WriteProof(p *Proof, workcellPath string) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid proof: %w", err)
	}
	return writeJSON(filepath.Join(workcellPath, ProofFile), p)
}

// LoadProof reads the proof from a workcell.
func LoadProof(workcellPath string) (*Proof, error) {
	data, err := os.ReadFile(filepath.Join(workcellPath, ProofFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read proof: %w", err)
	}
	var p Proof
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse proof: %w", err)
	}
	return &p, nil
}

// writeJSON writes via a temp file and rename so readers never observe a
// half-written document.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to rename %s into place: %w", tmp, err)
	}
	return nil
}
