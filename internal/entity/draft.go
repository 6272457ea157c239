package entity

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Draft is a planning entity authored as a JSON file in the drafts
// directory. The file carries the same tagged shape as a change payload:
//
//	{"type": "daybook-entry", "data": {"date": "...", "whatWorked": "..."}}
//
// Drafts without an id are treated as offline CREATEs; drafts whose data
// carries a known id are treated as offline UPDATEs.
type Draft struct {
	Payload ChangePayload
	Path    string
}

// EntityID returns the id inside the draft's data document, or "".
func (d *Draft) EntityID() string {
	env, err := ParseEnvelope(d.Payload.Data)
	if err != nil {
		return ""
	}
	return env.ID
}

// ReadDraftFile reads and validates a draft JSON file.
func ReadDraftFile(path string) (*Draft, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read draft file %s: %w", path, err)
	}

	var p ChangePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse draft file %s: %w", path, err)
	}
	if err := p.Validate(false); err != nil {
		return nil, fmt.Errorf("invalid draft file %s: %w", path, err)
	}

	return &Draft{Payload: p, Path: path}, nil
}

// WriteDraftFile writes a draft into draftsDir with a timestamped name.
// Used by offline authoring commands; the drafts watcher picks the file up.
func WriteDraftFile(draftsDir string, p ChangePayload) (string, error) {
	if err := p.Validate(false); err != nil {
		return "", fmt.Errorf("cannot write invalid draft: %w", err)
	}

	if err := os.MkdirAll(draftsDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create drafts directory: %w", err)
	}

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal draft: %w", err)
	}

	name := fmt.Sprintf("%s-%d.json", p.Type, time.Now().UnixNano())
	path := filepath.Join(draftsDir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write draft file %s: %w", path, err)
	}
	return path, nil
}

// ReadAllDraftFiles reads every draft in the directory. Invalid files are
// skipped with a warning to stderr.
func ReadAllDraftFiles(draftsDir string) ([]*Draft, error) {
	entries, err := os.ReadDir(draftsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*Draft{}, nil // no drafts yet
		}
		return nil, fmt.Errorf("failed to read drafts directory: %w", err)
	}

	var drafts []*Draft
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		path := filepath.Join(draftsDir, entry.Name())
		d, err := ReadDraftFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: skipping invalid draft file %s: %v\n", entry.Name(), err)
			continue
		}
		drafts = append(drafts, d)
	}

	return drafts, nil
}
