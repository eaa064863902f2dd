package dispatch

import (
	"encoding/json"
	"os"

	"github.com/teranos/dispatch/errors"
)

// Discoverer finds the test classes a run should dispatch. Discovery
// itself — walking a source tree, importing test modules — is out of
// scope for dispatchd; this interface is the seam a host process plugs
// its own discovery mechanism into.
type Discoverer interface {
	Discover() ([]WorkItem, error)
}

// ManifestDiscoverer reads a pre-computed JSON manifest of discovered
// classes from disk. It's the simplest possible Discoverer, useful for
// the `dispatchd discover` dry-run command and for tests, where discovery
// has already been run out-of-process and its output captured to a file.
type ManifestDiscoverer struct {
	Path string
}

type manifestEntry struct {
	ClassPath string   `json:"class_path"`
	Methods   []string `json:"methods"`
}

// Discover reads and parses the manifest file.
func (m ManifestDiscoverer) Discover() ([]WorkItem, error) {
	data, err := os.ReadFile(m.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read discovery manifest %s", m.Path)
	}

	var entries []manifestEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, errors.Wrapf(err, "failed to parse discovery manifest %s", m.Path)
	}

	items := make([]WorkItem, 0, len(entries))
	for _, e := range entries {
		items = append(items, WorkItem{ClassPath: e.ClassPath, Methods: e.Methods})
	}
	return items, nil
}
