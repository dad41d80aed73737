package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/google/uuid"
)

// LoadOrCreateNodeID returns the node id stored at path, creating one if the
// file does not exist. When the new id cannot be saved it is still returned
// together with the error, so the caller can run with an id that will not
// survive a restart.
func LoadOrCreateNodeID(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id == "" || strings.ContainsAny(id, " \t\n") {
			return "", fmt.Errorf("%w: %s", ErrInvalidNodeIDFile, path)
		}
		return id, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("failed to read node id: %w", err)
	}

	id := NewNodeID()
	if err := writeFileAtomic(path, []byte(id+"\n"), 0644); err != nil {
		return id, fmt.Errorf("failed to save node id: %w", err)
	}
	return id, nil
}

// NewNodeID generates a fresh random node id.
func NewNodeID() string {
	return "venom-" + uuid.New().String()
}
