package deadletter

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/tradefabric/streambus/internal/types"
)

// fallbackFile is the local-disk path of last resort: when the store cannot
// accept a dead-letter record, the entry is appended as one JSON line here.
// The file is rotated (current -> .1, replacing the previous .1) once it
// exceeds maxBytes, so disk use stays bounded during a long outage.
type fallbackFile struct {
	mu       sync.Mutex
	path     string
	maxBytes int64
}

func newFallbackFile(path string, maxBytes int64) *fallbackFile {
	if maxBytes <= 0 {
		maxBytes = 16 << 20
	}
	return &fallbackFile{path: path, maxBytes: maxBytes}
}

func (f *fallbackFile) write(entry types.DeadLetterEntry) error {
	if f.path == "" {
		return fmt.Errorf("no fallback path configured")
	}

	line, err := json.Marshal(struct {
		Stream     string           `json:"stream"`
		MessageID  string           `json:"messageId"`
		Fields     types.FieldPairs `json:"fields"`
		Reason     string           `json:"reason"`
		RecordedAt int64            `json:"recordedAt"`
	}{
		Stream:     entry.Stream,
		MessageID:  entry.MessageID,
		Fields:     entry.Fields,
		Reason:     entry.Reason,
		RecordedAt: entry.RecordedAt.UnixMilli(),
	})
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if info, statErr := os.Stat(f.path); statErr == nil && info.Size() >= f.maxBytes {
		if err := os.Rename(f.path, f.path+".1"); err != nil {
			return fmt.Errorf("rotate fallback file: %w", err)
		}
	}

	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open fallback file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write fallback file: %w", err)
	}
	return nil
}
