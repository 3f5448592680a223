package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"ngptd/internal/common/fsutil"
	"ngptd/pkg/ngpt"
	"ngptd/pkg/types"
)

// CheckpointScanner builds a model registry from checkpoint files on disk.
// Files whose header cannot be read are skipped with a warning so one
// corrupt download does not hide the rest of the directory.
type CheckpointScanner struct {
	Logger zerolog.Logger
}

// NewCheckpointScanner returns a scanner that logs nowhere. Assign Logger
// to surface skipped files.
func NewCheckpointScanner() *CheckpointScanner {
	return &CheckpointScanner{Logger: zerolog.Nop()}
}

// Scan reads dir for *.ngpt files. The model ID is the filename without
// extension; dimensions and parameter count come from the checkpoint header.
func (s *CheckpointScanner) Scan(dir string) ([]types.Model, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var models []types.Model
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(strings.ToLower(name), ngpt.Ext) {
			continue
		}
		p := filepath.Join(abs, name)
		hdr, err := ngpt.ReadHeader(p)
		if err != nil {
			s.Logger.Warn().Str("path", p).Err(err).Msg("skipping unreadable checkpoint")
			continue
		}
		id := strings.TrimSuffix(name, filepath.Ext(name))
		models = append(models, types.Model{
			ID:     id,
			Name:   id,
			Path:   p,
			Params: hdr.Params,
			Dim:    hdr.Config.Dim,
			Depth:  hdr.Config.Depth,
			Vocab:  hdr.Config.NumTokens,
		})
	}
	return models, nil
}

// LoadDir scans dir with a default scanner.
func LoadDir(dir string) ([]types.Model, error) {
	return NewCheckpointScanner().Scan(dir)
}
