package pipeline

import (
	"dmagma/config"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// Workdir is where a fuzzing container leaves its results
type Workdir struct {
	Path    string // local path read by the worker
	Shared  string // what the fuzzing container mounts, a path or a volume name
	Private bool   // created for this pipeline and removed afterwards
}

// ResolveWorkdir picks the results directory for a pipeline. Inside a container
// the fixed shared mount is used and the volume name is handed to the fuzzer.
// Otherwise a private temporary directory is created and its absolute path is
// both the local and the shared location.
func ResolveWorkdir(cfg config.WorkdirConfig, pipelineID string, logger *zap.Logger) (Workdir, error) {
	if cfg.InContainer {
		if _, err := os.Stat(cfg.SharedPath); os.IsNotExist(err) {
			logger.Warn("Shared workdir does not exist, creating...", zap.String("path", cfg.SharedPath))
		}
		if err := os.MkdirAll(cfg.SharedPath, 0755); err != nil {
			return Workdir{}, fmt.Errorf("failed to create shared workdir: %w", err)
		}
		return Workdir{Path: cfg.SharedPath, Shared: cfg.SharedVolume}, nil
	}

	dir, err := os.MkdirTemp("", "workdir-"+pipelineID+"-")
	if err != nil {
		return Workdir{}, fmt.Errorf("failed to create workdir: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		os.RemoveAll(dir)
		return Workdir{}, fmt.Errorf("failed to resolve workdir: %w", err)
	}
	return Workdir{Path: abs, Shared: abs, Private: true}, nil
}

// CleanupDir removes everything inside dir, keeping dir itself
func CleanupDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func isEmptyDir(dir string) (bool, error) {
	f, err := os.Open(dir)
	if err != nil {
		return false, err
	}
	defer f.Close()

	names, err := f.Readdirnames(1)
	if len(names) > 0 {
		return false, nil
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	return true, nil
}
