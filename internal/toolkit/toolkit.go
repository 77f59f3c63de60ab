package toolkit

import (
	"context"
	"dmagma/config"
	"dmagma/internal/shell"
	"fmt"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"
)

// StartRequest describes one fuzzing execution. Poll and Timeout are seconds.
type StartRequest struct {
	Fuzzer  string
	Target  string
	Program string
	Args    string
	Shared  string // workdir path or volume name visible to the fuzzing container
	Poll    int
	Timeout int
}

// Toolkit is the external benchmark toolchain driven by the workers
type Toolkit interface {
	// Build prepares the runnable image for a fuzzer/target pair.
	Build(ctx context.Context, fuzzer, target string) error
	// Start runs the fuzzer and blocks until the timeout elapses and results are flushed.
	Start(ctx context.Context, req StartRequest) error
	// Aggregate turns a staged results tree into a JSON report.
	Aggregate(ctx context.Context, stagedDir, reportPath string) error
	// Pack archives the contents of srcDir into archive.
	Pack(ctx context.Context, srcDir, archive string) error
}

// Magma drives the magma benchmark layout: tools/captain for build/start and
// tools/benchd for aggregation.
type Magma struct {
	runner *shell.Runner
	root   string
	python string
	logger *zap.Logger
}

func NewMagma(runner *shell.Runner, cfg *config.AppConfig, logger *zap.Logger) *Magma {
	root, err := filepath.Abs(cfg.Toolkit.MagmaPath)
	if err != nil {
		root = cfg.Toolkit.MagmaPath
	}
	return &Magma{
		runner: runner,
		root:   root,
		python: cfg.Toolkit.Python,
		logger: logger.Named("magma"),
	}
}

// Root is the toolkit directory, also the source of the catalog
func (m *Magma) Root() string {
	return m.root
}

func (m *Magma) captainPath() string {
	return filepath.Join(m.root, "tools", "captain")
}

func ImageName(fuzzer, target string) string {
	return fmt.Sprintf("magma/%s/%s", fuzzer, target)
}

func (m *Magma) Build(ctx context.Context, fuzzer, target string) error {
	_, err := m.runner.Run(ctx, shell.Command{
		Name:    "./build.sh",
		Dir:     m.captainPath(),
		Env:     []string{"FUZZER=" + fuzzer, "TARGET=" + target},
		Comment: fmt.Sprintf("Building %q image...", ImageName(fuzzer, target)),
	})
	return err
}

func (m *Magma) Start(ctx context.Context, req StartRequest) error {
	env := []string{
		"FUZZER=" + req.Fuzzer,
		"TARGET=" + req.Target,
		"PROGRAM=" + req.Program,
		"SHARED=" + req.Shared,
		"POLL=" + strconv.Itoa(req.Poll),
		"TIMEOUT=" + FormatTimeout(req.Timeout),
	}
	if req.Args != "" {
		env = append(env, "ARGS="+req.Args)
	}

	_, err := m.runner.Run(ctx, shell.Command{
		Name:    "./start.sh",
		Dir:     m.captainPath(),
		Env:     env,
		Comment: "Fuzzing has been started...",
	})
	return err
}

func (m *Magma) Aggregate(ctx context.Context, stagedDir, reportPath string) error {
	_, err := m.runner.Run(ctx, shell.Command{
		Name:    m.python,
		Args:    []string{filepath.Join(m.root, "tools", "benchd", "exp2json.py"), stagedDir, reportPath},
		Comment: "Generating JSON report...",
	})
	return err
}

func (m *Magma) Pack(ctx context.Context, srcDir, archive string) error {
	_, err := m.runner.Run(ctx, shell.Command{
		Name:    "tar",
		Args:    []string{"-cf", archive, "-C", srcDir, "."},
		Comment: "Packing...",
	})
	return err
}

// FormatTimeout renders seconds the way start.sh expects them
func FormatTimeout(seconds int) string {
	return strconv.Itoa(seconds) + "s"
}
