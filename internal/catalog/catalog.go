package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
)

// Catalog is the set of fuzzer and target names known to the external toolkit.
// It is loaded once at startup and never mutated afterwards.
type Catalog struct {
	fuzzers map[string]struct{}
	targets map[string]struct{}
}

// New builds a catalog from explicit names
func New(fuzzers, targets []string) *Catalog {
	c := &Catalog{
		fuzzers: make(map[string]struct{}, len(fuzzers)),
		targets: make(map[string]struct{}, len(targets)),
	}
	for _, f := range fuzzers {
		c.fuzzers[f] = struct{}{}
	}
	for _, t := range targets {
		c.targets[t] = struct{}{}
	}
	return c
}

// Load lists the fuzzers/ and targets/ directories of the toolkit checkout
func Load(toolkitDir string) (*Catalog, error) {
	fuzzers, err := listNames(filepath.Join(toolkitDir, "fuzzers"))
	if err != nil {
		return nil, fmt.Errorf("failed to load fuzzer catalog: %w", err)
	}
	targets, err := listNames(filepath.Join(toolkitDir, "targets"))
	if err != nil {
		return nil, fmt.Errorf("failed to load target catalog: %w", err)
	}
	return New(fuzzers, targets), nil
}

func listNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names, nil
}

func (c *Catalog) HasFuzzer(name string) bool {
	_, ok := c.fuzzers[name]
	return ok
}

func (c *Catalog) HasTarget(name string) bool {
	_, ok := c.targets[name]
	return ok
}

// Fuzzers returns the sorted fuzzer names
func (c *Catalog) Fuzzers() []string {
	return sortedKeys(c.fuzzers)
}

// Targets returns the sorted target names
func (c *Catalog) Targets() []string {
	return sortedKeys(c.targets)
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
