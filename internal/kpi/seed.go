package kpi

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/grace-platform/core/infrastructure/logging"
)

// seedDocument is one KPI registry seed file's shape: one or more
// definitions declared together, mirroring the policy seed loader's
// one-document-per-file convention (SPEC_FULL.md §C.3).
type seedDocument struct {
	Definitions []Definition `yaml:"definitions"`
}

// LoadSeedDir registers every KPI definition found in dir's *.yaml/*.yml
// files into registry. Unlike policy seeds, registry definitions are
// process-local schema declarations rather than log-replicated records, so
// this is a plain directory read with no hot-reload: changing a KPI's
// semantic type after it has accumulated samples is not a supported
// operation (spec.md has no such migration path).
func LoadSeedDir(dir string, registry *Registry, logger *logging.Logger) error {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("kpi: read seed dir: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !(strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("kpi: read seed file %s: %w", name, err)
		}
		var doc seedDocument
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("kpi: parse seed file %s: %w", name, err)
		}
		for _, def := range doc.Definitions {
			registry.Register(def)
			if logger != nil {
				logger.WithFields(map[string]interface{}{"domain": def.Domain, "kpi": def.KPI}).Info("kpi definition seeded")
			}
		}
	}
	return nil
}
