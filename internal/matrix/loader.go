package matrix

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/saltfish/paramsearch/internal/domain"
)

// planFile is the on-disk layout of a plan file. A file holds either a list of
// plans under "plans" or a single plan at the top level.
type planFile struct {
	Plans []*domain.Plan `yaml:"plans"`
}

// LoadPlans reads plans from a YAML file or from every .yaml/.yml file in a
// directory. Plan IDs must be unique across all files.
func LoadPlans(path string) ([]*domain.Plan, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat plans path: %w", err)
	}

	files := []string{path}
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read plans directory: %w", err)
		}
		files = files[:0]
		for _, e := range entries {
			ext := strings.ToLower(filepath.Ext(e.Name()))
			if !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
				files = append(files, filepath.Join(path, e.Name()))
			}
		}
		sort.Strings(files)
	}

	var plans []*domain.Plan
	seen := make(map[string]string)
	for _, file := range files {
		loaded, err := loadPlanFile(file)
		if err != nil {
			return nil, err
		}
		for _, p := range loaded {
			if prev, ok := seen[p.ID]; ok {
				return nil, domain.NewConfigError("plans", fmt.Sprintf("duplicate plan id %q in %s and %s", p.ID, prev, file))
			}
			seen[p.ID] = file
			plans = append(plans, p)
		}
	}
	return plans, nil
}

func loadPlanFile(file string) ([]*domain.Plan, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}

	var pf planFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("failed to parse plan file %s: %w", file, err)
	}
	if len(pf.Plans) > 0 {
		return pf.Plans, nil
	}

	var plan domain.Plan
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&plan); err != nil {
		return nil, fmt.Errorf("failed to parse plan file %s: %w", file, err)
	}
	if plan.ID == "" {
		return nil, domain.NewConfigError("plans", file+": no plans found")
	}
	return []*domain.Plan{&plan}, nil
}
