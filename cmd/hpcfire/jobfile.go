package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/RezaEskandarii/hpcfire/types"
	"gopkg.in/yaml.v3"
)

// jobFile is either a single job spec at the top level or a list under jobs.
type jobFile struct {
	Jobs          []types.JobSpec `yaml:"jobs"`
	types.JobSpec `yaml:",inline"`
}

func loadJobFile(path string) ([]types.JobSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseJobFile(data)
}

func parseJobFile(data []byte) ([]types.JobSpec, error) {
	var f jobFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse job file: %w", err)
	}
	single := f.JobSpec.Exec.Command != ""
	switch {
	case len(f.Jobs) > 0 && single:
		return nil, errors.New("job file has both a top level job and a jobs list")
	case len(f.Jobs) > 0:
		return f.Jobs, nil
	case single:
		return []types.JobSpec{f.JobSpec}, nil
	}
	return nil, errors.New("job file defines no jobs")
}
