package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Emmyhack/osem-sub002/internal/domain/model"
)

type programsFile struct {
	Programs []model.Program `yaml:"programs"`
}

// LoadProgramsFile reads additional monitored programs from a YAML file:
//
//	programs:
//	  - label: trust
//	    id: <base58 program id>
func LoadProgramsFile(path string) ([]model.Program, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read programs file %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)

	var f programsFile
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse programs file %s: %w", path, err)
	}
	for i, p := range f.Programs {
		if p.Label == "" || p.ID == "" {
			return nil, fmt.Errorf("programs file %s: entry %d needs label and id", path, i)
		}
	}
	return f.Programs, nil
}
