package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nstewart/streamsync/internal/syncerr"
)

// SinkKind names one of the two sink adapters.
type SinkKind string

const (
	SinkSearch    SinkKind = "search"
	SinkBroadcast SinkKind = "broadcast"
)

// Descriptor configures one (view, sink) pipeline.
type Descriptor struct {
	View      string   `yaml:"view"`
	Sink      SinkKind `yaml:"sink"`
	KeyColumn string   `yaml:"key_column"`
	Shape     string   `yaml:"shape"`
}

// Name labels the pipeline in logs and metrics.
func (d Descriptor) Name() string {
	return fmt.Sprintf("%s/%s", d.View, d.Sink)
}

type descriptorFile struct {
	Pipelines []Descriptor `yaml:"pipelines"`
}

// LoadDescriptors parses and validates the YAML pipeline table.
func LoadDescriptors(path string) ([]Descriptor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &syncerr.Config{Field: "PIPELINE_DESCRIPTORS", Err: err}
	}

	var file descriptorFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, &syncerr.Config{Field: "PIPELINE_DESCRIPTORS", Err: err}
	}
	if len(file.Pipelines) == 0 {
		return nil, &syncerr.Config{Field: "PIPELINE_DESCRIPTORS", Err: fmt.Errorf("no pipelines defined")}
	}

	seen := make(map[string]struct{}, len(file.Pipelines))
	for i, d := range file.Pipelines {
		if d.View == "" {
			return nil, &syncerr.Config{Field: fmt.Sprintf("pipelines[%d].view", i), Err: fmt.Errorf("empty")}
		}
		if d.KeyColumn == "" {
			return nil, &syncerr.Config{Field: fmt.Sprintf("pipelines[%d].key_column", i), Err: fmt.Errorf("empty")}
		}
		switch d.Sink {
		case SinkSearch, SinkBroadcast:
		default:
			return nil, &syncerr.Config{
				Field: fmt.Sprintf("pipelines[%d].sink", i),
				Err:   fmt.Errorf("unknown sink %q", d.Sink),
			}
		}
		if _, dup := seen[d.Name()]; dup {
			return nil, &syncerr.Config{
				Field: fmt.Sprintf("pipelines[%d]", i),
				Err:   fmt.Errorf("duplicate pipeline %s", d.Name()),
			}
		}
		seen[d.Name()] = struct{}{}
	}
	return file.Pipelines, nil
}
