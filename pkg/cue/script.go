package cue

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Event is one batch emitted At after the start of a replay
type Event struct {
	At   time.Duration `yaml:"at"`
	Cues []Cue         `yaml:"cues"`
}

// Script is an ordered list of cue batches with their arrival offsets
type Script struct {
	Name   string  `yaml:"name"`
	Events []Event `yaml:"events"`
}

// ScriptError describes an invalid event in a script
type ScriptError struct {
	Index   int
	Message string
}

func (e ScriptError) Error() string {
	return fmt.Sprintf("event %d: %s", e.Index, e.Message)
}

// LoadScript reads and validates a YAML script from fs
func LoadScript(fs afero.Fs, path string) (*Script, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}

	script, err := ParseScript(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load script %s: %w", path, err)
	}

	if script.Name == "" {
		script.Name = path
	}
	return script, nil
}

// ParseScript decodes and validates a YAML script
func ParseScript(data []byte) (*Script, error) {
	var script Script

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&script); err != nil {
		return nil, fmt.Errorf("failed to parse script: %w", err)
	}

	if err := script.Validate(); err != nil {
		return nil, err
	}
	return &script, nil
}

// Validate checks that arrival offsets are non-negative and non-decreasing
func (s *Script) Validate() error {
	var errors []ScriptError

	var previous time.Duration
	for i, event := range s.Events {
		if event.At < 0 {
			errors = append(errors, ScriptError{Index: i, Message: fmt.Sprintf("at %s must be non-negative", event.At)})
		}
		if i > 0 && event.At < previous {
			errors = append(errors, ScriptError{Index: i, Message: fmt.Sprintf("at %s is before the previous event at %s", event.At, previous)})
		}
		previous = event.At
	}

	if len(errors) > 0 {
		var messages []string
		for _, err := range errors {
			messages = append(messages, err.Error())
		}
		return fmt.Errorf("invalid script:\n  - %s", strings.Join(messages, "\n  - "))
	}

	return nil
}

// Duration returns the arrival offset of the last event
func (s *Script) Duration() time.Duration {
	if len(s.Events) == 0 {
		return 0
	}
	return s.Events[len(s.Events)-1].At
}
