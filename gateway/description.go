package gateway

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Description lists the modules of a gateway. It is read from YAML; JSON
// documents parse too.
//
//	modules:
//	  - name: echo
//	    loader: host
//	    args:
//	      class_name: examples/Echo
//	      class_path: ./classes
//	  - name: log
//	    loader: logger
type Description struct {
	Modules []ModuleEntry `yaml:"modules" json:"modules"`
}

// ModuleEntry names a module, the loader that creates it and the args
// handed to its Create as a JSON document.
type ModuleEntry struct {
	Name   string `yaml:"name" json:"name"`
	Loader string `yaml:"loader" json:"loader"`
	Args   any    `yaml:"args,omitempty" json:"args,omitempty"`
}

var ErrInvalidDescription = errors.New("gateway: invalid description")

// ParseDescription decodes and validates a description.
func ParseDescription(data []byte) (*Description, error) {
	var d Description
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&d); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDescription, err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// LoadDescription reads and parses the description at path.
func LoadDescription(path string) (*Description, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseDescription(data)
}

// Validate checks that every module has a loader.
func (d *Description) Validate() error {
	if len(d.Modules) == 0 {
		return fmt.Errorf("%w: no modules", ErrInvalidDescription)
	}
	for i, m := range d.Modules {
		if m.Loader == "" {
			return fmt.Errorf("%w: module %d has no loader", ErrInvalidDescription, i)
		}
	}
	return nil
}

// Marshal encodes d as YAML.
func (d *Description) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(d); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
