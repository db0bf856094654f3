// Package jobgraph holds the job template: an opaque graph of named nodes
// that is only ever loaded, validated, deep-copied and patched at the two
// image-input nodes.
package jobgraph

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default_template.json
var defaultTemplate []byte

// Node is one entry of the graph. Its fields are not interpreted except for
// "inputs" on the image-loading nodes.
type Node map[string]any

// Graph maps node ids to nodes.
type Graph map[string]Node

// Bindings names the nodes whose "inputs.image" receive the person and cloth
// attachment names. Empty ids leave the template untouched.
type Bindings struct {
	PersonNode string
	ClothNode  string
}

// Default returns the embedded try-on template.
func Default() Graph {
	g, err := Parse(defaultTemplate)
	if err != nil {
		panic(fmt.Sprintf("jobgraph: embedded template: %v", err))
	}
	return g
}

// Load reads a template from a .json, .yaml or .yml file.
func Load(path string) (Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(data)
	default:
		return Parse(data)
	}
}

// Parse decodes and validates a JSON template.
func Parse(data []byte) (Graph, error) {
	var g Graph
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&g); err != nil {
		return nil, fmt.Errorf("decode template: %w", err)
	}
	if err := Validate(g); err != nil {
		return nil, err
	}
	return g, nil
}

// ParseYAML decodes a YAML template and normalises it to its JSON form.
func ParseYAML(data []byte) (Graph, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode yaml template: %w", err)
	}
	js, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("normalise yaml template: %w", err)
	}
	return Parse(js)
}

// Clone returns a deep copy so per-submission edits never reach the source.
func (g Graph) Clone() (Graph, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("copy template: %w", err)
	}
	var out Graph
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("copy template: %w", err)
	}
	return out, nil
}

// Bind writes the attachment names into the bound nodes' "inputs.image".
func (g Graph) Bind(b Bindings, personName, clothName string) error {
	if err := g.setImage(b.PersonNode, personName); err != nil {
		return err
	}
	return g.setImage(b.ClothNode, clothName)
}

// SetImage points node id's "inputs.image" at name.
func (g Graph) SetImage(id, name string) error {
	return g.setImage(id, name)
}

func (g Graph) setImage(id, name string) error {
	if id == "" {
		return nil
	}
	node, ok := g[id]
	if !ok {
		return fmt.Errorf("template has no node %q", id)
	}
	inputs, ok := node["inputs"].(map[string]any)
	if !ok {
		inputs = map[string]any{}
		node["inputs"] = inputs
	}
	inputs["image"] = name
	return nil
}

// Image returns the value of node id's "inputs.image", if any.
func (g Graph) Image(id string) (string, bool) {
	node, ok := g[id]
	if !ok {
		return "", false
	}
	inputs, ok := node["inputs"].(map[string]any)
	if !ok {
		return "", false
	}
	v, ok := inputs["image"].(string)
	return v, ok
}
