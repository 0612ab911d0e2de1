// Package envfile edits conda environment descriptors in place while
// keeping their layout and comments.
package envfile

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var specNameRe = regexp.MustCompile(`^(?:[A-Za-z0-9_.-]+::)?([A-Za-z0-9_.-]+)`)

// Descriptor is a parsed environment.yml.
type Descriptor struct {
	Path string
	doc  yaml.Node
}

type header struct {
	Name     string   `yaml:"name"`
	Channels []string `yaml:"channels"`
}

// Load reads a descriptor from disk.
func Load(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	d, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	d.Path = path
	return d, nil
}

// Parse decodes a descriptor.
func Parse(data []byte) (*Descriptor, error) {
	d := &Descriptor{}
	if err := yaml.Unmarshal(data, &d.doc); err != nil {
		return nil, fmt.Errorf("parsing environment descriptor: %w", err)
	}
	if d.doc.Kind != yaml.DocumentNode || len(d.doc.Content) == 0 || d.doc.Content[0].Kind != yaml.MappingNode {
		return nil, fmt.Errorf("environment descriptor must be a mapping")
	}
	if deps := d.field("dependencies"); deps != nil && deps.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("dependencies must be a list")
	}
	return d, nil
}

// Name returns the environment name recorded in the descriptor.
func (d *Descriptor) Name() string {
	return d.header().Name
}

// Channels returns the channel list in priority order.
func (d *Descriptor) Channels() []string {
	return d.header().Channels
}

func (d *Descriptor) header() header {
	var h header
	_ = d.doc.Content[0].Decode(&h)
	return h
}

// Dependencies returns the conda package specs, excluding the nested pip list.
func (d *Descriptor) Dependencies() []string {
	var specs []string
	for _, n := range d.specNodes() {
		specs = append(specs, n.Value)
	}
	return specs
}

// Unpin replaces the spec of every named package with its bare name,
// keeping any channel prefix, and returns how many specs changed.
func (d *Descriptor) Unpin(names ...string) int {
	changed := 0
	for _, n := range d.specNodes() {
		bare := specNameRe.FindString(strings.TrimSpace(n.Value))
		if !containsFold(names, SpecName(n.Value)) || n.Value == bare {
			continue
		}
		n.Value = bare
		changed++
	}
	return changed
}

// Pin sets the spec of the named package to name=version, appending it
// when the descriptor does not list the package.
func (d *Descriptor) Pin(name, version string) {
	spec := name + "=" + version
	for _, n := range d.specNodes() {
		if strings.EqualFold(SpecName(n.Value), name) {
			n.Value = spec
			return
		}
	}

	deps := d.field("dependencies")
	if deps == nil {
		root := d.doc.Content[0]
		deps = &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		root.Content = append(root.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: "dependencies"}, deps)
	}
	deps.Content = append(deps.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: spec})
}

// Marshal encodes the descriptor with two-space indentation.
func (d *Descriptor) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&d.doc); err != nil {
		return nil, fmt.Errorf("encoding environment descriptor: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteTemp writes the descriptor to a new file in dir and returns its path.
// The caller removes the file.
func (d *Descriptor) WriteTemp(dir string) (string, error) {
	data, err := d.Marshal()
	if err != nil {
		return "", err
	}
	f, err := os.CreateTemp(dir, "environment-*.yml")
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// SpecName returns the package name of a conda spec such as
// "conda-forge::pytorch>=1.8" or "cudatoolkit=11.3".
func SpecName(spec string) string {
	if m := specNameRe.FindStringSubmatch(strings.TrimSpace(spec)); m != nil {
		return m[1]
	}
	return ""
}

func (d *Descriptor) field(key string) *yaml.Node {
	root := d.doc.Content[0]
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value == key {
			return root.Content[i+1]
		}
	}
	return nil
}

func (d *Descriptor) specNodes() []*yaml.Node {
	deps := d.field("dependencies")
	if deps == nil {
		return nil
	}
	var nodes []*yaml.Node
	for _, n := range deps.Content {
		if n.Kind == yaml.ScalarNode {
			nodes = append(nodes, n)
		}
	}
	return nodes
}

func containsFold(names []string, name string) bool {
	for _, n := range names {
		if strings.EqualFold(n, name) {
			return true
		}
	}
	return false
}
