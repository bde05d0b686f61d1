// Package catalog loads the agent catalog: named launch specs for the
// agent backends this host knows how to run.
package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/flowrite/flowrite/internal/agent/supervisor"
)

// Entry is one named agent in the catalog file.
type Entry struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description,omitempty"`
	Command     []string `yaml:"command"`
	Env         []string `yaml:"env,omitempty"`
	Transport   string   `yaml:"transport,omitempty"`
}

// Spec converts the entry into a launch spec.
func (e Entry) Spec() supervisor.LaunchSpec {
	transport := e.Transport
	if transport == "" {
		transport = supervisor.TransportStdio
	}
	return supervisor.LaunchSpec{
		Command:   e.Command,
		Env:       e.Env,
		Transport: transport,
	}
}

// Catalog is the set of known agents, keyed by name.
type Catalog struct {
	entries map[string]Entry
	names   []string
}

type fileFormat struct {
	Agents []Entry `yaml:"agents"`
}

// Load reads the catalog file. A missing file yields an empty catalog so
// the host still serves ad-hoc launch specs.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Catalog{entries: map[string]Entry{}}, nil
		}
		return nil, fmt.Errorf("failed to read agent catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes catalog YAML and validates every entry.
func Parse(data []byte) (*Catalog, error) {
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse agent catalog: %w", err)
	}

	c := &Catalog{entries: make(map[string]Entry, len(f.Agents))}
	for _, e := range f.Agents {
		if e.Name == "" {
			return nil, fmt.Errorf("agent catalog entry has no name")
		}
		if len(e.Command) == 0 {
			return nil, fmt.Errorf("agent '%s' has no command", e.Name)
		}
		if e.Transport != "" && e.Transport != supervisor.TransportStdio {
			return nil, fmt.Errorf("agent '%s' uses unsupported transport '%s'", e.Name, e.Transport)
		}
		if _, dup := c.entries[e.Name]; dup {
			return nil, fmt.Errorf("agent '%s' is defined twice", e.Name)
		}
		c.entries[e.Name] = e
		c.names = append(c.names, e.Name)
	}
	return c, nil
}

// Get looks up an agent by name.
func (c *Catalog) Get(name string) (Entry, bool) {
	e, ok := c.entries[name]
	return e, ok
}

// Names lists agents in file order.
func (c *Catalog) Names() []string {
	return append([]string(nil), c.names...)
}

// Entries lists all entries in file order.
func (c *Catalog) Entries() []Entry {
	out := make([]Entry, 0, len(c.names))
	for _, n := range c.names {
		out = append(out, c.entries[n])
	}
	return out
}
