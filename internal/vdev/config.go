package vdev

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the self-describing configuration document of a vdev subtree.
// It is embedded in every label and is the input to Alloc.
type Config struct {
	Type          string    `yaml:"type"`
	ID            uint64    `yaml:"id"`
	Guid          uint64    `yaml:"guid,omitempty"`
	GuidSum       uint64    `yaml:"guid_sum,omitempty"`
	Path          string    `yaml:"path,omitempty"`
	DevID         string    `yaml:"devid,omitempty"`
	WholeDisk     bool      `yaml:"whole_disk,omitempty"`
	Ashift        uint64    `yaml:"ashift,omitempty"`
	Asize         uint64    `yaml:"asize,omitempty"`
	MetaslabArray uint64    `yaml:"metaslab_array,omitempty"`
	MetaslabShift uint64    `yaml:"metaslab_shift,omitempty"`
	Offline       bool      `yaml:"offline,omitempty"`
	DTL           []Range   `yaml:"dtl,omitempty"`
	Children      []*Config `yaml:"children,omitempty"`
}

// ParseConfig decodes a YAML configuration document.
func ParseConfig(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: parse vdev config: %v", ErrCorrupt, err)
	}
	return &c, nil
}

// LoadConfigFile reads a configuration document from path.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read vdev config %s: %w", path, err)
	}
	return ParseConfig(data)
}

// Marshal encodes the document as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Config generates the configuration document of the subtree rooted at vd.
// Holes left by removed children are skipped.
func (vd *Vdev) Config() *Config {
	c := &Config{
		Type:    vd.Kind.String(),
		ID:      vd.ID,
		Guid:    vd.Guid,
		Path:    vd.Path,
		DevID:   vd.DevID,
		Ashift:  vd.Ashift,
		Offline: vd.IsOffline(),
	}
	if !vd.IsLeaf() {
		c.GuidSum = vd.GuidSum
	}
	c.WholeDisk = vd.WholeDisk
	if !vd.IsRoot() {
		c.Asize = vd.Asize
	}
	if vd.IsTop() {
		c.MetaslabArray = vd.MetaslabArray
		c.MetaslabShift = vd.MetaslabShift
	}
	if vd.IsLeaf() {
		c.DTL = vd.SyncedDTL()
	}
	for _, child := range vd.Children() {
		c.Children = append(c.Children, child.Config())
	}
	return c
}
