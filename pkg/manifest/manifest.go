// Package manifest defines the desired-component-set document: the TOML document an owner signs, and the signed envelope
// wrapping it.
package manifest

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// Visibility controls whether a component's declared ports are exposed
// beyond the local host.
type Visibility string

const (
	VisibilityLocal  Visibility = "local"
	VisibilityPublic Visibility = "public"
)

// Mount is a filesystem mount exposed to a component's WASI preopens.
type Mount struct {
	Host     string `toml:"host" json:"host"`
	Guest    string `toml:"guest" json:"guest"`
	ReadOnly bool   `toml:"read_only,omitempty" json:"read_only,omitempty"`
}

// ComponentSpec is one [components.<name>] table in the manifest
// document.
type ComponentSpec struct {
	Source      string     `toml:"source"`
	SHA256Hex   string     `toml:"sha256_hex"`
	MemoryMaxMB int        `toml:"memory_max_mb,omitempty"`
	FuelUnits   uint64     `toml:"fuel,omitempty"`
	EpochMS     int        `toml:"epoch_ms,omitempty"`
	Replicas    int        `toml:"replicas,omitempty"`
	Mounts      []Mount    `toml:"mounts,omitempty"`
	Ports       []int      `toml:"ports,omitempty"`
	Visibility  Visibility `toml:"visibility,omitempty"`
}

// ReplicasOrDefault returns the requested replica count, defaulting to
// and floored at 1.
func (c ComponentSpec) ReplicasOrDefault() int {
	if c.Replicas < 1 {
		return 1
	}
	return c.Replicas
}

// Document is the parsed [components.*] TOML manifest.
type Document struct {
	Components map[string]ComponentSpec `toml:"components"`
}

// ParseDocument parses a manifest TOML document.
func ParseDocument(raw string) (Document, error) {
	var doc Document
	if _, err := toml.Decode(raw, &doc); err != nil {
		return Document{}, fmt.Errorf("manifest: decode: %w", err)
	}
	return doc, nil
}

// Encode serializes doc back to a TOML document, used when persisting
// a manifest built programmatically (e.g. from a PushComponent) rather
// than received as raw TOML.
func Encode(doc Document) (string, error) {
	var sb strings.Builder
	enc := toml.NewEncoder(&sb)
	if err := enc.Encode(doc); err != nil {
		return "", fmt.Errorf("manifest: encode: %w", err)
	}
	return sb.String(), nil
}
