// Package manifest defines the declarative configuration of a single
// index and its text (de)serialization.
package manifest

import (
	"fmt"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// UID is the globally unique "namespace.identifier" name of an index.
type UID struct {
	Namespace  string `yaml:"namespace"`
	Identifier string `yaml:"identifier"`
}

func (u UID) String() string {
	return fmt.Sprintf("%s.%s", u.Namespace, u.Identifier)
}

// ModuleKind distinguishes a sandboxed WASM module from a native,
// in-process handler. A manifest with ModuleKind == Native carries no
// module bytes; the handler is located by name in the process registry
// (see internal/executor.LookupNativeHandler).
type ModuleKind string

const (
	ModuleSandboxed ModuleKind = "sandboxed"
	ModuleNative    ModuleKind = "native"
)

// Manifest is the immutable, per-index configuration record described in
// spec.md §3 and §6. Field order here matches the YAML rendering order;
// it carries no significance for equality.
type Manifest struct {
	Namespace  string `yaml:"namespace"`
	Identifier string `yaml:"identifier"`

	// GraphQLSchema is either a filesystem path or an inline schema
	// string. This package stores it as given and does not resolve it.
	GraphQLSchema string `yaml:"graphql_schema"`

	// ModuleKind selects Sandboxed or Native. ModulePath is a filesystem
	// path to the WASM bytecode when Sandboxed, or the native handler's
	// registered name when Native.
	ModuleKind ModuleKind `yaml:"module_kind"`
	ModulePath string     `yaml:"module"`

	// StartBlock is the first block height to process when the index
	// has no prior committed state. Defaults to 1.
	StartBlock uint64 `yaml:"start_block,omitempty"`

	// Resumable requests that the initial cursor be the last committed
	// block height + 1, rather than StartBlock.
	Resumable bool `yaml:"resumable,omitempty"`

	// StopIdleIndexers requests that the executor terminate itself after
	// IdleTimeout of consecutive empty block batches, rather than
	// running forever waiting for new blocks. The idle stop applies only
	// when executor.Config.IdleTimeout is positive; the Supervisor builds
	// executors without an IdleTimeout, so indexes it spawns keep running.
	StopIdleIndexers bool `yaml:"stop_idle_indexers,omitempty"`

	// FailFast overrides the default skip-and-advance policy for guest
	// faults: when set, a guest fault transitions the executor straight
	// to Terminal instead of reverting and advancing past the block.
	// See SPEC_FULL.md §9, open question 1.
	FailFast bool `yaml:"fail_fast,omitempty"`
}

// UID returns the index's globally unique identity.
func (m Manifest) UID() UID {
	return UID{Namespace: m.Namespace, Identifier: m.Identifier}
}

// Validate checks the required fields are present. Configuration errors
// are fatal at register time and never spawn an executor (spec.md §7).
func (m Manifest) Validate() error {
	if m.Namespace == "" {
		return errors.New("manifest: namespace is required")
	}
	if m.Identifier == "" {
		return errors.New("manifest: identifier is required")
	}
	if m.GraphQLSchema == "" {
		return errors.New("manifest: graphql_schema is required")
	}
	switch m.ModuleKind {
	case ModuleSandboxed, ModuleNative:
	case "":
		return errors.New("manifest: module_kind is required (sandboxed or native)")
	default:
		return errors.Errorf("manifest: unknown module_kind %q", m.ModuleKind)
	}
	if m.ModulePath == "" {
		return errors.New("manifest: module is required")
	}
	return nil
}

// EffectiveStartBlock returns the manifest's configured starting block,
// defaulting to 1 when unset.
func (m Manifest) EffectiveStartBlock() uint64 {
	if m.StartBlock == 0 {
		return 1
	}
	return m.StartBlock
}

// Marshal serializes the manifest to its stable text representation.
func Marshal(m Manifest) ([]byte, error) {
	out, err := yaml.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "manifest: marshal")
	}
	return out, nil
}

// Parse parses a manifest from its text representation and validates it.
func Parse(data []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, errors.Wrap(err, "manifest: parse")
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}
