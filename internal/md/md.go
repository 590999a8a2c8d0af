package md

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
	"github.com/pelletier/go-toml"

	"github.com/verdantlabs/green/internal/image"
)

// A local directory handed to the runner as --build-context name=uri.
type BuildContext struct {
	Name image.Stage `toml:"name"`
	URI  string      `toml:"uri"`
}

// One Dockerfile stage this crate contributes: a name and its script.
type NamedStage struct {
	Name   image.Stage `toml:"name"`
	Script string      `toml:"script"`
}

// The per-crate sidecar.
//
// Field order is the serialization order; plain keys must precede the
// contexts and stages table arrays.
type Md struct {
	This         image.MdID     `toml:"this"`
	Deps         []image.MdID   `toml:"deps,omitempty"`
	ShortExterns []string       `toml:"short_externs,omitempty"`
	IsProcMacro  bool           `toml:"is_proc_macro,omitempty"`
	Writes       []string       `toml:"writes,omitempty"`
	Stdout       []string       `toml:"stdout,omitempty"`
	Stderr       []string       `toml:"stderr,omitempty"`
	Contexts     []BuildContext `toml:"contexts,omitempty"`
	Stages       []NamedStage   `toml:"stages"`
}

// Creates an empty sidecar for the given metadata id.
func New(this image.MdID) *Md {
	return &Md{This: this}
}

// The sidecar path for a crate: {targetPath}/{crateName}-{mdid}.toml.
func Path(targetPath, crateName string, id image.MdID) string {
	return filepath.Join(targetPath, fmt.Sprintf("%s-%s.toml", crateName, id))
}

// Derives the sidecar path and producer stage from an extern file name.
//
// libstrsim-8ed1051e7e58e636.rlib under ./t maps to
// ./t/strsim-8ed1051e7e58e636.toml and stage out-8ed1051e7e58e636.
func ExternSidecar(xtern, targetPath string) (path string, stage image.Stage, err error) {
	rest, ok := strings.CutPrefix(xtern, "lib")
	if !ok {
		return "", "", fmt.Errorf("%w: extern %q does not start with lib", ErrSidecarCorrupt, xtern)
	}
	nameAndID, _, ok := strings.Cut(rest, ".")
	if !ok {
		return "", "", fmt.Errorf("%w: extern %q has no extension", ErrSidecarCorrupt, xtern)
	}
	i := strings.LastIndexByte(nameAndID, '-')
	if i < 0 {
		return "", "", fmt.Errorf("%w: extern %q carries no metadata id", ErrSidecarCorrupt, xtern)
	}
	id, err := image.ParseMdID(nameAndID[i+1:])
	if err != nil {
		return "", "", fmt.Errorf("%w: extern %q: %v", ErrSidecarCorrupt, xtern, err)
	}
	return filepath.Join(targetPath, nameAndID+".toml"), image.OutputStage(id), nil
}

// Loads a sidecar, rejecting unknown keys.
//
// A missing file is reported as [ErrSidecarMissing] so the caller can
// suggest cleaning the target directory.
func Read(path string) (*Md, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrSidecarMissing, path)
		}
		return nil, fmt.Errorf("reading sidecar %s: %w", path, err)
	}

	var m Md
	dec := toml.NewDecoder(bytes.NewReader(raw))
	dec.Strict(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSidecarCorrupt, path, err)
	}
	return &m, nil
}

// Serializes the sidecar canonically.
//
// Refuses to encode a sidecar without the root base stage: such a file
// could never reassemble into a buildable Dockerfile.
func (m *Md) Marshal() ([]byte, error) {
	if m.stage(image.BaseStage) == nil {
		return nil, fmt.Errorf("%w %s", ErrMissingRootStage, image.BaseStage)
	}

	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.Order(toml.OrderPreserve)
	enc.ArraysWithOneElementPerLine(true)
	if err := enc.Encode(m); err != nil {
		return nil, fmt.Errorf("serializing sidecar for %s: %w", m.This, err)
	}
	return buf.Bytes(), nil
}

// Writes the sidecar atomically.
func (m *Md) Write(path string) error {
	raw, err := m.Marshal()
	if err != nil {
		return err
	}
	slog.Debug("writing sidecar", "path", path, "bytes", len(raw))
	if err := renameio.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("writing sidecar %s: %w", path, err)
	}
	return nil
}

// Records a stage block; a block already pushed under the same name is
// kept as-is.
func (m *Md) PushStage(name image.Stage, script string) {
	if m.stage(name) != nil {
		return
	}
	m.Stages = append(m.Stages, NamedStage{Name: name, Script: strings.TrimSpace(script)})
}

func (m *Md) stage(name image.Stage) *NamedStage {
	for i := range m.Stages {
		if m.Stages[i].Name == name {
			return &m.Stages[i]
		}
	}
	return nil
}

// The root base stage's script.
func (m *Md) RustStage() (string, error) {
	if s := m.stage(image.BaseStage); s != nil {
		return s.Script, nil
	}
	return "", fmt.Errorf("%w %s", ErrMissingRootStage, image.BaseStage)
}

// The crate's rustc stage, if any.
//
// Build-script execution reuses the source mounts recorded in the stage
// the script was compiled by.
func (m *Md) RustcStage() (NamedStage, bool) {
	for _, s := range m.Stages {
		if strings.HasPrefix(string(s.Name), "dep-") {
			return s, true
		}
	}
	return NamedStage{}, false
}

// The crate's crates.io tarball stage, if any.
func (m *Md) CratesIOStage() (NamedStage, bool) {
	for _, s := range m.Stages {
		if strings.HasPrefix(string(s.Name), "cratesio-") {
			return s, true
		}
	}
	return NamedStage{}, false
}

// Appends every non-root stage script to b.
//
// Crates.io tarball stages are content-addressed and may be contributed
// by several sidecars; visited suppresses the duplicates.
func (m *Md) AppendBlocks(b *strings.Builder, visited map[image.Stage]bool) {
	for _, s := range m.Stages {
		if s.Name == image.BaseStage {
			continue
		}
		if strings.HasPrefix(string(s.Name), "cratesio-") {
			if visited[s.Name] {
				continue
			}
			visited[s.Name] = true
		}
		b.WriteString(s.Script)
		b.WriteByte('\n')
	}
}

// Appends the sidecar's own serialization as ## comment lines.
//
// The runner's stdin feeder drops these, but they keep the emitted
// Dockerfile self-describing.
func (m *Md) AppendComments(b *strings.Builder) error {
	raw, err := m.Marshal()
	if err != nil {
		return err
	}
	for _, line := range strings.Split(strings.TrimRight(string(raw), "\n"), "\n") {
		b.WriteString("## ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return nil
}
