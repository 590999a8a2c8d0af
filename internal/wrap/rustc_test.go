package wrap

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/verdantlabs/green/internal/base"
	"github.com/verdantlabs/green/internal/config"
	"github.com/verdantlabs/green/internal/image"
	"github.com/verdantlabs/green/internal/md"
)

const (
	idA = image.MdID("aaaaaaaaaaaaaaaa")
	idB = image.MdID("bbbbbbbbbbbbbbbb")
	idC = image.MdID("cccccccccccccccc")
)

// Writes a dependency sidecar as a previous wrapper invocation would
// have.
func writeDepSidecar(t *testing.T, targetPath, name string, id image.MdID, deps []image.MdID, shorts []string) {
	t.Helper()
	m := md.New(id)
	m.Deps = deps
	m.ShortExterns = shorts
	m.PushStage(image.BaseStage, "FROM --platform=$BUILDPLATFORM docker.io/library/rust:1-slim AS rust-base")
	m.PushStage(image.DepStage("l-"+name+"-1.0.0-"+string(id)),
		"FROM rust-base AS dep-l-"+name+"-1.0.0-"+string(id)+"\nRUN true")
	m.PushStage(image.OutputStage(id),
		"FROM scratch AS out-"+string(id)+"\nCOPY --link --from=dep-l-"+name+"-1.0.0-"+string(id)+" /x /")
	if err := m.Write(md.Path(targetPath, name, id)); err != nil {
		t.Fatal(err)
	}
}

func TestRustcAssemblesTopologically(t *testing.T) {
	root := t.TempDir()
	cargoHome := filepath.Join(root, "cargo-home")
	targetPath := filepath.Join(root, "target", "debug")
	outDir := filepath.Join(targetPath, "deps")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		t.Fatal(err)
	}

	// A depends on B and C; B depends on C.
	writeDepSidecar(t, targetPath, "cee", idC, nil, nil)
	writeDepSidecar(t, targetPath, "bee", idB, []image.MdID{idC}, []string{"cee-" + string(idC)})

	input := filepath.Join(cargoHome, "registry/src/index.crates.io-6f17d22bba15001f/acrate-1.0.0/src/lib.rs")

	t.Setenv("CARGO_HOME", cargoHome)
	t.Setenv("CARGO_PKG_NAME", "acrate")
	t.Setenv("CARGO_PKG_VERSION", "1.0.0")
	t.Setenv("OUT_DIR", "")
	os.Unsetenv("OUT_DIR")

	g := &config.Green{
		Runner: config.RunnerNone,
		Syntax: mustURI(t, config.DefaultSyntax),
		Image:  base.FromImage(mustURI(t, "docker-image://docker.io/library/rust:1-slim")),
	}
	g.RenderFinalBlock()

	argv := []string{
		"green", "/usr/bin/rustc",
		"--crate-name", "acrate",
		input,
		"--crate-type", "lib",
		"--emit=dep-info,metadata,link",
		"-C", "metadata=" + string(idA),
		"--out-dir", outDir,
		"--extern", "bee=" + filepath.Join(outDir, "libbee-"+string(idB)+".rmeta"),
		"--extern", "cee=" + filepath.Join(outDir, "libcee-"+string(idC)+".rmeta"),
	}

	fellBack := false
	code, err := Rustc(context.Background(), g, "acrate", argv, func(context.Context) (int, error) {
		fellBack = true
		return 0, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if code != 0 {
		t.Fatalf("code = %d", code)
	}
	if !fellBack {
		t.Fatal("runner none did not fall back")
	}

	// The sidecar records the direct deps and the transitive shorts.
	m, err := md.Read(md.Path(targetPath, "acrate", idA))
	if err != nil {
		t.Fatalf("reading sidecar: %v", err)
	}
	wantDeps := map[image.MdID]bool{idB: true, idC: true}
	if len(m.Deps) != 2 || !wantDeps[m.Deps[0]] || !wantDeps[m.Deps[1]] {
		t.Errorf("Deps = %v", m.Deps)
	}

	// The Dockerfile orders C before B before A.
	raw, err := os.ReadFile(filepath.Join(targetPath, "acrate-"+string(idA)+".Dockerfile"))
	if err != nil {
		t.Fatalf("reading Dockerfile: %v", err)
	}
	text := string(raw)

	if !strings.HasPrefix(text, "# syntax=docker.io/docker/dockerfile:1\n") {
		t.Errorf("syntax header missing:\n%.120s", text)
	}
	posC := strings.Index(text, "FROM scratch AS out-"+string(idC))
	posB := strings.Index(text, "FROM scratch AS out-"+string(idB))
	posA := strings.Index(text, "AS dep-l-acrate-1.0.0-"+string(idA))
	if posC < 0 || posB < 0 || posA < 0 {
		t.Fatalf("stages missing (C=%d B=%d A=%d):\n%s", posC, posB, posA, text)
	}
	if !(posC < posB && posB < posA) {
		t.Errorf("stage order wrong (C=%d B=%d A=%d)", posC, posB, posA)
	}

	// A's rustc stage mounts both externs from their output stages.
	for _, want := range []string{
		"--mount=from=out-" + string(idB) + ",source=/libbee-" + string(idB) + ".rmeta",
		"--mount=from=out-" + string(idC) + ",source=/libcee-" + string(idC) + ".rmeta",
		"CARGOGREEN=1",
		"1>          " + outDir + "/out-" + string(idA) + "-stdout",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("Dockerfile lacks %q", want)
		}
	}

	// The base stage appears exactly once outside the ## comments.
	baseStages := 0
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(line, "## ") {
			continue
		}
		if strings.Contains(line, "AS rust-base") {
			baseStages++
		}
	}
	if baseStages != 1 {
		t.Errorf("rust-base emitted %d times, want 1", baseStages)
	}
}
