package wrap

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/verdantlabs/green/internal/config"
	"github.com/verdantlabs/green/internal/image"
	"github.com/verdantlabs/green/internal/md"
)

// The shell step rewriting a build script's main before compilation.
//
// The script's fn main becomes fn actual_{mdid}_main and a new main is
// appended: it re-invokes this binary (inheriting stdio) unless the
// reentry guard is set, in which case it calls the renamed function.
// The rewrite happens inside the rustc stage, never to the on-disk
// source.
func rewriteMain(id image.MdID, input string) string {
	return fmt.Sprintf(`    { \
        cat %[1]s | sed -E 's/^(pub[()a-z]* +)?(async +)?fn +main/\1\2fn actual_%[2]s_main/' >/_ && mv /_ %[1]s ; \
        { \
          echo ; \
          echo 'fn main() {' ; \
          echo '    use std::env::{args_os, var_os};' ; \
          echo '    if var_os("%[3]s").is_none() {' ; \
          echo '        use std::process::{Command, Stdio};' ; \
          echo '        let mut cmd = Command::new("green");' ; \
          echo '        cmd.stdin(Stdio::inherit()).stdout(Stdio::inherit()).stderr(Stdio::inherit());' ; \
          echo '        cmd.env("%[3]s", args_os().next().expect("green: getting buildrs arg0"));' ; \
          echo '        let res = cmd.spawn().expect("green: spawning buildrs").wait().expect("green: running buildrs");' ; \
          echo '        assert!(res.success());' ; \
          echo '    } else {' ; \
          echo '        actual_%[2]s_main();' ; \
          echo '    }' ; \
          echo '}' ; \
        } >>%[1]s ; \
    } && \
`, input, id, config.EnvExecuteBuildrs)
}

// Executes a compiled build script as a container stage.
//
// The exe path carries the compile-time metadata id; $OUT_DIR carries
// the execution-time one. The run stage mounts the script binary from
// the compile-time output stage plus the source mounts recorded when
// the script was compiled, and runs it with the reentry guard set.
// Outputs under $OUT_DIR are copied out wholesale. A failed container
// build falls back to executing the binary natively.
func ExecBuildScript(ctx context.Context, g *config.Green, exe string, fallback func(context.Context) (int, error)) (int, error) {
	outDir := os.Getenv("OUT_DIR")
	if outDir == "" {
		return 1, fmt.Errorf("%w: executing %s: $OUT_DIR is not set", ErrWrap, exe)
	}

	prevID, targetPath, err := buildScriptExe(exe)
	if err != nil {
		return 1, err
	}
	id, err := outDirMdID(outDir)
	if err != nil {
		return 1, err
	}

	krateName := os.Getenv("CARGO_PKG_NAME")
	krateVersion := os.Getenv("CARGO_PKG_VERSION")
	crateID := fmt.Sprintf("z-%s-%s-%s", krateName, krateVersion, id)

	slog.Info("executing build script in container", "exe", exe, "mdid", id, "compiled_as", prevID)

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return 1, fmt.Errorf("%w: creating %s: %v", ErrWrap, outDir, err)
	}

	m := md.New(id)
	m.PushStage(image.BaseStage, g.FinalBlock)

	prevPath := md.Path(targetPath, "build_script_build", prevID)
	prev, err := md.Read(prevPath)
	if err != nil {
		if isSidecarMissing(err) {
			// Some crates name their script build/main.rs.
			alt := md.Path(targetPath, "build_script_main", prevID)
			if prevAlt, altErr := md.Read(alt); altErr == nil {
				prev, prevPath, err = prevAlt, alt, nil
			}
		}
		if err != nil {
			if isSidecarMissing(err) {
				err = suggestCleanTarget(err)
			}
			return 1, err
		}
	}

	compileStage, ok := prev.RustcStage()
	if !ok {
		return 1, fmt.Errorf("%w: no rustc stage recorded in %s", ErrWrap, prevPath)
	}

	runStage := image.RunStage(crateID)
	outStage := image.OutputStage(id)
	prevOutStage := image.OutputStage(prevID)

	// The exe artifact name inside the compile-time output stage:
	// cargo hardlinks build-script-build from build_script_build-{mdid}.
	exeName := strings.Replace(filepath.Base(exe), "-", "_", 2)

	var b strings.Builder
	fmt.Fprintf(&b, "FROM %s AS %s\n", image.BaseStage, runStage)
	b.WriteString(runShell)
	fmt.Fprintf(&b, "WORKDIR %s\n", outDir)
	b.WriteString("RUN \\\n")
	b.WriteString(mount{From: prevOutStage, Source: "/" + exeName + "-" + string(prevID), Dst: exe}.render())
	for _, mt := range sourceMounts(compileStage.Script) {
		b.WriteString(mt)
	}

	m.Contexts = append(m.Contexts, prev.Contexts...)

	call := fmt.Sprintf("%s= %s", config.EnvExecuteBuildrs, exe)
	writeRunBlock(&b, g, outStage, outDir, call, true, id)
	m.PushStage(runStage, b.String())
	m.PushStage(outStage, outBlock(outStage, runStage, outDir, id, true))

	// The script's dependencies are the compile-time sidecar and its
	// whole closure.
	sidecars := []md.Sidecar{{Path: prevPath, Md: prev}}
	for _, depID := range prev.Deps {
		depPath, sc, err := readByID(targetPath, depID)
		if err != nil {
			return 1, err
		}
		sidecars = append(sidecars, md.Sidecar{Path: depPath, Md: sc})
	}
	orderedPaths, err := m.ExtendFromExterns(sidecars)
	if err != nil {
		return 1, err
	}

	mdPath := md.Path(targetPath, "run_script", id)
	if err := m.Write(mdPath); err != nil {
		return 1, err
	}

	containerfile, err := assembleDockerfile(g, targetPath, "run_script", id, m, orderedPaths)
	if err != nil {
		return 1, err
	}

	return runBuild(ctx, g, m, mdPath, containerfile, outStage, image.IncrementalStage(id), outDir, "", fallback)
}

// Recovers the compile-time metadata id and the target path from a
// build-script executable path:
// {target_path}/build/{name}-{mdid}/build-script-build.
func buildScriptExe(exe string) (image.MdID, string, error) {
	dir := filepath.Dir(exe)
	i := strings.LastIndexByte(filepath.Base(dir), '-')
	if i < 0 {
		return "", "", fmt.Errorf("%w: malformed build script exe %q", ErrWrap, exe)
	}
	id, err := image.ParseMdID(filepath.Base(dir)[i+1:])
	if err != nil {
		return "", "", fmt.Errorf("%w: malformed build script exe %q: %v", ErrWrap, exe, err)
	}
	return id, filepath.Dir(filepath.Dir(dir)), nil
}

// Recovers the execution-time metadata id from
// $OUT_DIR=.../build/{name}-{mdid}/out.
func outDirMdID(outDir string) (image.MdID, error) {
	parent := filepath.Base(filepath.Dir(outDir))
	i := strings.LastIndexByte(parent, '-')
	if i < 0 {
		return "", fmt.Errorf("%w: surprising $OUT_DIR %q", ErrWrap, outDir)
	}
	id, err := image.ParseMdID(parent[i+1:])
	if err != nil {
		return "", fmt.Errorf("%w: surprising $OUT_DIR %q: %v", ErrWrap, outDir, err)
	}
	return id, nil
}

// Extracts the source mounts of a recorded rustc stage script.
//
// The run stage replays the mounts the script was compiled with, except
// the extern artifacts (out-* stages): the script binary already links
// everything it needs.
func sourceMounts(script string) []string {
	var mounts []string
	for _, line := range strings.Split(script, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "--mount=from=") {
			continue
		}
		if strings.HasPrefix(trimmed, "--mount=from=out-") {
			continue
		}
		mounts = append(mounts, "  "+strings.TrimSuffix(trimmed, " \\")+" \\\n")
	}
	return mounts
}

// Reads a dependency sidecar by metadata id.
//
// Sidecar files embed the crate name, so the id alone cannot name the
// file; the target directory is scanned for the -{id}.toml suffix.
func readByID(targetPath string, id image.MdID) (string, *md.Md, error) {
	entries, err := os.ReadDir(targetPath)
	if err != nil {
		return "", nil, fmt.Errorf("%w: reading %s: %v", ErrWrap, targetPath, err)
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, "-"+string(id)+".toml") {
			continue
		}
		path := filepath.Join(targetPath, name)
		sc, err := md.Read(path)
		if err != nil {
			return "", nil, err
		}
		if sc.This == id {
			return path, sc, nil
		}
	}
	return "", nil, suggestCleanTarget(fmt.Errorf("%w: no sidecar for %s under %s", md.ErrSidecarMissing, id, targetPath))
}
