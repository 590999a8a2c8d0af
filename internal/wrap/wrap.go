package wrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/verdantlabs/green/internal/config"
	"github.com/verdantlabs/green/internal/image"
	"github.com/verdantlabs/green/internal/md"
	"github.com/verdantlabs/green/internal/parse"
	"github.com/verdantlabs/green/internal/runner"
)

// Crate names cargo uses for compiled build scripts.
var buildScriptCrateNames = map[string]bool{
	"build_script_build": true,
	"build_script_main":  true,
}

// Shell every synthesized RUN uses: POSIX, strict mode.
const runShell = `SHELL ["/bin/sh", "-eux", "-c"]` + "\n"

// Translates one rustc call into a container build and runs it.
//
// Returns the exit code cargo should see. Translation errors surface as
// errors; a RunnerIO failure triggers the fallback (native rustc with
// the original argv) unless file logging is enabled.
func Rustc(ctx context.Context, g *config.Green, crateName string, argv []string, fallback func(context.Context) (int, error)) (int, error) {
	pwd, err := os.Getwd()
	if err != nil {
		return 1, fmt.Errorf("%w: getting pwd: %v", ErrWrap, err)
	}

	st, args, err := parse.Parse(pwd, argv, os.Getenv("OUT_DIR"))
	if err != nil {
		return 1, err
	}
	slog.Info("parsed rustc call", "crate", crateName, "mdid", st.MdID, "crate_type", st.CrateType, "input", st.Input)

	buildrs := buildScriptCrateNames[crateName]
	if buildrs && st.CrateType != "bin" {
		return 1, fmt.Errorf("%w: build script compiled as crate type %q", ErrWrap, st.CrateType)
	}

	incremental := st.Incremental
	if !g.Incremental {
		incremental = ""
	}

	krateName := os.Getenv("CARGO_PKG_NAME")
	krateVersion := os.Getenv("CARGO_PKG_VERSION")
	crateID := fmt.Sprintf("%s-%s-%s-%s", kindLetter(st.CrateType, buildrs), krateName, krateVersion, st.MdID)
	rustcStage := image.DepStage(crateID)
	outStage := image.OutputStage(st.MdID)
	incStage := image.IncrementalStage(st.MdID)

	m := md.New(st.MdID)
	m.PushStage(image.BaseStage, g.FinalBlock)
	m.IsProcMacro = st.CrateType == "proc-macro"

	if err := os.MkdirAll(st.OutDir, 0o755); err != nil {
		return 1, fmt.Errorf("%w: creating %s: %v", ErrWrap, st.OutDir, err)
	}
	if incremental != "" {
		if err := os.MkdirAll(incremental, 0o755); err != nil {
			return 1, fmt.Errorf("%w: creating %s: %v", ErrWrap, incremental, err)
		}
	}

	cargoHome := cargoHomeDir()

	code, err := codeSourceFor(pwd, cargoHome, st.Input, st.MdID)
	if err != nil {
		return 1, err
	}
	if code.Block != "" {
		m.PushStage(code.Stage, code.Block)
	}
	if code.Context != nil {
		m.Contexts = append(m.Contexts, *code.Context)
	}

	crateOut := crateOutContext(m)

	allExterns, externSidecars, err := externClosure(&st, st.TargetPath)
	if err != nil {
		return 1, err
	}
	m.ShortExterns = shortExterns(allExterns)

	orderedPaths, err := m.ExtendFromExterns(externSidecars)
	if err != nil {
		return 1, err
	}

	// The rustc stage.
	var b strings.Builder
	fmt.Fprintf(&b, "FROM %s AS %s\n", image.BaseStage, rustcStage)
	b.WriteString(runShell)
	fmt.Fprintf(&b, "WORKDIR %s\n", st.OutDir)
	if !strings.HasPrefix(pwd, filepath.Join(cargoHome, "registry/src")+"/") {
		fmt.Fprintf(&b, "WORKDIR %s\n", pwd)
	}
	if incremental != "" {
		fmt.Fprintf(&b, "WORKDIR %s\n", incremental)
	}
	b.WriteString("RUN \\\n")
	b.WriteString(code.Mount.render())
	if crateOut != nil {
		b.WriteString(mount{From: crateOut.Name, Dst: crateOut.URI}.render())
	}
	for _, x := range allExterns {
		_, from, err := md.ExternSidecar(x, st.TargetPath)
		if err != nil {
			return 1, err
		}
		b.WriteString(mount{
			From:   from,
			Source: "/" + x,
			Dst:    filepath.Join(st.TargetPath, "deps", x),
		}.render())
	}

	input := rewriteCratesioIndex(st.Input)
	if buildrs {
		b.WriteString(rewriteMain(st.MdID, input))
	}

	// The first argv pair is the wrapper and the host rustc; neither
	// belongs in the container call.
	if len(args) >= 2 {
		args = args[2:]
	}
	call := "rustc " + joinSafeified(args) + " " + input
	writeRunBlock(&b, g, outStage, st.OutDir, call, buildrs, st.MdID)
	m.PushStage(rustcStage, b.String())

	if incremental != "" {
		block := fmt.Sprintf("FROM scratch AS %s\nCOPY --link --from=%s %s /\n", incStage, rustcStage, incremental)
		m.PushStage(incStage, block)
	}
	m.PushStage(outStage, outBlock(outStage, rustcStage, st.OutDir, st.MdID, false))

	mdPath := md.Path(st.TargetPath, crateName, st.MdID)
	if err := m.Write(mdPath); err != nil {
		return 1, err
	}

	containerfile, err := assembleDockerfile(g, st.TargetPath, crateName, st.MdID, m, orderedPaths)
	if err != nil {
		return 1, err
	}

	return runBuild(ctx, g, m, mdPath, containerfile, outStage, incStage, st.OutDir, incremental, fallback)
}

// Runs the synthesized plan, harvests effects, updates the sidecar, and
// maps failures onto cargo-visible exit codes.
func runBuild(ctx context.Context, g *config.Green, m *md.Md, mdPath, containerfile string, outStage, incStage image.Stage, outDir, incremental string, fallback func(context.Context) (int, error)) (int, error) {
	if g.Runner == config.RunnerNone {
		slog.Info("runner disabled, falling back")
		return fallback(ctx)
	}

	call, envs, effects, buildErr := runner.BuildOut(ctx, g, containerfile, outStage, m.Contexts, outDir)

	if effects != nil {
		replayEffects(effects)

		m.Writes = normalizeWrites(effects.Written, outDir)
		m.Stdout = effects.Stdout
		m.Stderr = effects.Stderr
		if err := m.Write(mdPath); err != nil {
			slog.Warn("failed re-writing sidecar", "path", mdPath, "error", err)
		}

		maybeWriteFinalPath(g, containerfile, call, envs)
	}

	if buildErr != nil {
		if effects != nil && effects.ExitCode != 0 {
			// rustc itself failed; its exit code is the verdict.
			return effects.ExitCode, nil
		}
		if !g.FileLogging() && errors.Is(buildErr, runner.ErrRunnerIO) {
			slog.Warn("falling back to native rustc", "error", buildErr)
			code, err := fallback(ctx)
			if err == nil && code == 0 {
				fmt.Fprintln(os.Stderr, "BUG: this build should not have needed the native fallback:", buildErr)
			}
			return code, err
		}
		return 1, buildErr
	}

	if incremental != "" {
		if _, _, _, err := runner.BuildOut(ctx, g, containerfile, incStage, m.Contexts, incremental); err != nil {
			slog.Warn("error fetching incremental data", "error", err)
		}
	}

	return 0, nil
}

// Replays the harvested compiler streams to cargo.
func replayEffects(effects *runner.Effects) {
	for _, line := range effects.Stdout {
		fmt.Fprintln(os.Stdout, line)
	}
	for _, line := range effects.Stderr {
		fmt.Fprintln(os.Stderr, line)
	}
}

// The single-letter stage kind for a crate type.
func kindLetter(crateType string, buildrs bool) string {
	if buildrs {
		return "x"
	}
	if crateType == "" {
		return "z"
	}
	return strings.ToLower(crateType[:1])
}

// The artifact extension of the externs this crate links against,
// derived from its own crate type and emit set.
func extFor(crateType, emit string) (string, error) {
	var ext string
	switch crateType {
	case "lib":
		ext = "rmeta"
	case "bin", "rlib", "test", "proc-macro":
		ext = "rlib"
	default:
		return "", fmt.Errorf("%w: no artifact extension for crate type %q", ErrWrap, crateType)
	}
	if strings.Contains(emit, "metadata") {
		ext = "rmeta"
	}
	return ext, nil
}

// Resolves the full transitive extern set.
//
// Direct externs come from argv; each one's sidecar lists its own
// transitive closure as bare names, resolved to file names using the
// producer's proc-macro flag. Returns the sorted extern file names and
// the sidecars of all of them, ready for the topological sort.
func externClosure(st *parse.Args, targetPath string) ([]string, []md.Sidecar, error) {
	if len(st.Externs) == 0 {
		return nil, nil, nil
	}

	ext, err := extFor(st.CrateType, st.Emit)
	if err != nil {
		return nil, nil, err
	}

	all := map[string]bool{}
	var sidecars []md.Sidecar
	seen := map[string]bool{}

	read := func(xtern string) (*md.Md, error) {
		path, _, err := md.ExternSidecar(xtern, targetPath)
		if err != nil {
			return nil, err
		}
		sc, err := md.Read(path)
		if err != nil {
			if isSidecarMissing(err) {
				return nil, suggestCleanTarget(err)
			}
			return nil, err
		}
		if !seen[path] {
			seen[path] = true
			sidecars = append(sidecars, md.Sidecar{Path: path, Md: sc})
		}
		return sc, nil
	}

	for _, xtern := range st.Externs {
		if err := validExtern(xtern); err != nil {
			return nil, nil, err
		}
		all[xtern] = true
		sc, err := read(xtern)
		if err != nil {
			return nil, nil, err
		}

		for _, short := range sc.ShortExterns {
			transitive := "lib" + short + "." + ext
			tsc, err := read(transitive)
			if err != nil {
				return nil, nil, err
			}
			if tsc.IsProcMacro {
				transitive = "lib" + short + ".so"
			}
			all[transitive] = true
		}
	}

	externs := make([]string, 0, len(all))
	for x := range all {
		externs = append(externs, x)
	}
	sort.Strings(externs)
	return externs, sidecars, nil
}

// Checks the shape cargo guarantees for extern artifacts.
func validExtern(xtern string) error {
	if !strings.HasPrefix(xtern, "lib") {
		return fmt.Errorf("%w: extern %q does not start with lib", ErrWrap, xtern)
	}
	switch filepath.Ext(xtern) {
	case ".rlib", ".rmeta", ".so":
		return nil
	}
	return fmt.Errorf("%w: unexpected extern %q", ErrWrap, xtern)
}

// The bare names (crate-mdid) of the extern file set.
func shortExterns(externs []string) []string {
	shorts := make([]string, 0, len(externs))
	for _, x := range externs {
		s := strings.TrimPrefix(x, "lib")
		if i := strings.IndexByte(s, '.'); i >= 0 {
			s = s[:i]
		}
		shorts = append(shorts, s)
	}
	sort.Strings(shorts)
	return shorts
}

// Forwards a previous build-script run's OUT_DIR as a build context.
//
// Cargo points $OUT_DIR at .../build/{crate}-{mdid}/out while compiling
// the crate itself; a non-empty directory means the build script emitted
// files the compilation reads back.
func crateOutContext(m *md.Md) *md.BuildContext {
	crateOut := os.Getenv("OUT_DIR")
	if crateOut == "" || !strings.HasSuffix(crateOut, "/out") {
		return nil
	}
	entries, err := os.ReadDir(crateOut)
	if err != nil || len(entries) == 0 {
		return nil
	}

	parent := filepath.Dir(crateOut)
	i := strings.LastIndexByte(filepath.Base(parent), '-')
	if i < 0 {
		return nil
	}
	id, err := image.ParseMdID(filepath.Base(parent)[i+1:])
	if err != nil {
		return nil
	}

	// Keeps the runner from walking the whole build dir.
	_ = os.WriteFile(filepath.Join(parent, ".dockerignore"), nil, 0o644)

	bc := md.BuildContext{Name: image.CrateOutStage(id), URI: crateOut}
	m.Contexts = append(m.Contexts, bc)
	return &bc
}

// Writes the env assignments, the rustc call, its stream redirections,
// and the mtime normalization tail.
func writeRunBlock(b *strings.Builder, g *config.Green, outStage image.Stage, outDir, call string, buildrs bool, id image.MdID) {
	fmt.Fprintf(b, "    env CARGO=\"$(which cargo)\" \\\n")

	set := map[string]bool{"CARGO": true}
	for _, kv := range sortedEnviron() {
		name, val, _ := strings.Cut(kv, "=")
		forwarded, ok := forwardEnv(name, val, buildrs)
		if !ok || set[name] {
			continue
		}
		set[name] = true
		fmt.Fprintf(b, "        %s=%s \\\n", name, safeify(forwarded))
	}
	fmt.Fprintf(b, "        %s=1 \\\n", config.EnvSentinel)

	for _, name := range g.SetEnvs {
		if set[name] {
			continue
		}
		if val, ok := os.LookupEnv(name); ok {
			slog.Warn("passing env through", "var", name)
			set[name] = true
			fmt.Fprintf(b, "        %s=%s \\\n", name, safeify(val))
		}
	}

	fmt.Fprintf(b, "      %s \\\n", call)
	fmt.Fprintf(b, "        1>          %s/%s-%s \\\n", outDir, outStage, runner.SuffixStdout)
	fmt.Fprintf(b, "        2>          %s/%s-%s \\\n", outDir, outStage, runner.SuffixStderr)
	fmt.Fprintf(b, "        || echo $? >%s/%s-%s\\\n", outDir, outStage, runner.SuffixErrcode)

	pattern := "*-" + string(id) + "*"
	if buildrs {
		pattern = "*"
	}
	fmt.Fprintf(b, "  ; find %s/%s -print0 | xargs -0 touch --no-dereference --date=@${SOURCE_DATE_EPOCH:-0}\n", outDir, pattern)
}

// The scratch stage collecting what the rustc stage wrote.
func outBlock(stage, prev image.Stage, outDir string, id image.MdID, wholesale bool) string {
	if wholesale {
		return fmt.Sprintf("FROM scratch AS %s\nCOPY --link --from=%s %s /\n", stage, prev, outDir)
	}
	return fmt.Sprintf("FROM scratch AS %s\nCOPY --link --from=%s %s/*-%s* /\n", stage, prev, outDir, id)
}

// Writes the final Dockerfile: syntax header, root stage, dependency
// blocks in topological order, then this crate's own blocks, each
// followed by its sidecar as ## comments.
func assembleDockerfile(g *config.Green, targetPath, crateName string, id image.MdID, m *md.Md, orderedPaths []string) (string, error) {
	var out strings.Builder
	fmt.Fprintf(&out, "# syntax=%s\n", g.Syntax.NoScheme())

	root, err := m.RustStage()
	if err != nil {
		return "", err
	}
	out.WriteString(root)
	out.WriteByte('\n')

	visited := map[image.Stage]bool{}
	for _, path := range orderedPaths {
		dep, err := md.Read(path)
		if err != nil {
			if isSidecarMissing(err) {
				err = suggestCleanTarget(err)
			}
			return "", err
		}
		dep.AppendBlocks(&out, visited)
		out.WriteByte('\n')
		if err := dep.AppendComments(&out); err != nil {
			return "", err
		}
		out.WriteByte('\n')
	}
	m.AppendBlocks(&out, visited)
	out.WriteByte('\n')
	if err := m.AppendComments(&out); err != nil {
		return "", err
	}

	path := filepath.Join(targetPath, fmt.Sprintf("%s-%s.Dockerfile", crateName, id))
	if err := os.WriteFile(path, []byte(out.String()), 0o644); err != nil {
		return "", fmt.Errorf("%w: writing %s: %v", ErrWrap, path, err)
	}
	if err := os.WriteFile(path+".dockerignore", []byte("/target\n"), 0o644); err != nil {
		return "", fmt.Errorf("%w: writing %s.dockerignore: %v", ErrWrap, path, err)
	}
	return path, nil
}

// Copies the assembled Dockerfile to the configured final path with a
// commented reproduction command.
//
// Only the primary package gets a trailer; determinism-scrubbed flags
// keep the file byte-stable across runs (see the stripping below).
func maybeWriteFinalPath(g *config.Green, containerfile, call, envs string) {
	if g.FinalPath == "" {
		return
	}
	if _, primary := os.LookupEnv("CARGO_PRIMARY_PACKAGE"); !primary {
		return
	}

	data, err := os.ReadFile(containerfile)
	if err != nil {
		slog.Warn("failed reading containerfile for final path", "error", err)
		return
	}

	var out strings.Builder
	out.Write(data)
	out.WriteString("\n# Pipe this file to:\n")
	fmt.Fprintf(&out, "# %s \\\n", envs)
	fmt.Fprintf(&out, "#   %s\n", scrubReproduction(call))

	if err := os.WriteFile(g.FinalPath, []byte(out.String()), 0o644); err != nil {
		slog.Warn("failed writing final path", "path", g.FinalPath, "error", err)
		return
	}
	slog.Info("wrote final Dockerfile", "path", g.FinalPath)
}

// Drops the run-specific flags from a reproduction command so reruns
// emit identical text.
func scrubReproduction(call string) string {
	var kept []string
	for _, arg := range strings.Fields(call) {
		switch {
		case strings.HasPrefix(arg, "--target="),
			arg == "--platform=local",
			arg == "--pull=false",
			arg == "--network=default",
			strings.HasPrefix(arg, "--output="):
			continue
		}
		kept = append(kept, arg)
	}
	return strings.Join(kept, " ")
}

// Ensures sibling rmeta/rlib artifacts appear together and ordered.
//
// Cargo expects .d, then .rmeta, then .rlib for one crate. When only
// one of the pair was observed but the other exists on disk, the
// missing sibling is added in place.
func normalizeWrites(writes []string, outDir string) []string {
	type group struct {
		d, rmeta, rlib string
		rest           []string
	}
	var order []string
	groups := map[string]*group{}

	stemOf := func(w string) string {
		base := strings.TrimPrefix(filepath.Base(w), "lib")
		return strings.TrimSuffix(base, filepath.Ext(base))
	}

	for _, w := range writes {
		stem := stemOf(w)
		gr, ok := groups[stem]
		if !ok {
			gr = &group{}
			groups[stem] = gr
			order = append(order, stem)
		}
		switch filepath.Ext(w) {
		case ".d":
			gr.d = w
		case ".rmeta":
			gr.rmeta = w
		case ".rlib":
			gr.rlib = w
		default:
			gr.rest = append(gr.rest, w)
		}
	}

	sibling := func(w, fromExt, toExt string) string {
		s := strings.TrimSuffix(w, fromExt) + toExt
		if _, err := os.Stat(s); err == nil {
			return s
		}
		if _, err := os.Stat(filepath.Join(outDir, filepath.Base(s))); err == nil {
			return s
		}
		return ""
	}

	var out []string
	for _, stem := range order {
		gr := groups[stem]
		if gr.rmeta != "" && gr.rlib == "" {
			gr.rlib = sibling(gr.rmeta, ".rmeta", ".rlib")
		}
		if gr.rlib != "" && gr.rmeta == "" {
			gr.rmeta = sibling(gr.rlib, ".rlib", ".rmeta")
		}
		for _, w := range []string{gr.d, gr.rmeta, gr.rlib} {
			if w != "" {
				out = append(out, w)
			}
		}
		out = append(out, gr.rest...)
	}
	return out
}

// Joins already-parsed argv tokens, quoting each for the RUN line.
func joinSafeified(args []string) string {
	quoted := make([]string, 0, len(args))
	for _, a := range args {
		quoted = append(quoted, safeify(a))
	}
	return strings.Join(quoted, " ")
}

// The process environment, sorted by name for deterministic output.
func sortedEnviron() []string {
	env := os.Environ()
	sort.Strings(env)
	return env
}

// Resolves $CARGO_HOME, defaulting to ~/.cargo.
func cargoHomeDir() string {
	if home := os.Getenv("CARGO_HOME"); home != "" {
		return home
	}
	dir, err := os.UserHomeDir()
	if err != nil {
		return "/root/.cargo"
	}
	return filepath.Join(dir, ".cargo")
}

// Wraps a missing-sidecar error with the user-facing remedy.
func suggestCleanTarget(err error) error {
	return fmt.Errorf("%w\nLooks like this wrapper ran on an unkempt project. That's alright!\nRemove the current target directory (note: $CARGO_TARGET_DIR=%s)\nthen run your command again.",
		err, os.Getenv("CARGO_TARGET_DIR"))
}

func isSidecarMissing(err error) bool {
	return errors.Is(err, md.ErrSidecarMissing)
}
