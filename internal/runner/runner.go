package runner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/verdantlabs/green/internal/config"
	"github.com/verdantlabs/green/internal/image"
	"github.com/verdantlabs/green/internal/md"
)

// Markers prefixing rustc's captured stdio inside the runner's log
// stream.
const (
	MarkStdout = "::STDOUT:: "
	MarkStderr = "::STDERR:: "
)

// Suffixes of the three sidecar streams a rustc stage writes next to
// its artifacts.
const (
	SuffixStdout  = "stdout"
	SuffixStderr  = "stderr"
	SuffixErrcode = "errcode"
)

// How long a stdio drain may stay silent after the child exits.
const drainTimeout = 2 * time.Second

// What one build observably did: the files rustc wrote, its replayed
// stdio, and its exit code.
type Effects struct {
	Written  []string
	Stdout   []string
	Stderr   []string
	ExitCode int
}

// Environment variables forwarded to the builder child.
var builderEnvPassthrough = []string{
	"BUILDKIT_HOST",
	"BUILDKIT_PROGRESS",
	"BUILDX_BUILDER",
	"DOCKER_API_VERSION",
	"DOCKER_CERT_PATH",
	"DOCKER_CONFIG",
	"DOCKER_CONTENT_TRUST",
	"DOCKER_CONTENT_TRUST_SERVER",
	"DOCKER_CONTEXT",
	"DOCKER_DEFAULT_PLATFORM",
	"DOCKER_HIDE_LEGACY_COMMANDS",
	"DOCKER_HOST",
	"DOCKER_TLS",
	"DOCKER_TLS_VERIFY",
	"HOME",
	"HTTP_PROXY",
	"HTTPS_PROXY",
	"NO_PROXY",
	"PATH",
	"USER",
	"XDG_RUNTIME_DIR",
}

// Builds the target stage and extracts its outputs into outDir.
//
// Returns the reproduction command line and environment alongside the
// effects, so the caller can emit a self-contained trailer.
func BuildOut(ctx context.Context, g *config.Green, containerfile string, target image.Stage, contexts []md.BuildContext, outDir string) (call, envs string, effects *Effects, err error) {
	return build(ctx, g, containerfile, target, contexts, outDir)
}

// Builds the target stage for cache warmth only; nothing is extracted.
func BuildCacheonly(ctx context.Context, g *config.Green, containerfile string, target image.Stage) error {
	_, _, _, err := build(ctx, g, containerfile, target, nil, "")
	return err
}

func build(ctx context.Context, g *config.Green, containerfile string, target image.Stage, contexts []md.BuildContext, outDir string) (string, string, *Effects, error) {
	args := builderArgs(g, target, contexts, outDir)

	cmd := exec.CommandContext(ctx, string(g.Runner), args...)
	cmd.Env = builderEnv()
	// Bounds how long Wait keeps the pipes open after the child exits;
	// past it the drains are force-closed and the build fails loudly.
	cmd.WaitDelay = drainTimeout

	call := string(g.Runner) + " " + strings.Join(args, " ")
	envs := reproductionEnvs()
	slog.Info("starting builder", "call", call, "containerfile", containerfile)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return call, envs, nil, fmt.Errorf("%w: opening stdin: %v", ErrRunnerIO, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return call, envs, nil, fmt.Errorf("%w: opening stdout: %v", ErrRunnerIO, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return call, envs, nil, fmt.Errorf("%w: opening stderr: %v", ErrRunnerIO, err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return call, envs, nil, fmt.Errorf("%w: starting %s: %v", ErrRunnerIO, g.Runner, err)
	}
	slog.Debug("builder started", "pid", cmd.Process.Pid)

	var acc accumulated
	var firstError string

	var grp errgroup.Group
	grp.Go(func() error { return feedStdin(containerfile, stdin) })
	grp.Go(func() error { return forwardStdout(stdout, &acc) })
	grp.Go(func() error { return forwardStderr(stderr, &acc, &firstError) })

	waitErr := cmd.Wait()
	slog.Info("builder finished", "elapsed", time.Since(start), "err", waitErr)

	drained := make(chan error, 1)
	go func() { drained <- grp.Wait() }()
	select {
	case err := <-drained:
		if err != nil {
			return call, envs, nil, fmt.Errorf("%w: %v", ErrStdioTimeout, err)
		}
	case <-time.After(drainTimeout):
		return call, envs, nil, fmt.Errorf("%w: no stdio progress for %s", ErrStdioTimeout, drainTimeout)
	}

	if waitErr != nil {
		if firstError != "" {
			return call, envs, nil, fmt.Errorf("%w: %s", ErrRunnerIO, firstError)
		}
		return call, envs, nil, fmt.Errorf("%w: %s: %v%s", ErrRunnerIO, g.Runner, waitErr, runnerInfo(ctx, g))
	}

	if outDir == "" {
		return call, envs, &Effects{}, nil
	}

	// A failed harvest still carries the replayed stdio and rustc's
	// exit code; callers surface both.
	effects, err := harvest(target, outDir, &acc)
	return call, envs, effects, err
}

// Assembles the builder argv for one stage build.
func builderArgs(g *config.Green, target image.Stage, contexts []md.BuildContext, outDir string) []string {
	args := []string{"build"}

	for _, img := range g.CacheImages {
		ref := img.NoScheme()
		mode := ""
		if g.BuilderName != "" {
			// The docker-container driver can push full-depth cache.
			mode = ",mode=max"
		}
		args = append(args, "--cache-from=type=registry,ref="+ref+mode)
		args = append(args, "--tag="+ref+":"+string(target))
	}
	if len(g.CacheImages) > 0 && g.BuilderName == "" {
		args = append(args, "--build-arg=BUILDKIT_INLINE_CACHE=1")
	}

	args = append(args,
		"--network="+string(g.Image.WithNetwork),
		"--platform=local",
		"--pull=false",
		"--target="+string(target),
	)
	if outDir != "" {
		args = append(args, "--output=type=local,dest="+outDir)
	} else {
		args = append(args, "--output=type=cacheonly")
	}

	for _, bc := range contexts {
		args = append(args, "--build-context="+string(bc.Name)+"="+bc.URI)
	}

	// Dockerfile arrives on stdin: the builder gets no filesystem context.
	args = append(args, "-")
	return args
}

// The builder child's environment: an allow-list plus BuildKit itself.
func builderEnv() []string {
	env := []string{"DOCKER_BUILDKIT=1"}
	for _, name := range builderEnvPassthrough {
		if v, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+v)
		}
	}
	return env
}

// The env assignments to include in a reproduction trailer.
func reproductionEnvs() string {
	parts := []string{"DOCKER_BUILDKIT=1"}
	for _, name := range []string{"DOCKER_HOST", "DOCKER_CONTEXT", "BUILDX_BUILDER", "BUILDKIT_HOST"} {
		if v, ok := os.LookupEnv(name); ok {
			parts = append(parts, name+"="+v)
		}
	}
	return strings.Join(parts, " ")
}

// Feeds the Dockerfile to the builder line by line, dropping the
// sidecar-embedded "## " comment lines.
func feedStdin(containerfile string, stdin io.WriteCloser) error {
	defer stdin.Close()

	f, err := os.Open(containerfile)
	if err != nil {
		return fmt.Errorf("%w: opening %s: %v", ErrRunnerIO, containerfile, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1<<16), 1<<22)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "## ") {
			continue
		}
		if _, err := io.WriteString(stdin, line+"\n"); err != nil {
			// The builder may close stdin once it has the frontend's
			// needs; a broken pipe here is not a failure.
			slog.Debug("stdin feed interrupted", "error", err)
			return nil
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("%w: reading %s: %v", ErrRunnerIO, containerfile, err)
	}
	return nil
}

// Opens the three sidecar streams the stage wrote and folds them into
// the final effects.
//
// A present errcode stream means rustc itself failed; its value becomes
// the exit code surfaced to cargo.
func harvest(target image.Stage, outDir string, acc *accumulated) (*Effects, error) {
	effects := &Effects{Written: acc.written}

	stdout, err := readLines(filepath.Join(outDir, string(target)+"-"+SuffixStdout))
	if err != nil {
		return nil, err
	}
	effects.Stdout = stdout

	stderr, err := readLines(filepath.Join(outDir, string(target)+"-"+SuffixStderr))
	if err != nil {
		return nil, err
	}
	for _, line := range stderr {
		if file, ok := artifactWritten(line); ok && !contains(effects.Written, file) {
			slog.Info("rustc wrote " + file)
			effects.Written = append(effects.Written, file)
		}
		effects.Stderr = append(effects.Stderr, rewriteDiagnostic(line, &acc.suggested))
	}

	codeLines, err := readLines(filepath.Join(outDir, string(target)+"-"+SuffixErrcode))
	if err != nil {
		return nil, err
	}
	if len(codeLines) > 0 {
		code, err := strconv.Atoi(strings.TrimSpace(codeLines[0]))
		if err != nil || code == 0 {
			code = 1
		}
		effects.ExitCode = code
		return effects, fmt.Errorf("%w: exit code %d", ErrBuildFailure, code)
	}
	return effects, nil
}

// Reads a sidecar stream; a missing file is an empty stream.
func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: opening %s: %v", ErrRunnerIO, path, err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1<<16), 1<<22)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrRunnerIO, path, err)
	}
	return lines, nil
}

// Captures `docker info` output for failure triage.
func runnerInfo(ctx context.Context, g *config.Green) string {
	out, err := exec.CommandContext(ctx, string(g.Runner), "info").CombinedOutput()
	if err != nil {
		return ""
	}
	return "\nrunner info: " + strings.TrimSpace(string(out))
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
