package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/verdantlabs/green/internal/config"
	"github.com/verdantlabs/green/internal/image"
)

// Resolves an image reference to a locked one.
//
// Tries, in order: the builder's own cache (buildx du), the local image
// store (inspect), and finally the registry HTTP API. An unresolvable
// reference is returned unchanged; the runner will surface whatever the
// registry thinks at build time.
func MaybeLockImage(ctx context.Context, g *config.Green, img image.URI) image.URI {
	if img.Locked() {
		return img
	}

	if cached, err := imagesInBuilderCache(ctx, g); err == nil {
		if dgst, ok := lockFromBuilderCache(img.NoScheme(), cached); ok {
			return img.Lock(dgst)
		}
	}

	if dgst, ok := inspectDigest(ctx, g, img); ok {
		return img.Lock(dgst)
	}

	locked, err := FetchDigest(ctx, img)
	if err != nil {
		slog.Warn("leaving image unlocked", "image", img.NoScheme(), "error", err)
		return img
	}
	return locked
}

// Asks the local image store for the reference's repo digest.
func inspectDigest(ctx context.Context, g *config.Green, img image.URI) (string, bool) {
	out, err := exec.CommandContext(ctx, string(g.Runner),
		"inspect", "--format={{index .RepoDigests 0}}", img.NoScheme(),
	).Output()
	if err != nil {
		return "", false
	}
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	_, dgst, ok := strings.Cut(line, "@")
	if !ok || !strings.HasPrefix(dgst, "sha256:") {
		return "", false
	}
	return dgst, true
}

// One block of `buildx du --verbose` output.
type duEntry struct {
	createdAt   time.Time
	description string
}

// Queries the builder cache for records of pulled images.
func imagesInBuilderCache(ctx context.Context, g *config.Green) ([]duEntry, error) {
	out, err := exec.CommandContext(ctx, string(g.Runner),
		"buildx", "du", "--verbose",
		"--filter=type=regular",
		"--filter=description~=pulled.from",
	).Output()
	if err != nil {
		return nil, fmt.Errorf("%w: querying builder cache: %v", ErrRunnerIO, err)
	}
	return parseBuildxDu(string(out)), nil
}

// Parses buildx du's newline-block Field: value output, newest first,
// deduplicated by description.
func parseBuildxDu(out string) []duEntry {
	var entries []duEntry
	for _, block := range strings.Split(out, "\n\n") {
		var e duEntry
		for _, line := range strings.Split(block, "\n") {
			lhs, rhs, ok := strings.Cut(line, ":")
			if !ok {
				continue
			}
			rhs = strings.TrimSpace(rhs)
			switch lhs {
			case "Created at":
				if t, err := time.Parse("2006-01-02 15:04:05.999999999 -0700 MST", rhs); err == nil {
					e.createdAt = t
				}
			case "Description":
				e.description = rhs
			}
		}
		if e.description != "" {
			entries = append(entries, e)
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].createdAt.After(entries[j].createdAt)
	})
	seen := map[string]bool{}
	deduped := entries[:0]
	for _, e := range entries {
		if seen[e.description] {
			continue
		}
		seen[e.description] = true
		deduped = append(deduped, e)
	}
	return deduped
}

// Picks the most recent cached digest matching the scheme-less image.
func lockFromBuilderCache(img string, cached []duEntry) (string, bool) {
	for _, e := range cached {
		if !strings.Contains(e.description, img) {
			continue
		}
		_, dgst, ok := strings.Cut(e.description, "@")
		if !ok {
			continue
		}
		return dgst, true
	}
	return "", false
}

// Shape of the registry's tag metadata response.
type registryResponse struct {
	Digest string `json:"digest"`
}

// Resolves a docker.io reference's digest via the registry HTTP API.
//
// Already-locked references are returned as-is. Transient failures are
// retried briefly; persistent ones surface as [ErrNetworkFetch], which
// callers may treat as "proceed unlocked".
func FetchDigest(ctx context.Context, img image.URI) (image.URI, error) {
	if img.Locked() {
		return img, nil
	}

	path, tag := img.PathAndTag()
	parts := strings.Split(path, "/")
	if len(parts) != 3 || parts[0] != "docker.io" {
		return img, fmt.Errorf("%w: unhandled registry in %q", ErrNetworkFetch, img.NoScheme())
	}
	url := fmt.Sprintf("https://registry.hub.docker.com/v2/repositories/%s/%s/tags/%s", parts[1], parts[2], tag)

	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.HTTPClient.Timeout = 10 * time.Second
	client.Logger = nil

	var dgst string
	err := retry.Do(
		func() error {
			req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			resp, err := client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("registry answered %s", resp.Status)
			}
			body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			if err != nil {
				return err
			}
			var decoded registryResponse
			if err := json.Unmarshal(body, &decoded); err != nil {
				return fmt.Errorf("decoding registry response: %w", err)
			}
			if decoded.Digest == "" {
				return fmt.Errorf("registry response carries no digest")
			}
			dgst = decoded.Digest
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(2),
		retry.Delay(time.Second),
	)
	if err != nil {
		return img, fmt.Errorf("%w: %s: %v", ErrNetworkFetch, img.NoScheme(), err)
	}
	return img.Lock(dgst), nil
}
