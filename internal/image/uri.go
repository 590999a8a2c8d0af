package image

import (
	"fmt"
	"strings"

	"github.com/opencontainers/go-digest"
)

// Scheme prefixing every image reference this tool accepts.
const Scheme = "docker-image://"

// An image reference of the form docker-image://HOST/PATH:TAG[@sha256:DIGEST].
//
// The zero value is the empty reference. Two references are equal when
// their scheme-less forms compare equal.
type URI struct {
	raw string
}

// Parses an image reference.
//
// The string must start with the docker-image:// scheme and be non-empty
// after it.
func ParseURI(s string) (URI, error) {
	rest, ok := strings.CutPrefix(s, Scheme)
	if !ok {
		return URI{}, fmt.Errorf("%w: %q does not start with %q", ErrMalformedURI, s, Scheme)
	}
	if rest == "" {
		return URI{}, fmt.Errorf("%w: empty reference %q", ErrMalformedURI, s)
	}
	return URI{raw: s}, nil
}

// Builds a reference to a docker.io library image, e.g. Std("rust:1-slim").
func Std(nameAndTag string) URI {
	return URI{raw: Scheme + "docker.io/library/" + nameAndTag}
}

// Whether the reference is the zero value.
func (u URI) IsZero() bool {
	return u.raw == ""
}

// The reference with the docker-image:// scheme stripped.
func (u URI) NoScheme() string {
	return strings.TrimPrefix(u.raw, Scheme)
}

// The full reference string, scheme included.
func (u URI) String() string {
	return u.raw
}

// Splits the scheme-less reference into its path and tag parts.
//
// The path is everything before the first ":" or "@"; the tag is what
// follows the ":" up to any "@" suffix.
func (u URI) PathAndTag() (path, tag string) {
	s := u.NoScheme()
	if at := strings.IndexByte(s, '@'); at >= 0 {
		s = s[:at]
	}
	if colon := strings.IndexByte(s, ':'); colon >= 0 {
		return s[:colon], s[colon+1:]
	}
	return s, ""
}

// The digest suffix (after "@"), or "" when unlocked.
func (u URI) Digest() string {
	if at := strings.IndexByte(u.raw, '@'); at >= 0 {
		return u.raw[at+1:]
	}
	return ""
}

// Whether the reference carries a digest suffix.
func (u URI) Locked() bool {
	return u.Digest() != ""
}

// Returns a copy locked to the given sha256 digest.
//
// An existing digest suffix is replaced. Locking is idempotent and
// preserves path and tag. The digest may be given with or without its
// "sha256:" prefix; malformed digests leave the reference unchanged.
func (u URI) Lock(dgst string) URI {
	if !strings.Contains(dgst, ":") {
		dgst = "sha256:" + dgst
	}
	if err := digest.Digest(dgst).Validate(); err != nil {
		return u
	}
	raw := u.raw
	if at := strings.IndexByte(raw, '@'); at >= 0 {
		raw = raw[:at]
	}
	return URI{raw: raw + "@" + dgst}
}

// Returns a copy with any digest suffix removed.
func (u URI) Unlocked() URI {
	if at := strings.IndexByte(u.raw, '@'); at >= 0 {
		return URI{raw: u.raw[:at]}
	}
	return u
}

// Whether both references name the same image, ignoring the scheme.
func (u URI) Equal(other URI) bool {
	return u.NoScheme() == other.NoScheme()
}
