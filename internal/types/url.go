package types

import (
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// InternalScheme is the URL scheme of entities owned by the local store.
const InternalScheme = "pkm"

// EntityURL is the stable, system-wide identity of any entity. External
// entities use their canonical system URL; internal entities use the pkm
// scheme. Equality and hashing are on the string form.
type EntityURL string

// BlockURL builds the internal URL of a block from its uuid.
func BlockURL(id string) EntityURL {
	return EntityURL(InternalScheme + "://block/" + id)
}

// ParseEntityURL parses a full URL or a wiki-style short form.
// Accepted short forms:
//
//	[[block:2f1c...]]   -> pkm://block/2f1c...
//	block:2f1c...       -> pkm://block/2f1c...
//	[[https://...]]     -> https://...
func ParseEntityURL(s string) (EntityURL, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "[[") && strings.HasSuffix(s, "]]") {
		s = strings.TrimSpace(s[2 : len(s)-2])
	}
	if s == "" {
		return "", errors.Wrap(ErrInvalidArgument, "empty entity url")
	}

	if !strings.Contains(s, "://") {
		// wiki short form: <kind>:<id>
		i := strings.IndexByte(s, ':')
		if i <= 0 || i == len(s)-1 {
			return "", errors.Wrapf(ErrInvalidArgument, "entity url %q", s)
		}
		s = InternalScheme + "://" + s[:i] + "/" + s[i+1:]
	}

	u, err := url.Parse(s)
	if err != nil {
		return "", errors.Wrapf(ErrInvalidArgument, "entity url %q: %v", s, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", errors.Wrapf(ErrInvalidArgument, "entity url %q missing scheme or host", s)
	}
	return EntityURL(u.String()), nil
}

// IsInternal reports whether the entity is owned by the local store.
func (u EntityURL) IsInternal() bool {
	return strings.HasPrefix(string(u), InternalScheme+"://")
}

// LocalID returns the final path segment, which for internal URLs is the
// entity's uuid.
func (u EntityURL) LocalID() string {
	s := string(u)
	if i := strings.LastIndexByte(s, '/'); i >= 0 && i < len(s)-1 {
		return s[i+1:]
	}
	return s
}

func (u EntityURL) String() string { return string(u) }
