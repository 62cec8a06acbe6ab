// Package content resolves references to installable content into
// short-lived fetch URLs.
package content

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/andrej220/goldenimage/pkg/routine"
)

// DefaultTTL covers a single fetch while bounding how long a leaked URL
// stays usable.
const DefaultTTL = 600 * time.Second

const scheme = "s3://"

var ErrInvalidReference = errors.New("invalid content reference")

// Reference names an object in the content store.
type Reference struct {
	Store string
	Path  string
}

func (r Reference) String() string { return scheme + r.Store + "/" + r.Path }

// ParseReference splits "s3://bucket/key/with/slashes".
func ParseReference(raw string) (Reference, error) {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(strings.ToLower(s), scheme) {
		return Reference{}, fmt.Errorf("%w: %q has no %s prefix", ErrInvalidReference, raw, scheme)
	}
	s = s[len(scheme):]
	bucket, key, ok := strings.Cut(s, "/")
	if !ok || bucket == "" || key == "" {
		return Reference{}, fmt.Errorf("%w: %q needs both bucket and key", ErrInvalidReference, raw)
	}
	return Reference{Store: bucket, Path: key}, nil
}

// ObjectStore is the content-store capability the locator needs.
type ObjectStore interface {
	Exists(ctx context.Context, bucket, key string) (bool, error)
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

// LocateError is a step-level resolution failure. It is recorded in the
// run's error log, never propagated as fatal.
type LocateError struct {
	Ref      string
	Category routine.Category
	Err      error
}

func (e *LocateError) Error() string {
	return fmt.Sprintf("locate %s: %s: %v", e.Ref, e.Category, e.Err)
}

func (e *LocateError) Unwrap() error { return e.Err }

var ErrObjectNotFound = errors.New("object not found in content store")

// Locator turns references into time-limited URLs. It holds no state other
// than the store handle.
type Locator struct {
	store ObjectStore
	ttl   time.Duration
}

func NewLocator(store ObjectStore, ttl time.Duration) *Locator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Locator{store: store, ttl: ttl}
}

func (l *Locator) TTL() time.Duration { return l.ttl }

// Resolve checks that the referenced object exists and presigns a GET for
// it. Failures come back as *LocateError carrying the error category.
func (l *Locator) Resolve(ctx context.Context, raw string) (string, error) {
	ref, err := ParseReference(raw)
	if err != nil {
		return "", &LocateError{Ref: raw, Category: routine.CategoryInvalidInput, Err: err}
	}

	found, err := l.store.Exists(ctx, ref.Store, ref.Path)
	if err != nil {
		return "", &LocateError{Ref: raw, Category: routine.CategoryTransportFailure, Err: fmt.Errorf("existence check: %w", err)}
	}
	if !found {
		return "", &LocateError{Ref: raw, Category: routine.CategoryNotFound, Err: ErrObjectNotFound}
	}

	u, err := l.store.PresignGet(ctx, ref.Store, ref.Path, l.ttl)
	if err != nil {
		return "", &LocateError{Ref: raw, Category: routine.CategoryTransportFailure, Err: fmt.Errorf("presign: %w", err)}
	}
	return u, nil
}

// FileName returns the last path segment of a URL or reference, ignoring
// query string and fragment. Empty when there is no path.
func FileName(raw string) string {
	s := strings.TrimSpace(raw)
	if u, err := url.Parse(s); err == nil && u.Scheme != "" {
		if u.Path == "" || u.Path == "/" {
			return ""
		}
		return path.Base(u.Path)
	}
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	if !strings.Contains(s, "/") {
		return ""
	}
	base := path.Base(s)
	if base == "/" || base == "." {
		return ""
	}
	return base
}
