package tilesource

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
)

var (
	ErrUnknownScheme = errors.New("no tile source registered for scheme")
	ErrDuplicate     = errors.New("tile source scheme already registered")
)

// Opener constructs a source from its URI, e.g. "buspositions://".
type Opener func(ctx context.Context, uri *url.URL) (Source, error)

type Registry struct {
	mu      sync.RWMutex
	openers map[string]Opener
}

func NewRegistry() *Registry {
	return &Registry{openers: make(map[string]Opener)}
}

// Register binds scheme (with or without the trailing colon) to open.
func (r *Registry) Register(scheme string, open Opener) error {
	scheme = normalizeScheme(scheme)
	if scheme == "" {
		return errors.New("tile source scheme must not be empty")
	}
	if open == nil {
		return fmt.Errorf("tile source %q: nil opener", scheme)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.openers[scheme]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, scheme)
	}
	r.openers[scheme] = open
	return nil
}

func (r *Registry) Open(ctx context.Context, rawURI string) (Source, error) {
	uri, err := url.Parse(rawURI)
	if err != nil {
		return nil, fmt.Errorf("parse tile source uri %q: %w", rawURI, err)
	}

	r.mu.RLock()
	open, ok := r.openers[normalizeScheme(uri.Scheme)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, uri.Scheme)
	}

	src, err := open(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("open tile source %q: %w", rawURI, err)
	}
	return src, nil
}

func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schemes := make([]string, 0, len(r.openers))
	for s := range r.openers {
		schemes = append(schemes, s)
	}
	sort.Strings(schemes)
	return schemes
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(scheme), ":"))
}
