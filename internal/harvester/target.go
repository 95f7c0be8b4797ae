package harvester

import (
	"context"
	"errors"
	"fmt"

	"github.com/Togather-Foundation/harvester/internal/domain/harvest"
	"github.com/Togather-Foundation/harvester/internal/oaipmh"
)

// Target says where a harvest goes: either an explicit endpoint or a
// source stored in the config store.
type Target interface {
	isTarget()
}

// ExplicitTarget is a repository given directly by URL.
type ExplicitTarget struct {
	URL            string
	MetadataPrefix string
	Sets           []string
	Granularity    string
}

// NamedTarget is a repository looked up by name. Non-empty fields of
// Override replace the stored values.
type NamedTarget struct {
	Name     string
	Override ExplicitTarget
}

func (ExplicitTarget) isTarget() {}
func (NamedTarget) isTarget()    {}

// newTarget builds the target for the given caller arguments.
func newTarget(url, sourceName, prefix string, sets []string, granularity string) (Target, error) {
	explicit := ExplicitTarget{URL: url, MetadataPrefix: prefix, Sets: sets, Granularity: granularity}
	switch {
	case sourceName != "":
		return NamedTarget{Name: sourceName, Override: explicit}, nil
	case url != "":
		return explicit, nil
	default:
		return nil, ErrNameOrURLMissing
	}
}

// endpoint is a target with every default filled in.
type endpoint struct {
	source  *harvest.Source // nil for explicit targets
	baseURL string
	prefix  string
	sets    []string
	// granularity is empty when neither the source nor the caller set one.
	granularity oaipmh.Granularity
}

func (e endpoint) sourceName() string {
	if e.source == nil {
		return ""
	}
	return e.source.Name
}

func (h *Harvester) resolve(ctx context.Context, target Target) (endpoint, error) {
	switch t := target.(type) {
	case ExplicitTarget:
		if t.URL == "" {
			return endpoint{}, ErrNameOrURLMissing
		}
		g, err := parseGranularity(t.Granularity)
		if err != nil {
			return endpoint{}, err
		}
		return endpoint{baseURL: t.URL, prefix: prefixOrDefault(t.MetadataPrefix), sets: t.Sets, granularity: g}, nil

	case NamedTarget:
		if h.sources == nil {
			return endpoint{}, ErrNoSourceStore
		}
		src, err := h.sources.GetByName(ctx, t.Name)
		if err != nil {
			if errors.Is(err, harvest.ErrNotFound) {
				return endpoint{}, fmt.Errorf("%w: %q", ErrSourceNotFound, t.Name)
			}
			return endpoint{}, fmt.Errorf("load source %q: %w", t.Name, err)
		}
		ep := endpoint{source: src, baseURL: src.BaseURL, prefix: src.Prefix(), sets: src.SetSpecs}
		if t.Override.URL != "" {
			ep.baseURL = t.Override.URL
		}
		if t.Override.MetadataPrefix != "" {
			ep.prefix = t.Override.MetadataPrefix
		}
		if len(t.Override.Sets) > 0 {
			ep.sets = t.Override.Sets
		}
		granularity := src.Granularity
		if t.Override.Granularity != "" {
			granularity = t.Override.Granularity
		}
		if ep.granularity, err = parseGranularity(granularity); err != nil {
			return endpoint{}, err
		}
		if ep.baseURL == "" {
			return endpoint{}, ErrNameOrURLMissing
		}
		return ep, nil

	default:
		return endpoint{}, fmt.Errorf("harvester: unknown target %T", target)
	}
}

func parseGranularity(s string) (oaipmh.Granularity, error) {
	if s == "" {
		return "", nil
	}
	g, err := oaipmh.ParseGranularity(s)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrUnknownGranularity, s)
	}
	return g, nil
}

// clientOptions adds the per-endpoint settings to the harvester's
// client options.
func (h *Harvester) clientOptions(ep endpoint, encoding string) []oaipmh.Option {
	opts := append([]oaipmh.Option(nil), h.clientOpts...)
	if ep.granularity != "" {
		opts = append(opts, oaipmh.WithGranularity(ep.granularity))
	}
	if encoding != "" {
		opts = append(opts, oaipmh.WithEncoding(encoding))
	}
	return opts
}

func prefixOrDefault(prefix string) string {
	if prefix == "" {
		return harvest.DefaultMetadataPrefix
	}
	return prefix
}
