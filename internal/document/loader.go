// Package document loads Arazzo descriptions and their OpenAPI source
// descriptions into immutable in-memory models. Loading performs no API
// calls: source descriptions are read from their declared URLs/paths only.
package document

import (
	"context"
	"path"
	"strings"

	"github.com/rendis/arazzo/pkg/schema"
	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/afs/url"
	"gopkg.in/yaml.v3"
)

// Loaded is a fully validated document bundle: the Arazzo model plus one
// operation catalog per source description. Loaded values are immutable and
// shared read-only across concurrent executions.
type Loaded struct {
	Doc      *schema.Document
	Catalogs map[string]*Catalog // keyed by source description name
}

// Catalog returns the catalog for a step's source. An empty name selects the
// document's only source.
func (l *Loaded) Catalog(sourceName string) (*Catalog, bool) {
	if sourceName == "" && len(l.Catalogs) == 1 {
		for _, c := range l.Catalogs {
			return c, true
		}
	}
	c, ok := l.Catalogs[sourceName]
	return c, ok
}

// ResolveOperation finds an operation across the bundle's catalogs, searching
// sources in document order, and reports which source declared it.
func (l *Loaded) ResolveOperation(operationID string) (*Operation, string, bool) {
	for _, sd := range l.Doc.SourceDescriptions {
		c, ok := l.Catalogs[sd.Name]
		if !ok {
			continue
		}
		if op, ok := c.Find(operationID); ok {
			return op, sd.Name, true
		}
	}
	return nil, "", false
}

// Loader reads and validates Arazzo documents. URLs are read through the
// afs service, which handles file paths, file:// and embedded schemes.
type Loader struct {
	fs afs.Service
}

// NewLoader creates a Loader backed by the default afs service.
func NewLoader() *Loader {
	return &Loader{fs: afs.New()}
}

// Load reads the Arazzo document at the given URL, reads every declared
// source description (relative URLs resolve against the document location),
// builds operation catalogs and validates the bundle. Loading the same
// document twice yields structurally equal models.
func (l *Loader) Load(ctx context.Context, arazzoURL string) (*Loaded, error) {
	data, err := l.fs.DownloadWithURL(ctx, arazzoURL)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDocument,
			"cannot read document %q: %s", arazzoURL, err.Error()).WithCause(err)
	}

	doc, err := ParseDocument(data)
	if err != nil {
		return nil, err
	}

	sources := make(map[string][]byte, len(doc.SourceDescriptions))
	for _, sd := range doc.SourceDescriptions {
		u := sd.URL
		if !isAbsolute(u) {
			u = resolveAgainst(arazzoURL, u)
		}
		raw, err := l.fs.DownloadWithURL(ctx, u)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeDocument,
				"source %q: cannot read %q: %s", sd.Name, sd.URL, err.Error()).WithCause(err)
		}
		sources[sd.Name] = raw
	}

	return l.LoadBytes(ctx, doc, sources)
}

// LoadFromBytes parses an Arazzo document and source description contents
// supplied by the caller, keyed by source name.
func (l *Loader) LoadFromBytes(ctx context.Context, arazzoData []byte, sources map[string][]byte) (*Loaded, error) {
	doc, err := ParseDocument(arazzoData)
	if err != nil {
		return nil, err
	}
	return l.LoadBytes(ctx, doc, sources)
}

// LoadBytes builds catalogs from raw source description bytes and validates
// the bundle against the parsed document.
func (l *Loader) LoadBytes(ctx context.Context, doc *schema.Document, sources map[string][]byte) (*Loaded, error) {
	catalogs := make(map[string]*Catalog, len(sources))
	for name, raw := range sources {
		catalog, err := BuildCatalog(name, raw)
		if err != nil {
			return nil, err
		}
		catalogs[name] = catalog
	}

	loaded := &Loaded{Doc: doc, Catalogs: catalogs}
	if err := Validate(loaded).ToError(); err != nil {
		return nil, err
	}
	return loaded, nil
}

// ParseDocument parses Arazzo YAML or JSON bytes into the document model.
// YAML is a superset of JSON so a single decoder covers both.
func ParseDocument(data []byte) (*schema.Document, error) {
	var doc schema.Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDocument,
			"cannot parse Arazzo document: %s", err.Error()).WithCause(err)
	}
	return &doc, nil
}

func isAbsolute(u string) bool {
	return strings.Contains(u, "://") || strings.HasPrefix(u, "/")
}

// resolveAgainst resolves a relative source URL against the document
// location. Scheme URLs go through afs url handling; path.Join would
// collapse the "//" after the scheme. Plain paths stay plain so relative
// document paths keep resolving against the working directory.
func resolveAgainst(docURL, rel string) string {
	if strings.Contains(docURL, "://") {
		base, _ := url.Split(docURL, file.Scheme)
		return url.Join(base, rel)
	}
	return path.Join(path.Dir(docURL), rel)
}
