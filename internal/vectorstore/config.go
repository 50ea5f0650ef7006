package vectorstore

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultCollectionName is used when StoreConfig.CollectionName is empty.
const DefaultCollectionName = "ragd_default"

var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// IndexType is the nearest-neighbor index a collection is built with.
type IndexType string

const (
	IndexFlat    IndexType = "FLAT"
	IndexHNSW    IndexType = "HNSW"
	IndexIVFFlat IndexType = "IVF_FLAT"
)

// ParseIndexType converts a configuration string into an IndexType.
func ParseIndexType(s string) (IndexType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "FLAT":
		return IndexFlat, nil
	case "HNSW":
		return IndexHNSW, nil
	case "IVF_FLAT", "IVFFLAT":
		return IndexIVFFlat, nil
	default:
		return "", fmt.Errorf("%w: unknown index type %q (supported: FLAT, HNSW, IVF_FLAT)", ErrConfiguration, s)
	}
}

func (t IndexType) valid() bool {
	switch t {
	case IndexFlat, IndexHNSW, IndexIVFFlat:
		return true
	}
	return false
}

// MetricType is the distance function used to rank neighbors. It determines
// the sort direction of scores.
type MetricType string

const (
	MetricL2           MetricType = "L2"
	MetricCosine       MetricType = "COSINE"
	MetricInnerProduct MetricType = "INNER_PRODUCT"
)

// ParseMetricType converts a configuration string into a MetricType.
func ParseMetricType(s string) (MetricType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "L2":
		return MetricL2, nil
	case "COSINE":
		return MetricCosine, nil
	case "INNER_PRODUCT", "IP":
		return MetricInnerProduct, nil
	default:
		return "", fmt.Errorf("%w: unknown metric type %q (supported: L2, COSINE, INNER_PRODUCT)", ErrConfiguration, s)
	}
}

func (m MetricType) valid() bool {
	switch m {
	case MetricL2, MetricCosine, MetricInnerProduct:
		return true
	}
	return false
}

// LowerIsBetter reports whether smaller scores mean more similar documents.
func (m MetricType) LowerIsBetter() bool {
	return m == MetricL2
}

// HNSWParams tunes HNSW index construction and search. Zero values leave the
// backend defaults in place.
type HNSWParams struct {
	M           int `koanf:"m"`
	EfConstruct int `koanf:"ef_construct"`
	EfSearch    int `koanf:"ef_search"`
}

// IVFParams tunes IVF index construction and search. Zero values leave the
// backend defaults in place.
type IVFParams struct {
	Lists  int `koanf:"lists"`
	Probes int `koanf:"probes"`
}

// StoreConfig describes where and how a collection lives.
//
// Build it with NewStoreConfig; the backends copy it on open, so later edits
// to a caller's copy have no effect on an open collection. MetricType and
// IndexType are fixed when the collection is first created.
type StoreConfig struct {
	// PathOrURI is a directory for embedded backends or a connection URI for
	// networked ones.
	PathOrURI string

	// IndexType defaults to FLAT.
	IndexType IndexType

	// MetricType defaults to L2.
	MetricType MetricType

	// CollectionName defaults to DefaultCollectionName.
	CollectionName string

	// VectorSize is the embedding dimension. Zero means "ask the embedder".
	VectorSize int

	// Compress enables gzip for file-persisted backends.
	Compress bool

	HNSW HNSWParams
	IVF  IVFParams
}

// Option configures a StoreConfig in NewStoreConfig.
type Option func(*StoreConfig)

// WithIndexType sets the index type.
func WithIndexType(t IndexType) Option {
	return func(c *StoreConfig) { c.IndexType = t }
}

// WithMetricType sets the distance metric.
func WithMetricType(m MetricType) Option {
	return func(c *StoreConfig) { c.MetricType = m }
}

// WithCollectionName sets the collection name.
func WithCollectionName(name string) Option {
	return func(c *StoreConfig) { c.CollectionName = name }
}

// WithVectorSize sets the embedding dimension.
func WithVectorSize(n int) Option {
	return func(c *StoreConfig) { c.VectorSize = n }
}

// WithCompression enables gzip for file-persisted backends.
func WithCompression(enabled bool) Option {
	return func(c *StoreConfig) { c.Compress = enabled }
}

// WithHNSW sets HNSW index parameters.
func WithHNSW(p HNSWParams) Option {
	return func(c *StoreConfig) { c.HNSW = p }
}

// WithIVF sets IVF index parameters.
func WithIVF(p IVFParams) Option {
	return func(c *StoreConfig) { c.IVF = p }
}

// NewStoreConfig builds and validates a StoreConfig.
//
// It performs no network or filesystem access; that happens only when a
// backend is opened.
func NewStoreConfig(pathOrURI string, opts ...Option) (StoreConfig, error) {
	cfg := StoreConfig{PathOrURI: pathOrURI}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return StoreConfig{}, err
	}
	return cfg, nil
}

// ApplyDefaults sets default values for unset fields.
func (c *StoreConfig) ApplyDefaults() {
	if c.IndexType == "" {
		c.IndexType = IndexFlat
	}
	if c.MetricType == "" {
		c.MetricType = MetricL2
	}
	if c.CollectionName == "" {
		c.CollectionName = DefaultCollectionName
	}
}

// Validate validates the configuration.
func (c StoreConfig) Validate() error {
	if strings.TrimSpace(c.PathOrURI) == "" {
		return fmt.Errorf("%w: path_or_uri is required", ErrConfiguration)
	}
	if !c.IndexType.valid() {
		return fmt.Errorf("%w: unknown index type %q", ErrConfiguration, c.IndexType)
	}
	if !c.MetricType.valid() {
		return fmt.Errorf("%w: unknown metric type %q", ErrConfiguration, c.MetricType)
	}
	if err := ValidateCollectionName(c.CollectionName); err != nil {
		return err
	}
	if c.VectorSize < 0 {
		return fmt.Errorf("%w: vector size must not be negative", ErrConfiguration)
	}
	if c.HNSW.M < 0 || c.HNSW.EfConstruct < 0 || c.HNSW.EfSearch < 0 {
		return fmt.Errorf("%w: hnsw parameters must not be negative", ErrConfiguration)
	}
	if c.IVF.Lists < 0 || c.IVF.Probes < 0 {
		return fmt.Errorf("%w: ivf parameters must not be negative", ErrConfiguration)
	}
	return nil
}

// ValidateCollectionName validates a collection name.
// Pattern: ^[a-z0-9_]{1,64}$
// Rejects: uppercase, special chars, path traversal, spaces.
func ValidateCollectionName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: collection name cannot be empty", ErrConfiguration)
	}
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: collection name must match pattern ^[a-z0-9_]{1,64}$, got %q", ErrConfiguration, name)
	}
	return nil
}
