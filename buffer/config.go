package buffer

import (
	"flag"
	"os"
	"strconv"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/nmxmxh/nativebuf/internal/arena"
	"github.com/nmxmxh/nativebuf/internal/hal"
)

const (
	defaultAlignment    = 8
	maxAlignmentCeiling = hal.PageSize
)

// Config configures an Allocator.
type Config struct {
	// MaxAlignment is the largest alignment Allocate accepts.
	MaxAlignment uint32 `yaml:"max_alignment"`
	// MaxBufferSize is the largest buffer Allocate and Resize hand out.
	MaxBufferSize datasize.ByteSize `yaml:"max_buffer_size"`
	// SlabSize and BuddySize split the pooled region that serves Persistent
	// requests up to 1MB.
	SlabSize  datasize.ByteSize `yaml:"slab_size"`
	BuddySize datasize.ByteSize `yaml:"buddy_size"`
	// ScopeChunkSize and FrameChunkSize are the growth steps of the Transient
	// and FrameTemp arenas.
	ScopeChunkSize datasize.ByteSize `yaml:"scope_chunk_size"`
	FrameChunkSize datasize.ByteSize `yaml:"frame_chunk_size"`
	// Backing selects where memory comes from: "heap" or "mmap".
	Backing        string `yaml:"backing"`
	ZeroOnAllocate bool   `yaml:"zero_on_allocate"`

	LargeAllocBreaker BreakerConfig `yaml:"large_alloc_breaker"`
}

// BreakerConfig configures the circuit breaker guarding dedicated mappings
// for requests larger than the pooled region serves.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		MaxAlignment:   64,
		MaxBufferSize:  1 * datasize.GB,
		SlabSize:       256 * datasize.KB,
		BuddySize:      4 * datasize.MB,
		ScopeChunkSize: 64 * datasize.KB,
		FrameChunkSize: 256 * datasize.KB,
		Backing:        "heap",
		LargeAllocBreaker: BreakerConfig{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
		},
	}
}

// RegisterFlags registers the configuration flags, defaulting to
// DefaultConfig.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("nativebuf.", f)
}

// RegisterFlagsWithPrefix registers the configuration flags under prefix.
func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	d := DefaultConfig()

	cfg.MaxAlignment = d.MaxAlignment
	f.Func(prefix+"max-alignment", "Largest alignment accepted by Allocate, a power of two.", func(s string) error {
		return parseUint32(s, &cfg.MaxAlignment)
	})

	f.TextVar(&cfg.MaxBufferSize, prefix+"max-buffer-size", &d.MaxBufferSize, "Largest buffer a single Allocate or Resize may request.")
	f.TextVar(&cfg.SlabSize, prefix+"slab-size", &d.SlabSize, "Bytes of the pooled region reserved for objects up to 256B.")
	f.TextVar(&cfg.BuddySize, prefix+"buddy-size", &d.BuddySize, "Bytes of the pooled region served by the buddy allocator (4KB to 1MB blocks).")
	f.TextVar(&cfg.ScopeChunkSize, prefix+"scope-chunk-size", &d.ScopeChunkSize, "Growth step of the Transient scope arena.")
	f.TextVar(&cfg.FrameChunkSize, prefix+"frame-chunk-size", &d.FrameChunkSize, "Growth step of the FrameTemp arena.")
	f.StringVar(&cfg.Backing, prefix+"backing", d.Backing, "Backing memory: heap or mmap.")
	f.BoolVar(&cfg.ZeroOnAllocate, prefix+"zero-on-allocate", d.ZeroOnAllocate, "Zero-fill every new buffer.")
	cfg.LargeAllocBreaker.MaxFailures = d.LargeAllocBreaker.MaxFailures
	f.Func(prefix+"large-alloc-breaker.max-failures", "Consecutive backing failures that open the large allocation breaker.", func(s string) error {
		return parseUint32(s, &cfg.LargeAllocBreaker.MaxFailures)
	})
	f.DurationVar(&cfg.LargeAllocBreaker.Timeout, prefix+"large-alloc-breaker.timeout", d.LargeAllocBreaker.Timeout, "How long the large allocation breaker stays open.")
}

// Validate checks the configuration for consistency.
func (cfg *Config) Validate() error {
	if !isPowerOfTwo(uint64(cfg.MaxAlignment)) || cfg.MaxAlignment > maxAlignmentCeiling {
		return errors.Newf("max_alignment must be a power of two no larger than %d, got %d", maxAlignmentCeiling, cfg.MaxAlignment)
	}
	if cfg.MaxAlignment < defaultAlignment {
		return errors.Newf("max_alignment must be at least %d", defaultAlignment)
	}
	if cfg.MaxBufferSize == 0 || cfg.MaxBufferSize.Bytes() > hal.MaxMapSize {
		return errors.Newf("max_buffer_size must be between 1 and %d bytes", uint64(hal.MaxMapSize))
	}
	if cfg.SlabSize == 0 || cfg.SlabSize.Bytes()%arena.SLAB_PAGE_SIZE != 0 {
		return errors.Newf("slab_size must be a positive multiple of %d bytes", arena.SLAB_PAGE_SIZE)
	}
	if cfg.BuddySize.Bytes() < arena.MIN_BUDDY_SIZE || cfg.BuddySize.Bytes()%arena.MIN_BUDDY_SIZE != 0 {
		return errors.Newf("buddy_size must be a positive multiple of %d bytes", arena.MIN_BUDDY_SIZE)
	}
	if cfg.SlabSize.Bytes()+cfg.BuddySize.Bytes() >= 1<<32 {
		return errors.New("slab_size plus buddy_size must stay below 4GB")
	}
	if cfg.ScopeChunkSize == 0 || cfg.FrameChunkSize == 0 {
		return errors.New("scope_chunk_size and frame_chunk_size must be greater than 0")
	}
	if cfg.Backing != "heap" && cfg.Backing != "mmap" {
		return errors.Newf("backing must be heap or mmap, got %q", cfg.Backing)
	}
	if cfg.LargeAllocBreaker.MaxFailures == 0 {
		return errors.New("large_alloc_breaker.max_failures must be greater than 0")
	}
	if cfg.LargeAllocBreaker.Timeout <= 0 {
		return errors.New("large_alloc_breaker.timeout must be greater than 0")
	}
	return nil
}

// LoadConfig reads a YAML file on top of DefaultConfig and validates it.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "reading config %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parsing config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, errors.Wrapf(err, "invalid config %s", path)
	}
	return cfg, nil
}

func parseUint32(s string, dst *uint32) error {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return err
	}
	*dst = uint32(v)
	return nil
}

func isPowerOfTwo(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}
