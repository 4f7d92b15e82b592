package buffer

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/nmxmxh/nativebuf/internal/logging"
)

// Backing supplies page-aligned, zeroed memory chunks to an Allocator.
type Backing interface {
	Name() string
	Map(size uint64) ([]byte, error)
	Unmap(chunk []byte) error
}

type options struct {
	logger  *zap.Logger
	reg     prometheus.Registerer
	backing Backing
}

// Option customizes an Allocator or an Importer.
type Option func(*options)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRegisterer registers metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.reg = reg }
}

// WithBacking overrides the backing selected by Config.Backing. Importers
// ignore it.
func WithBacking(b Backing) Option {
	return func(o *options) { o.backing = b }
}

func buildOptions(component string, opts []Option) options {
	o := options{logger: logging.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = logging.WithComponent(o.logger, component)
	return o
}
