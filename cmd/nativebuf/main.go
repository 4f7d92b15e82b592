// Command nativebuf runs a WebAssembly module's "main" export over an input
// through the buffer layer, staging each request in frame memory.
package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wasmerio/wasmer-go/wasmer"
	"go.uber.org/zap"

	"github.com/nmxmxh/nativebuf/buffer"
	"github.com/nmxmxh/nativebuf/internal/logging"
	"github.com/nmxmxh/nativebuf/wasm"
)

type config struct {
	configFile  string
	module      string
	input       string
	inputFile   string
	repeat      int
	metricsAddr string

	log    logging.Config
	buffer buffer.Config
}

func (c *config) registerFlags(f *flag.FlagSet) {
	f.StringVar(&c.configFile, "config.file", "", "YAML file with buffer configuration. Overrides the nativebuf.* flags.")
	f.StringVar(&c.module, "module", "", "Path to a .wasm or .wat module exporting memory and main(len i32) i32.")
	f.StringVar(&c.input, "input", "", "Input passed to main.")
	f.StringVar(&c.inputFile, "input.file", "", "File whose contents are passed to main. Takes precedence over -input.")
	f.IntVar(&c.repeat, "repeat", 1, "Number of times to run the module.")
	f.StringVar(&c.metricsAddr, "metrics.addr", "", "If set, serve /metrics on this address after the run until interrupted.")
	f.StringVar(&c.log.Level, "log.level", "info", "Log level: debug, info, warn or error.")
	f.BoolVar(&c.log.Development, "log.development", false, "Use the human readable development encoder.")
	c.buffer.RegisterFlags(f)
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "nativebuf: %+v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	var cfg config
	fs := flag.NewFlagSet("nativebuf", flag.ContinueOnError)
	cfg.registerFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if cfg.module == "" {
		return errors.New("-module is required")
	}
	if cfg.repeat < 1 {
		return errors.Newf("-repeat must be at least 1, got %d", cfg.repeat)
	}
	if cfg.configFile != "" {
		bc, err := buffer.LoadConfig(cfg.configFile)
		if err != nil {
			return err
		}
		cfg.buffer = bc
	}

	cfg.log.Component = "nativebuf"
	logger, err := logging.NewLogger(cfg.log)
	if err != nil {
		return errors.Wrap(err, "building logger")
	}
	defer logger.Sync() //nolint:errcheck

	wasmBytes, err := loadModule(cfg.module)
	if err != nil {
		return err
	}
	input := []byte(cfg.input)
	if cfg.inputFile != "" {
		if input, err = os.ReadFile(cfg.inputFile); err != nil {
			return errors.Wrap(err, "reading input")
		}
	}

	reg := prometheus.NewRegistry()
	alloc, err := buffer.New(cfg.buffer, buffer.WithLogger(logger), buffer.WithRegisterer(reg))
	if err != nil {
		return err
	}
	defer alloc.Close()
	im := buffer.NewImporter(buffer.WithLogger(logger), buffer.WithRegisterer(reg))
	defer im.Close()

	for i := 0; i < cfg.repeat; i++ {
		out, err := runOnce(alloc, im, wasmBytes, input)
		if err != nil {
			return errors.Wrapf(err, "run %d", i)
		}
		if i == cfg.repeat-1 {
			if _, err := stdout.Write(out); err != nil {
				return err
			}
		}
	}

	logStats(logger, alloc.Stats())

	if cfg.metricsAddr != "" {
		return serveMetrics(logger, reg, cfg.metricsAddr)
	}
	return nil
}

// runOnce stages input in frame memory, runs the module and ends the frame.
func runOnce(alloc *buffer.Allocator, im *buffer.Importer, wasmBytes, input []byte) ([]byte, error) {
	defer alloc.EndFrame()

	staged, err := alloc.Allocate(uint64(len(input)), 0, buffer.FrameTemp)
	if err != nil {
		return nil, err
	}
	if staged.Len() > 0 {
		src, err := buffer.ImportBytes(im, input)
		if err != nil {
			return nil, err
		}
		err = buffer.Copy(staged, src, src.Len())
		if uerr := im.Unwrap(src); err == nil {
			err = uerr
		}
		if err != nil {
			return nil, err
		}
	}

	data, err := staged.Bytes()
	if err != nil {
		return nil, err
	}
	return wasm.Execute(im, wasmBytes, data)
}

func loadModule(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading module")
	}
	if filepath.Ext(path) == ".wat" {
		if data, err = wasmer.Wat2Wasm(string(data)); err != nil {
			return nil, errors.Wrapf(err, "compiling %s", path)
		}
	}
	return data, nil
}

func logStats(logger *zap.Logger, s buffer.Stats) {
	for i, ks := range s.Kinds {
		if ks.Created == 0 {
			continue
		}
		logger.Info("buffer kind",
			zap.Stringer("kind", buffer.Kind(i)),
			zap.Int("live", ks.Live),
			zap.Uint64("created", ks.Created),
			zap.Uint64("released", ks.Released),
			zap.Uint64("failures", ks.Failures))
	}
	logger.Info("arenas",
		zap.Uint64("frame_peak_bytes", s.FrameArenaPeak),
		zap.Uint64("scope_peak_bytes", s.ScopeArenaPeak),
		zap.Float32("pool_fragmentation", s.PoolFragmentation),
		zap.String("breaker", s.BreakerState))
}

func serveMetrics(logger *zap.Logger, reg *prometheus.Registry, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	logger.Info("serving metrics", zap.String("addr", addr))

	terminate := make(chan os.Signal, 1)
	signal.Notify(terminate, syscall.SIGTERM, os.Interrupt)
	select {
	case err := <-errc:
		return errors.Wrap(err, "metrics server")
	case <-terminate:
		return srv.Close()
	}
}
