package config

import (
	"io"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
)

const (
	EnvDebug    = "QUIVER_DEBUG"
	EnvDumpPath = "QUIVER_DUMP_PATH"
)

// Options configure a device. Field names double as the keys of the TOML configuration file.
type Options struct {
	// Backend is one of "msm", "kgsl" or "virtio"
	Backend    string
	DevicePath string

	// Debug holds debug option names, see ParseDebugFlags
	Debug    []string
	DumpPath string

	ZombieWaitTimeout  time.Duration
	StreamInitialWords int
	QueuePriority      int

	VirtioRequestBufferSize int
	VirtioResponseSlots     int

	flags DebugFlags
}

// Defaults returns the options used when no configuration file is present
func Defaults() Options {
	return Options{
		Backend:                 "msm",
		DevicePath:              "/dev/dri/renderD128",
		DumpPath:                "/tmp/quiver.rd",
		ZombieWaitTimeout:       3 * time.Second,
		StreamInitialWords:      4096,
		QueuePriority:           1,
		VirtioRequestBufferSize: 0x4000,
		VirtioResponseSlots:     64,
	}
}

// Load reads a TOML configuration file over the defaults
func Load(path string) (Options, error) {
	options := Defaults()

	metadata, err := toml.DecodeFile(path, &options)
	if err != nil {
		return options, errors.Wrapf(err, "couldn't read config file %s", path)
	}
	if undecoded := metadata.Undecoded(); len(undecoded) > 0 {
		return options, errors.Newf("config file %s has unknown key %s", path, undecoded[0].String())
	}

	return options, options.resolve()
}

// Decode reads a TOML configuration over the defaults
func Decode(data string) (Options, error) {
	options := Defaults()

	metadata, err := toml.Decode(data, &options)
	if err != nil {
		return options, errors.Wrap(err, "couldn't decode config")
	}
	if undecoded := metadata.Undecoded(); len(undecoded) > 0 {
		return options, errors.Newf("config has unknown key %s", undecoded[0].String())
	}

	return options, options.resolve()
}

// Write encodes the options as TOML
func (o *Options) Write(w io.Writer) error {
	return toml.NewEncoder(w).Encode(o)
}

// ApplyEnv overrides the options from the environment. QUIVER_DEBUG adds to the configured debug
// options and QUIVER_DUMP_PATH replaces the capture path.
func (o *Options) ApplyEnv(getenv func(string) string) error {
	if debug := getenv(EnvDebug); debug != "" {
		o.Debug = append(o.Debug, debug)
	}
	if dumpPath := getenv(EnvDumpPath); dumpPath != "" {
		o.DumpPath = dumpPath
	}
	return o.resolve()
}

func (o *Options) resolve() error {
	var flags DebugFlags
	for _, entry := range o.Debug {
		parsed, err := ParseDebugFlags(entry)
		if err != nil {
			return err
		}
		flags |= parsed
	}
	o.flags = flags

	switch o.Backend {
	case "msm", "kgsl", "virtio":
	default:
		return errors.Newf("unknown backend %q", o.Backend)
	}

	if o.StreamInitialWords <= 0 {
		return errors.Newf("stream initial words must be positive, got %d", o.StreamInitialWords)
	}
	if o.VirtioRequestBufferSize < 64 {
		return errors.Newf("virtio request buffer of %d bytes is too small", o.VirtioRequestBufferSize)
	}
	if o.VirtioResponseSlots <= 0 {
		return errors.Newf("virtio response slots must be positive, got %d", o.VirtioResponseSlots)
	}

	return nil
}

// DebugFlags returns the parsed debug options
func (o *Options) DebugFlags() DebugFlags {
	return o.flags
}

// SetDebugFlags replaces the debug options
func (o *Options) SetDebugFlags(flags DebugFlags) {
	o.flags = flags
}

// EffectiveZombieWaitTimeout returns the timeout to hand to the buffer object allocator, where a
// negative value disables waiting
func (o *Options) EffectiveZombieWaitTimeout() time.Duration {
	if o.flags&DebugNoZombieWait != 0 || o.ZombieWaitTimeout <= 0 {
		return -1
	}
	return o.ZombieWaitTimeout
}
