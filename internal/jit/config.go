package jit

import "github.com/rs/zerolog"

// Config holds the driver's construction-time options (spec.md's ambient
// configuration concerns: a small functional-options struct rather than a
// sprawling flags/env-var surface, matching the teacher's config style).
type Config struct {
	// Optimise, when true, makes Driver.Compile use the optimised generator
	// for every function, including those whose fn.Optimise is false.
	Optimise bool

	Logger zerolog.Logger

	// InitialHeapSize is recorded but not consulted: the memory manager
	// reserves a separate page-rounded region per compiled function, sized
	// to that function's code.
	InitialHeapSize int
}

// Option configures a Config; see WithOptimise, WithLogger,
// WithInitialHeapSize.
type Option func(*Config)

func defaultConfig() Config {
	return Config{
		Optimise:        false,
		Logger:          zerolog.Nop(),
		InitialHeapSize: 64 * 1024,
	}
}

// WithOptimise sets the driver's default code-generation pipeline.
func WithOptimise(optimise bool) Option {
	return func(c *Config) { c.Optimise = optimise }
}

// WithLogger installs a zerolog.Logger for the driver's lifecycle events
// (spec.md's ambient logging concern). The zero value (zerolog.Nop())
// discards everything.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

// WithInitialHeapSize sets Config.InitialHeapSize, which no reservation
// currently reads.
func WithInitialHeapSize(bytes int) Option {
	return func(c *Config) { c.InitialHeapSize = bytes }
}
