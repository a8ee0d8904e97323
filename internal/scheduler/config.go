// Package scheduler implements node placement for the limiquantix placement engine.
// It filters candidate nodes for a request, verifies them, and reserves an
// exact node set that honours the requested host topology.
package scheduler

import "time"

// Config holds the scheduler configuration.
type Config struct {
	// ConflictRetries is how many times an allocation is retried when the
	// registry rejects it because a node changed state underneath it.
	ConflictRetries int `mapstructure:"conflict_retries"`

	// MaxParallelVerifications bounds concurrent verifier calls for one request.
	MaxParallelVerifications int `mapstructure:"max_parallel_verifications"`

	// VerificationTimeout bounds a single verifier call.
	VerificationTimeout time.Duration `mapstructure:"verification_timeout"`

	// ResultCacheTTL is how long static script results stay cached per node.
	ResultCacheTTL time.Duration `mapstructure:"result_cache_ttl"`

	// AuthorizedScriptsDir, when set, restricts selection scripts to the
	// contents of the files in this directory.
	AuthorizedScriptsDir string `mapstructure:"authorized_scripts_dir"`

	// AuthorizedScriptsReload is the minimum delay between two reads of AuthorizedScriptsDir.
	AuthorizedScriptsReload time.Duration `mapstructure:"authorized_scripts_reload"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		ConflictRetries:          1,
		MaxParallelVerifications: 25,
		VerificationTimeout:      10 * time.Second,
		ResultCacheTTL:           5 * time.Minute,
		AuthorizedScriptsReload:  time.Minute,
	}
}
