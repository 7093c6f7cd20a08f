// Package prof pushes continuous profiles to Pyroscope.
package prof

import (
	"context"
	"net/url"
	"runtime"
	"time"

	"github.com/grafana/pyroscope-go"

	"github.com/keithlinneman/academy-api/internal/log"
	"github.com/keithlinneman/academy-api/internal/xerrors"
)

type Options struct {
	Enabled       bool
	AppName       string
	ServerAddress string
	AuthToken     string
	TenantID      string
	Tags          map[string]string

	// Mutex and block profiles are only collected when their rate is set.
	ProfileMutexFraction int
	BlockProfileRate     int
	// UploadRate zero keeps the client default of 15s.
	UploadRate time.Duration
}

var baseProfiles = []pyroscope.ProfileType{
	pyroscope.ProfileCPU,
	pyroscope.ProfileAllocObjects,
	pyroscope.ProfileAllocSpace,
	pyroscope.ProfileInuseObjects,
	pyroscope.ProfileInuseSpace,
	pyroscope.ProfileGoroutines,
}

func profileTypes(opts Options) []pyroscope.ProfileType {
	types := append([]pyroscope.ProfileType(nil), baseProfiles...)
	if opts.ProfileMutexFraction > 0 {
		types = append(types, pyroscope.ProfileMutexCount, pyroscope.ProfileMutexDuration)
	}
	if opts.BlockProfileRate > 0 {
		types = append(types, pyroscope.ProfileBlockCount, pyroscope.ProfileBlockDuration)
	}
	return types
}

func config(opts Options) (pyroscope.Config, error) {
	if u, err := url.Parse(opts.ServerAddress); opts.ServerAddress == "" || err != nil || u.Host == "" {
		return pyroscope.Config{}, xerrors.Newf("invalid pyroscope server address %q", opts.ServerAddress)
	}
	return pyroscope.Config{
		ApplicationName: opts.AppName,
		ServerAddress:   opts.ServerAddress,
		AuthToken:       opts.AuthToken,
		TenantID:        opts.TenantID,
		Tags:            opts.Tags,
		UploadRate:      opts.UploadRate,
		ProfileTypes:    profileTypes(opts),
	}, nil
}

// Start begins profiling and returns the function that stops it. The
// returned stop is always safe to call, even on error. Profiling is
// best effort: callers log the error and keep serving.
func Start(ctx context.Context, opts Options) (stop func(), err error) {
	L := log.FromContext(ctx).With("server_address", opts.ServerAddress, "app_name", opts.AppName)
	noop := func() {}
	if !opts.Enabled {
		L.Info(ctx, "pyroscope disabled")
		return noop, nil
	}

	cfg, err := config(opts)
	if err != nil {
		return noop, err
	}
	if opts.ProfileMutexFraction > 0 {
		runtime.SetMutexProfileFraction(opts.ProfileMutexFraction)
	}
	if opts.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(opts.BlockProfileRate)
	}

	profiler, err := pyroscope.Start(cfg)
	if err != nil {
		return noop, xerrors.Wrap(err, "pyroscope start")
	}
	L.Info(ctx, "pyroscope started")
	return func() {
		profiler.Stop()
		L.Info(context.Background(), "pyroscope stopped")
	}, nil
}
