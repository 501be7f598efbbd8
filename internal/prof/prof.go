// Package prof ships continuous profiles to pyroscope. Extraction of large
// archives is the allocation hot spot, so alloc and inuse profiles are
// always on.
package prof

import (
	"context"
	"maps"
	"runtime"

	"github.com/grafana/pyroscope-go"

	"github.com/keithlinneman/pkgfetch/internal/log"
	"github.com/keithlinneman/pkgfetch/internal/xerrors"
)

type Options struct {
	Enabled       bool
	AppName       string
	ServerAddress string
	TenantID      string
	// Tags are attached to every profile on top of version
	Tags    map[string]string
	Version string

	ProfileMutexFraction int
	BlockProfileRate     int
}

var profileTypes = []pyroscope.ProfileType{
	pyroscope.ProfileCPU,
	pyroscope.ProfileAllocObjects,
	pyroscope.ProfileAllocSpace,
	pyroscope.ProfileInuseObjects,
	pyroscope.ProfileInuseSpace,
	pyroscope.ProfileGoroutines,
	pyroscope.ProfileMutexCount,
	pyroscope.ProfileMutexDuration,
	pyroscope.ProfileBlockCount,
	pyroscope.ProfileBlockDuration,
}

// Start begins profiling. The returned stop func is never nil, even with an
// error.
func Start(ctx context.Context, opts Options) (func(), error) {
	L := log.FromContext(ctx)
	noop := func() {}

	if !opts.Enabled {
		L.Info(ctx, "pyroscope disabled")
		return noop, nil
	}
	if opts.ServerAddress == "" {
		return noop, xerrors.Invalidf("invalid server address (%q)", opts.ServerAddress)
	}
	if opts.AppName == "" {
		opts.AppName = "pkgfetch"
	}

	if opts.ProfileMutexFraction > 0 {
		runtime.SetMutexProfileFraction(opts.ProfileMutexFraction)
	}
	if opts.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(opts.BlockProfileRate)
	}

	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: opts.AppName,
		ServerAddress:   opts.ServerAddress,
		TenantID:        opts.TenantID,
		Tags:            tags(opts),
		ProfileTypes:    profileTypes,
	})
	if err != nil {
		return noop, xerrors.Wrapf(err, "pyroscope start %s", opts.ServerAddress)
	}
	L.Info(ctx, "pyroscope started", "server_address", opts.ServerAddress, "app_name", opts.AppName)

	return func() {
		profiler.Stop()
		L.Info(context.Background(), "pyroscope stopped", "server_address", opts.ServerAddress)
	}, nil
}

func tags(opts Options) map[string]string {
	out := make(map[string]string, len(opts.Tags)+1)
	maps.Copy(out, opts.Tags)
	if opts.Version != "" {
		out["version"] = opts.Version
	}
	return out
}
