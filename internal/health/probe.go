package health

import (
	"context"
	"os"
	"sync/atomic"

	"github.com/keithlinneman/pkgfetch/internal/xerrors"
)

// Probe is evaluated at request time. nil means pass, an error carries the
// reason.
type Probe interface{ Check(context.Context) error }

type CheckFunc func(context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// Fixed always passes, or always fails with reason.
func Fixed(ok bool, reason string) CheckFunc {
	if ok {
		return func(context.Context) error { return nil }
	}
	if reason == "" {
		reason = "unhealthy"
	}
	return func(context.Context) error { return xerrors.New(reason) }
}

// All passes when every probe passes and returns the first failure.
func All(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		for _, p := range ps {
			if p == nil {
				continue
			}
			if err := p.Check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// Any passes when at least one probe passes, else returns the last failure.
func Any(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		var last error
		for _, p := range ps {
			if p == nil {
				continue
			}
			err := p.Check(ctx)
			if err == nil {
				return nil
			}
			last = err
		}
		if last != nil {
			return last
		}
		return xerrors.New("no healthy probes")
	}
}

// WritableDir fails when dir is missing or a file cannot be created in it.
func WritableDir(dir string) CheckFunc {
	return func(context.Context) error {
		f, err := os.CreateTemp(dir, ".pkgfetch-probe-*")
		if err != nil {
			return xerrors.Wrapf(err, "scratch dir %s not writable", dir)
		}
		name := f.Name()
		_ = f.Close()
		return os.Remove(name)
	}
}

// ShutdownGate flips readiness to false during drain.
type ShutdownGate struct {
	draining atomic.Bool
	reason   atomic.Value
}

func (g *ShutdownGate) Set(reason string) {
	g.reason.Store(reason)
	g.draining.Store(true)
}

func (g *ShutdownGate) Clear() {
	g.draining.Store(false)
	g.reason.Store("")
}

func (g *ShutdownGate) Probe() CheckFunc {
	return func(context.Context) error {
		if !g.draining.Load() {
			return nil
		}
		r, _ := g.reason.Load().(string)
		if r == "" {
			r = "draining"
		}
		return xerrors.New(r)
	}
}
