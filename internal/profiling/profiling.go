// Package profiling starts and stops the profilers a replica or client run
// can record: CPU, memory, execution trace, and fgprof wall-clock profiles.
package profiling

import (
	"os"
	"runtime"
	"runtime/pprof"
	"runtime/trace"

	"github.com/felixge/fgprof"
	"go.uber.org/multierr"
)

// StartProfilers starts a profiler for each non-empty path and returns a
// function that stops them all and writes the memory profile. A failure to
// start one profiler leaves the earlier ones running; the returned stop
// function still cleans them up.
func StartProfilers(cpuProfilePath, memProfilePath, tracePath, fgprofPath string) (stopProfilers func() error, err error) {
	var stops []func() error

	stopProfilers = func() (err error) {
		// stop in reverse start order
		for i := len(stops) - 1; i >= 0; i-- {
			err = multierr.Append(err, stops[i]())
		}
		if memProfilePath != "" {
			err = multierr.Append(err, writeMemProfile(memProfilePath))
		}
		return err
	}

	if cpuProfilePath != "" {
		stop, err := startCPUProfile(cpuProfilePath)
		if err != nil {
			return stopProfilers, err
		}
		stops = append(stops, stop)
	}

	if fgprofPath != "" {
		stop, err := startFgprof(fgprofPath)
		if err != nil {
			return stopProfilers, err
		}
		stops = append(stops, stop)
	}

	if tracePath != "" {
		stop, err := startTrace(tracePath)
		if err != nil {
			return stopProfilers, err
		}
		stops = append(stops, stop)
	}

	return stopProfilers, nil
}

func startCPUProfile(path string) (stop func() error, err error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		f.Close()
		return nil, err
	}
	return func() error {
		pprof.StopCPUProfile()
		return f.Close()
	}, nil
}

func startFgprof(path string) (stop func() error, err error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	fgprofStop := fgprof.Start(f, fgprof.FormatPprof)
	return func() error {
		return multierr.Append(fgprofStop(), f.Close())
	}, nil
}

func startTrace(path string) (stop func() error, err error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	if err := trace.Start(f); err != nil {
		f.Close()
		return nil, err
	}
	return func() error {
		trace.Stop()
		return f.Close()
	}, nil
}

func writeMemProfile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	runtime.GC() // get up-to-date statistics
	return multierr.Append(pprof.WriteHeapProfile(f), f.Close())
}
