// Package profilers sets up profiling of the training programs.
//
// If linked, it installs the profiler flags: -prof (HTTP pprof server), -cpu_profile and -mem_profile.
package profilers

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"runtime"
	"runtime/pprof"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagProfiler   = flag.Int("prof", -1, "If set, runs the pprof HTTP server at the given port, and keeps the program alive at the end.")
	flagCPUProfile = flag.String("cpu_profile", "", "write cpu profile to `file`")
	flagMemProfile = flag.String("mem_profile", "", "write heap profile to `file` at the end of the program")

	profilerAddr string

	// globalCtx is set on the call to Setup.
	globalCtx context.Context
)

// Setup starts the HTTP (flag -prof) and CPU profilers (flag -cpu_profile), if they were configured.
// You should follow with a deferred call to OnQuit.
func Setup(ctx context.Context) error {
	globalCtx = ctx
	if *flagProfiler >= 0 {
		profilerAddr = fmt.Sprintf("localhost:%d", *flagProfiler)
		klog.Infof("Starting profiler on http://%s/debug/pprof (e.g.: go tool pprof %s/debug/pprof/heap)", profilerAddr, profilerAddr)
		go func() {
			klog.Fatal(http.ListenAndServe(profilerAddr, nil))
		}()
	}
	if *flagCPUProfile != "" {
		f, err := os.Create(*flagCPUProfile)
		if err != nil {
			return errors.Wrap(err, "could not create CPU profile")
		}
		if err = pprof.StartCPUProfile(f); err != nil {
			return errors.Wrap(err, "could not start CPU profile")
		}
	}
	return nil
}

// OnQuit should be called before the exit of the main() function, typically this is set up as a deferred call
// just after Setup.
func OnQuit() {
	if *flagCPUProfile != "" {
		pprof.StopCPUProfile()
	}
	if *flagMemProfile != "" {
		if err := writeHeapProfile(*flagMemProfile); err != nil {
			klog.Errorf("Failed to write heap profile: %+v", err)
		}
	}
	if *flagProfiler >= 0 {
		keepAlive()
	}
}

func writeHeapProfile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "could not create heap profile")
	}
	defer func() { _ = f.Close() }()
	runtime.GC()
	return errors.Wrap(pprof.WriteHeapProfile(f), "could not write heap profile")
}

// keepAlive blocks until the global context is done, so the HTTP profiler can still be inspected.
func keepAlive() {
	// Don't freeze on panic.
	if err := recover(); err != nil {
		panic(err)
	}
	if globalCtx == nil || globalCtx.Err() != nil {
		// Already interrupted.
		return
	}
	// Garbage collect, to see if there is anything leaking.
	for range 10 {
		runtime.GC()
	}
	klog.Infof("Program finished: kept alive with profiler opened at http://%s/debug/pprof, interrupt (Ctrl+C) to exit", profilerAddr)
	<-globalCtx.Done()
}
