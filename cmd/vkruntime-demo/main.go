package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/gops/agent"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cvmforge/vkruntime/internal/telemetry"
	"github.com/cvmforge/vkruntime/pkg/vkatlas"
	"github.com/cvmforge/vkruntime/pkg/vkbridge"
	"github.com/cvmforge/vkruntime/pkg/vkdevice"
	"github.com/cvmforge/vkruntime/pkg/vkstaging"
	"github.com/cvmforge/vkruntime/pkg/vksync"
)

// demoConfig mirrors the small set of options this wiring example exposes
// on the command line; there is no config file here, unlike the full
// server this tool is modeled after — this binary exists to exercise the
// runtime end to end, not to be deployed.
type demoConfig struct {
	addr          string
	gops          bool
	workerCount   int
	poolExponent  uint
	atlasSize     uint64
	atlasBase     uint64
	atlasSlots    int
	stagingSize   uint64
	runWorkload   bool
	workloadTicks int
}

func main() {
	cfg := demoConfig{}
	flag.StringVar(&cfg.addr, "addr", ":8090", "address the debug/metrics http server listens on")
	flag.BoolVar(&cfg.gops, "gops", false, "listen via github.com/google/gops/agent (for debugging)")
	flag.IntVar(&cfg.workerCount, "workers", 4, "number of task-system worker goroutines")
	poolExp := flag.Uint("pool-exponent", 8, "log2 of the task/barrier/gate pool sizes")
	flag.Uint64Var(&cfg.atlasSize, "atlas-size", 16<<20, "buffer atlas total size in bytes")
	flag.Uint64Var(&cfg.atlasBase, "atlas-base", 4096, "buffer atlas base allocation size in bytes")
	flag.IntVar(&cfg.atlasSlots, "atlas-slots", 8, "buffer atlas slot count")
	flag.Uint64Var(&cfg.stagingSize, "staging-size", 4<<20, "staging ring size in bytes")
	flag.BoolVar(&cfg.runWorkload, "demo-workload", true, "run a small synthetic workload against the runtime on startup")
	flag.IntVar(&cfg.workloadTicks, "workload-ticks", 50, "number of synthetic access-range round trips the demo workload performs")
	flag.Parse()
	cfg.poolExponent = *poolExp

	if cfg.gops {
		if err := agent.Listen(agent.Options{}); err != nil {
			telemetry.Critf("gops/agent.Listen failed: %s", err)
			os.Exit(1)
		}
	}

	registry := prometheus.NewRegistry()
	metrics := telemetry.NewRegistry(registry, "vkruntime")

	dev := vkdevice.NewFakeDevice()

	sys := vksync.NewSystem(cfg.workerCount, cfg.poolExponent).WithMetrics(metrics)

	bridge, err := vkbridge.New(dev)
	if err != nil {
		telemetry.Crit(err)
		os.Exit(1)
	}
	bridge = bridge.WithMetrics(metrics)

	ring, err := vkstaging.Init(dev, vkdevice.BufferUsageTransferSrc, cfg.stagingSize)
	if err != nil {
		telemetry.Crit(err)
		os.Exit(1)
	}
	ring = ring.WithMetrics(metrics)

	atlas, err := vkatlas.Create(dev, vkatlas.CreateInfo{
		Usage:              vkdevice.BufferUsageStorageBuffer | vkdevice.BufferUsageTransferDst,
		TotalSize:          cfg.atlasSize,
		BaseAllocationSize: cfg.atlasBase,
		SlotCount:          cfg.atlasSlots,
		Multithreaded:      true,
	})
	if err != nil {
		telemetry.Crit(err)
		os.Exit(1)
	}
	atlas = atlas.WithMetrics(metrics)

	if cfg.runWorkload {
		go runDemoWorkload(dev, sys, bridge, ring, atlas, cfg.workloadTicks)
	}

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	r.HandleFunc("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
		rw.Write([]byte("ok\n"))
	})

	r.Use(handlers.CompressHandler)
	r.Use(handlers.RecoveryHandler(handlers.PrintRecoveryStack(true)))
	httpHandler := handlers.CustomLoggingHandler(io.Discard, r, func(_ io.Writer, params handlers.LogFormatterParams) {
		telemetry.Debugf("%s %s (%d, %dms)",
			params.Request.Method, params.URL.RequestURI(), params.StatusCode,
			time.Since(params.TimeStamp).Milliseconds())
	})

	server := http.Server{
		Addr:         cfg.addr,
		Handler:      httpHandler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	listener, err := net.Listen("tcp", cfg.addr)
	if err != nil {
		telemetry.Crit(err)
		os.Exit(1)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		telemetry.Infof("debug/metrics server listening at %s", cfg.addr)
		if err := server.Serve(listener); err != nil && !strings.Contains(err.Error(), "Server closed") {
			telemetry.Error(err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	telemetry.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)

	atlas.Destroy()
	ring.Terminate()
	bridge.Shutdown()
	sys.Shutdown()
	wg.Wait()
	telemetry.Info("shutdown complete")
}

// runDemoWorkload exercises every module this runtime wires together: a
// gate waits on GPU-side work, the bridge translates a timeline moment
// into that completion, the staging ring hands out an upload region, and
// the atlas round-trips an identified region across two slots.
func runDemoWorkload(dev *vkdevice.FakeDevice, sys *vksync.System, bridge *vkbridge.Manager, ring *vkstaging.Ring, atlas *vkatlas.Atlas, ticks int) {
	sem, err := vkdevice.CreateTimelineSemaphore(dev)
	if err != nil {
		telemetry.Error(err)
		return
	}

	const writerSlot, readerSlot = uint8(0), uint8(1)

	for i := 0; i < ticks; i++ {
		alloc := ring.AllocationAcquire(1024, 1)
		fmt.Fprintf(devNull{}, "%d", len(alloc.Mapping)) // touch the mapping without doing real GPU work

		atlas.AccessRangeBegin(writerSlot)
		id := atlas.GenerateRegionIdentifier()
		if _, status := atlas.ObtainIdentifiedRegion(id, writerSlot, 2048); status != vkatlas.StatusOK {
			telemetry.Warnf("demo workload: obtain failed with status %d on tick %d", status, i)
		}
		moment := sem.GenerateMoment()
		atlas.AccessRangeEnd(writerSlot, moment)
		ring.AllocationRelease(alloc, moment)

		gate := sys.NewGate(0)
		bridge.ImposeTimelineSemaphoreMomentCondition(moment, gate)

		if err := dev.SignalSemaphore(moment.Semaphore, moment.Value); err != nil {
			telemetry.Error(err)
		}
		gate.Wait()

		atlas.AccessRangeBegin(readerSlot)
		atlas.FindIdentifiedRegion(id, readerSlot)
		atlas.AccessRangeEnd(readerSlot, vkdevice.Moment{})
	}
	telemetry.Infof("demo workload completed %d round trips", ticks)
}

type devNull struct{}

func (devNull) Write(p []byte) (int, error) { return len(p), nil }
