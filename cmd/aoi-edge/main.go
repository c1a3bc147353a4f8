package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/aoi.edge/internal/alignment"
	"github.com/banshee-data/aoi.edge/internal/api"
	"github.com/banshee-data/aoi.edge/internal/config"
	"github.com/banshee-data/aoi.edge/internal/db"
	"github.com/banshee-data/aoi.edge/internal/fsutil"
	"github.com/banshee-data/aoi.edge/internal/history"
	"github.com/banshee-data/aoi.edge/internal/httputil"
	"github.com/banshee-data/aoi.edge/internal/inspect"
	"github.com/banshee-data/aoi.edge/internal/motion"
	"github.com/banshee-data/aoi.edge/internal/orchestrator"
	"github.com/banshee-data/aoi.edge/internal/program"
	"github.com/banshee-data/aoi.edge/internal/serialmux"
	"github.com/banshee-data/aoi.edge/internal/timeutil"
	"github.com/banshee-data/aoi.edge/internal/transform"
	"github.com/banshee-data/aoi.edge/internal/upload"
	"github.com/banshee-data/aoi.edge/internal/version"
)

var (
	devMode     = flag.Bool("dev", false, "Simulate the gantry in process instead of driving a controller")
	emulate     = flag.Bool("emulate", false, "With -dev, speak the FluidNC protocol to an emulated controller")
	listen      = flag.String("listen", ":8000", "HTTP listen address")
	port        = flag.String("port", "/dev/ttyUSB0", "Serial port of the motion controller (ignored in dev mode)")
	baud        = flag.Int("baud", 115200, "Serial baud rate")
	framing     = flag.String("framing", "8N1", "Serial data bits, parity and stop bits")
	dbFile      = flag.String("db", "aoi.db", "Path to the SQLite database file")
	configFile  = flag.String("config", config.DefaultConfigPath, "Path to the machine config JSON file")
	showVersion = flag.Bool("version", false, "Print the version and exit")
)

const frameDelay = 30 * time.Millisecond

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if flag.NArg() > 0 && flag.Arg(0) == "migrate" {
		if err := db.RunMigrateCommand(flag.Args()[1:], *dbFile, os.Stdout); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		return
	}
	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	log.Printf("starting %s", version.String())

	cfg, haveConfigFile := loadConfig(*configFile)

	database, err := db.NewDB(*dbFile)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	ctrl, controllerSerial, mode := openController(cfg)
	defer controllerSerial.Close()

	// run the monitor routine to manage IO on the serial port
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := controllerSerial.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("failed to monitor serial port: %v", err)
		}
		log.Print("monitor routine terminated")
	}()
	if err := controllerSerial.Initialize(); err != nil {
		log.Fatalf("failed to initialize controller: %v", err)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		serialmux.LogControllerEvents(ctx, controllerSerial, nil)
	}()

	guard := motion.NewGuard(ctrl)

	programs := program.NewStore(database)
	workspace, err := program.NewWorkspace(ctx, programs, guard, nil)
	if err != nil {
		log.Fatalf("Failed to restore working program: %v", err)
	}

	hist := history.NewStore(database, fsutil.OSFileSystem{}, cfg.HistoryDir())
	if url := cfg.GetTrainingHostURL(); url != "" {
		client := httputil.NewStandardClient(&http.Client{Timeout: cfg.GetUploadTimeout()})
		hist.SetUploader(upload.NewClient(url, client))
		log.Printf("uploads go to training host %s", url)
	} else {
		log.Print("no training_host_url configured; uploads disabled")
	}

	orch := orchestrator.New(guard, newInspector(cfg), hist, orchestrator.Options{
		SettleTime:     cfg.GetSettleTime(),
		MotionTimeout:  cfg.GetMotionTimeout(),
		InspectTimeout: cfg.GetInspectTimeout(),
		Clock:          timeutil.RealClock{},
	})
	session := alignment.New(guard, orch, alignment.Options{
		Transform: transform.Options{
			AllowScale:  cfg.GetAllowScale(),
			MaxResidual: cfg.GetMaxResidualMM(),
		},
		MotionTimeout: cfg.GetMotionTimeout(),
	})

	srv := api.NewServer(api.Deps{
		Mode:         mode,
		Config:       cfg,
		Guard:        guard,
		Workspace:    workspace,
		Programs:     programs,
		Session:      session,
		Orchestrator: orch,
		History:      hist,
	})

	if haveConfigFile {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := config.Watch(ctx, *configFile, func(c *config.MachineConfig) {
				srv.SetConfig(c)
				log.Printf("reloaded %s", *configFile)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("config watcher stopped: %v", err)
			}
		}()
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := srv.ServeMux()
		srv.AttachDebugRoutes(mux)
		controllerSerial.AttachAdminRoutes(mux)
		database.AttachAdminRoutes(mux)

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			log.Printf("HTTP server listening on %s (%s mode)", *listen, mode)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
		log.Printf("HTTP server routine stopped")
	}()

	<-ctx.Done()

	// Let the point in progress finish so its result is recorded.
	if orch.Stop() {
		log.Print("stopping run in progress...")
	}
	waitCtx, cancel := context.WithTimeout(context.Background(), cfg.GetMotionTimeout()+cfg.GetInspectTimeout())
	if err := orch.Wait(waitCtx); err != nil {
		log.Printf("run did not finish before shutdown: %v", err)
	}
	cancel()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}

// loadConfig reads the machine config, falling back to defaults when the
// file does not exist. It reports whether a file was loaded.
func loadConfig(path string) (*config.MachineConfig, bool) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		log.Printf("config %s not found, using defaults", path)
		return config.DefaultMachineConfig(), false
	}
	cfg, err := config.LoadMachineConfig(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("loaded config %s", path)
	return cfg, true
}

// openController picks the motion controller for the run mode. The
// returned serial link is a disabled stub for the in-process simulator.
func openController(cfg *config.MachineConfig) (motion.Controller, serialmux.SerialMuxInterface, string) {
	fluidOpts := motion.FluidNCOptions{
		FeedRate:        cfg.GetFeedRate(),
		ResponseTimeout: 5 * time.Second,
		PollInterval:    50 * time.Millisecond,
	}

	switch {
	case *devMode && *emulate:
		m, _ := serialmux.NewEmulatedSerialMux()
		return motion.NewFluidNC(m, fluidOpts), m, "emulated"
	case *devMode:
		sim := motion.NewSimController(motion.SimOptions{
			SoftLimitX: cfg.GetSoftLimitX(),
			SoftLimitY: cfg.GetSoftLimitY(),
			FeedRate:   cfg.GetFeedRate(),
		})
		return sim, serialmux.NewDisabledSerialMux(), "simulation"
	}

	if *port == "" {
		log.Fatal("Serial port is required")
	}
	m, err := serialmux.NewRealSerialMux(*port, serialmux.PortOptions{BaudRate: *baud, Framing: *framing})
	if err != nil {
		log.Fatalf("failed to open motion controller port: %v", err)
	}
	log.Printf("opened motion controller on %s at %d %s", *port, *baud, *framing)
	return motion.NewFluidNC(m, fluidOpts), m, "hardware"
}

// newInspector assembles the capture and judgement pipeline. Frames come
// from the synthetic camera; judgement goes to the inference service when
// one is configured.
func newInspector(cfg *config.MachineConfig) inspect.Inspector {
	camera := inspect.NewSimCamera(frameDelay, timeutil.RealClock{})

	var detector inspect.Detector
	if url := cfg.GetInferenceURL(); url != "" {
		client := httputil.NewStandardClient(&http.Client{Timeout: cfg.GetInspectTimeout()})
		detector = inspect.NewHTTPDetector(url, client)
		log.Printf("inference service at %s", url)
	} else {
		detector = inspect.NewSimDetector(cfg.GetNGProbability(), nil)
		log.Printf("simulated detector, NG probability %.2f", cfg.GetNGProbability())
	}
	return inspect.NewPipeline(camera, detector)
}
