package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/loggo"
)

// APPLICATION STATE

var (
	cfg    = &config{}
	logger = loggo.GetLogger("main")
)

// APPLICATION ENTRY POINT

func main() {
	// SETUP

	if err := cfg.fromFile("config.json"); err != nil {
		cfg = &config{
			SerialDevice:       "/dev/ttyUSB0",
			BackendHostname:    "k3s-node1",
			BackendFallbackURL: "http://192.168.1.50:8080",
			AdminHTTPPort:      "8899",
			MachineID:          "vm-0001",
			LogLevels:          defaultLogLevels,
		}
		logger.Warningf("no config.json found, using built-in defaults")
	}
	cfg.applyEnvOverrides()

	if err := configureLogging(cfg.LogLevels, cfg.ErrorLogFile); err != nil {
		logger.Warningf("logging configuration failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backendURL := resolveBackendURL(ctx, cfg.BackendHostname, cfg.BackendFallbackURL)
	backend := NewHTTPBackend(backendURL, cfg.BackendAPIKey, cfg.MachineID)

	machine := NewPeripheralMachine()
	cashSale := NewCashSaleForwarder(backend)
	reader := newStubReader()
	coord := NewCoordinator(machine, reader, backend)

	portMgr := NewPortManager(cfg.SerialDevice, func(device string) (NinebitPort, error) {
		return openUARTPort(device)
	})
	if err := portMgr.Open(); err != nil {
		logger.Errorf("initial serial open failed, will retry in background: %v", err)
	}
	go portMgr.Monitor(ctx)

	engine := newEngineWithPortManager(portMgr, machine, cashSale, coord, cfg.EnableCommsGateway)

	metricsReg := registerMetrics()
	admin := NewAdminServer(metricsReg, machine)
	admin.Start()

	mux := http.NewServeMux()
	admin.RegisterHandlers(mux)

	logger.Infof("starting coordinator")
	go coord.Run(ctx)

	logger.Infof("starting cash-sale forwarder")
	go cashSale.Run(ctx)

	logger.Infof("starting peripheral watchdogs")
	stopWatchdogs := make(chan struct{})
	go machine.RunWatchdogs(stopWatchdogs)

	logger.Infof("starting protocol engine on %v", cfg.SerialDevice)
	go engine.RunForever(ctx, portMgr)

	logger.Infof("starting admin HTTP server on :%v", cfg.AdminHTTPPort)
	srv := &http.Server{Addr: ":" + cfg.AdminHTTPPort, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("admin HTTP server stopped: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Infof("shutting down")
	close(stopWatchdogs)
	cancel()
	srv.Close()
}
