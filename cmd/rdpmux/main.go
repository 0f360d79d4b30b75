// Command rdpmux is the RDPMux core process: it owns the VM Router,
// listens for D-Bus Register calls on the Management Surface, and spawns a
// Listener per registered VM. Flag parsing follows spec.md §6, the Go
// analogue of the original main.cpp's boost::program_options table.
package main

import (
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/datto/rdpmux/internal/mgmt"
	"github.com/datto/rdpmux/internal/rdpmuxlog"
	"github.com/datto/rdpmux/internal/router"
)

// Exit codes, spec §6.
const (
	exitSuccess           = 0
	exitInvalidArgsOrInit = 1
	exitMgmtRegistration  = 129
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		port       uint16
		noAuth     bool
		configPath string
		verbosity  int
		help       bool
	)

	pflag.Uint16VarP(&port, "port", "p", 3901, "Base port for listener allocation")
	pflag.BoolVarP(&noAuth, "no-auth", "n", false, "Disable authentication for peer connections")
	pflag.StringVarP(&configPath, "config-path", "c", "/etc/rdpmux", "Configuration directory path")
	pflag.CountVarP(&verbosity, "verbose", "v", "Enable verbose output")
	pflag.BoolVarP(&help, "help", "h", false, "Show help")
	pflag.Parse()

	if help {
		pflag.Usage()
		return exitSuccess
	}

	rdpmuxlog.SetVerbosity(verbosity)

	if port == 0 {
		rdpmuxlog.Errorf("invalid port number %d", port)
		return exitInvalidArgsOrInit
	}
	if port < 1024 {
		rdpmuxlog.Warnf("port number is low (below 1024), may conflict with other system services")
	}
	rdpmuxlog.Infof("config path is %s", configPath)

	auth := !noAuth

	socketPath := filepath.Join(os.TempDir(), "rdpmux", "rdpmux.sock")
	if err := os.MkdirAll(filepath.Dir(socketPath), 0755); err != nil {
		rdpmuxlog.Errorf("could not create socket directory: %v", err)
		return exitInvalidArgsOrInit
	}
	_ = os.Remove(socketPath)

	r, err := router.New(socketPath, port)
	if err != nil {
		rdpmuxlog.Errorf("error initializing router: %v", err)
		return exitInvalidArgsOrInit
	}
	go r.Run()

	m, err := mgmt.New(r, "ipc://"+socketPath, auth)
	if err != nil {
		rdpmuxlog.Errorf("could not initialize management surface, exiting: %v", err)
		r.Shutdown()
		r.Stop()
		_ = r.Close()
		return exitMgmtRegistration
	}

	rdpmuxlog.Infof("RDPMux initialized successfully!")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT)
	<-sigCh

	rdpmuxlog.Infof("SIGINT received, cleaning up")
	_ = m.Close()
	r.Shutdown()
	r.Stop()
	_ = r.Close()

	// Re-raise under the default disposition, mirroring the original's
	// handle_SIGINT: cleanup runs once, then the signal terminates the
	// process the normal way.
	signal.Stop(sigCh)
	signal.Reset(syscall.SIGINT)
	_ = syscall.Kill(os.Getpid(), syscall.SIGINT)
	return exitSuccess
}
