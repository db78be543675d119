package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dustin/go-humanize"

	"tablefs/internal/config"
	"tablefs/internal/fs"
	"tablefs/internal/logging"
	"tablefs/internal/state"
)

var (
	logger = logging.GetLogger()
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Parse(args, os.LookupEnv)
	if errors.Is(err, config.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "tablefs: %v\n", err)
		fmt.Fprintln(os.Stderr, "usage: tablefs [flags] <mountpoint> [storage-name]")
		return 2
	}

	// Configure logging based on flags
	level, _ := logging.ParseLevel(cfg.LogLevel)
	logger.SetLevel(level)

	logger.Info("Starting tablefs...")
	logger.Debug("Mount point: %s", cfg.MountPoint)
	logger.Debug("Storage: %s", cfg.Storage)
	logger.Debug("Table: %d entries, %s per file, paths up to %d bytes",
		cfg.Capacity, humanize.IBytes(uint64(cfg.MaxContent)), cfg.MaxPath)

	cleanMount := filepath.Clean(cfg.MountPoint)

	logger.Info("Initializing state manager...")
	stateManager, err := state.NewManager(cfg.Storage, cfg.StateOptions())
	if err != nil {
		logger.Error("Failed to initialize state manager: %v", err)
		return 1
	}

	policy := fs.RemovePolicyDirect
	if cfg.RecursiveRemove {
		policy = fs.RemovePolicyRecursive
	}
	ops := fs.NewDispatcher(stateManager, fs.DispatcherOptions{
		Table:        cfg.TableOptions(),
		RemovePolicy: policy,
	})
	tfs := fs.NewTableFS(ops)

	logger.Debug("Setting up signal handlers...")
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	logger.Info("Mounting filesystem...")
	if err := tfs.Mount(cleanMount, fs.MountOptions{AllowOther: cfg.AllowOther}); err != nil {
		logger.Error("Mount failed: %v", err)
		return 1
	}
	logger.Info("Filesystem mounted and ready")

	// Wait for signal
	go func() {
		sig := <-sigChan
		logger.Info("Received signal %v", sig)
		if err := tfs.Unmount(cleanMount); err != nil {
			logger.Error("Unmount error: %v", err)
		}
	}()

	if err := tfs.Wait(); err != nil {
		logger.Error("FUSE server stopped with error: %v", err)
	}
	logger.Debug("FUSE server stopped")

	status := 0
	if err := tfs.Close(); err != nil {
		logger.Error("Failed to persist table: %v", err)
		status = 1
	}
	logger.Info("Clean shutdown complete")
	return status
}
