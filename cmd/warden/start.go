package main

import (
	"fmt"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/axiomesh/axiom-kit/log"
	"github.com/meshwarden/warden"
	"github.com/meshwarden/warden/core"
	"github.com/meshwarden/warden/repo"
	"github.com/urfave/cli/v2"
)

func start(ctx *cli.Context) error {
	p, err := getRootPath(ctx)
	if err != nil {
		return err
	}
	r, err := repo.Load(p)
	if err != nil {
		return err
	}

	err = log.Initialize(
		log.WithReportCaller(r.Config.Log.ReportCaller),
		log.WithPersist(true),
		log.WithFilePath(filepath.Join(r.Config.RepoRoot, repo.LogsDirName)),
		log.WithFileName(r.Config.Log.Filename),
		log.WithMaxAge(r.Config.Log.MaxAge),
		log.WithRotationTime(r.Config.Log.RotationTime),
	)
	if err != nil {
		return fmt.Errorf("log initialize: %w", err)
	}

	printVersion()

	// the state synchronizer binding is supplied by the transport layer; an
	// in-memory stub keeps a standalone daemon runnable without one
	synchronizer := core.NewMockSynchronizer()

	w, err := core.NewWarden(ctx.Context, r.Config, synchronizer)
	if err != nil {
		return fmt.Errorf("new warden error: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	handleShutdown(w, &wg)

	if err := w.Start(); err != nil {
		return fmt.Errorf("start warden failed: %w", err)
	}

	fmt.Println("=============Warden is ready=============")

	wg.Wait()

	return nil
}

func printVersion() {
	fmt.Printf("Warden version: %s-%s-%s\n", warden.CurrentVersion, warden.CurrentBranch, warden.CurrentCommit)
	fmt.Printf("App build date: %s\n", warden.BuildDate)
	fmt.Printf("System version: %s\n", warden.Platform)
	fmt.Printf("Golang version: %s\n", warden.GoVersion)
	fmt.Println()
}

func handleShutdown(node *core.Warden, wg *sync.WaitGroup) {
	var stop = make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGTERM)
	signal.Notify(stop, syscall.SIGINT)

	go func() {
		<-stop
		fmt.Println("received interrupt signal, shutting down...")
		if err := node.Stop(); err != nil {
			panic(err)
		}
		wg.Done()
		os.Exit(0)
	}()
}
