// Command coderun is the job orchestrator service: it exposes the HTTP
// facade, drives jobs through the agent runtime, and can run either role
// in-process or split across a serve/worker deployment (spec.md §4.11).
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kraklabs/coderun/internal/agentclient"
	"github.com/kraklabs/coderun/internal/api"
	"github.com/kraklabs/coderun/internal/artifact"
	"github.com/kraklabs/coderun/internal/config"
	"github.com/kraklabs/coderun/internal/eventbridge"
	"github.com/kraklabs/coderun/internal/executor"
	"github.com/kraklabs/coderun/internal/orchestrator"
	"github.com/kraklabs/coderun/internal/permission"
	"github.com/kraklabs/coderun/internal/queue"
	"github.com/kraklabs/coderun/internal/repository"
	"github.com/kraklabs/coderun/internal/skills"
	"github.com/kraklabs/coderun/internal/workspace"
)

// version is a fixed string; the teacher repo stamps this via -ldflags at
// release time, which this build does not wire up.
var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "coderun",
		Short: "Job orchestrator for the coding-agent runtime",
	}
	root.AddCommand(serveCmd())
	root.AddCommand(workerCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "coderun: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the coderun version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API together with an in-process worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), true)
		},
	}
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the worker pool only, without serving HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), false)
		},
	}
}

// run wires the full dependency graph in startup order (SPEC_FULL.md §4.11)
// and blocks until it receives SIGTERM/SIGINT or the HTTP server dies.
func run(ctx context.Context, serveHTTP bool) error {
	logger := log.New(os.Stdout, "coderun ", log.LstdFlags|log.LUTC)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	repo, err := repository.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("repository: %w", err)
	}
	defer repo.Close()

	workspaces := workspace.New(cfg.DataRoot, cfg.MaxUploadFileSizeBytes)

	registry := skills.NewRegistry()
	router := skills.NewRouter(registry, cfg.SkillFallbackThreshold)

	agentCreds := agentclient.Credentials{
		Username: cfg.OpencodeServerUsername,
		Password: cfg.OpencodeServerPassword,
	}
	agentClient := agentclient.New(cfg.OpencodeBaseURL, agentCreds, cfg.OpencodeRequestTimeout)

	eventCreds := eventbridge.Credentials{
		Username: cfg.OpencodeServerUsername,
		Password: cfg.OpencodeServerPassword,
	}
	bridge := eventbridge.New(cfg.OpencodeBaseURL, eventCreds, cfg.StreamReadTimeout)

	policy := permission.NewEngine()
	artifacts := artifact.New()

	execCfg := executor.Config{
		JobSoftTimeout:        cfg.JobSoftTimeout,
		JobHardTimeout:        cfg.JobHardTimeout,
		PermissionWaitTimeout: cfg.PermissionWaitTimeout,
	}
	exec := executor.New(repo, registry, workspaces, artifacts, agentClient, bridge, policy, execCfg, logger)

	jobQueue := queue.NewChannel(cfg.WorkerPoolSize*4, cfg.WorkerPoolSize, cfg.JobHardTimeout, logger)

	svc := orchestrator.New(repo, registry, router, workspaces, agentClient, jobQueue,
		cfg.DefaultAgent, cfg.DefaultTenantID, cfg.DefaultCreatedBy)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)

	queueDone := make(chan struct{})
	go func() {
		defer close(queueDone)
		jobQueue.Run(runCtx, exec)
	}()

	var httpSrv *http.Server
	httpDone := make(chan error, 1)
	if serveHTTP {
		srv := api.New(svc, cfg.APIPrefix, cfg.MaxUploadFileSizeBytes, logger)
		httpSrv = &http.Server{
			Addr:              cfg.Addr,
			Handler:           srv.Router(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Printf("listening on %s", cfg.Addr)
			err := httpSrv.ListenAndServe()
			if err != nil && err != http.ErrServerClosed {
				httpDone <- err
				return
			}
			httpDone <- nil
		}()
	}

	select {
	case <-stop:
		logger.Printf("shutting down...")
	case err := <-httpDone:
		if err != nil {
			logger.Printf("http server error: %v", err)
		}
	}

	if httpSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Printf("http shutdown: %v", err)
		}
	}
	cancel()
	<-queueDone

	return nil
}
