package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/yirzhou/beacon"
	"github.com/yirzhou/beacon/config"
	"github.com/yirzhou/beacon/engine"
	"github.com/yirzhou/beacon/httpapi"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run a pool of workers against a remote orchestrator",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runAgent(ctx)
	},
}

func runAgent(ctx context.Context) error {
	if err := setupMetrics("beacon-agent"); err != nil {
		return err
	}
	ac := cfg.Agent
	if ac.AgentID == "" {
		ac.AgentID = uuid.NewString()
	}
	log := logger.Named("agent").With("agent_id", ac.AgentID)

	serializer := beacon.NewMsgpackSerializer()
	engines := beacon.NewEngineRegistry(logger)
	engine.Register(serializer, engines, logger)

	client := httpapi.NewClient(ac.OrchestratorURL, httpapi.ClientOptions{
		APIToken: ac.APIToken,
		Timeout:  ac.RequestTimeout,
	})

	sup, err := beacon.NewSupervisor(client, beacon.SupervisorOptions{
		AgentID:           ac.AgentID,
		Capacity:          ac.Capacity,
		PollInterval:      ac.PollInterval,
		HeartbeatInterval: ac.HeartbeatInterval,
		StopTimeout:       ac.StopTimeout,
		Capabilities:      ac.Capabilities,
		Serializer:        serializer,
		Engines:           engines,
		Observers: []beacon.JobObserver{beacon.ObserverFuncs{
			Completed: func(e beacon.JobEvent) {
				if e.Err != nil {
					log.Warn("job failed", "worker_id", e.WorkerID, "job_id", e.Job.ID, "error", e.Err)
					return
				}
				log.Info("job completed", "worker_id", e.WorkerID, "job_id", e.Job.ID)
			},
			Canceled: func(e beacon.JobEvent) {
				log.Info("job canceled", "worker_id", e.WorkerID, "job_id", e.Job.ID, "reason", e.Reason)
			},
		}},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	if configPath != "" {
		go func() {
			err := config.Watch(ctx, configPath, log, func(next *config.Config) {
				sup.SetCapabilities(next.Agent.Capabilities)
				sup.SetIntervals(next.Agent.PollInterval, next.Agent.HeartbeatInterval)
			})
			if err != nil {
				log.Warn("configuration watch stopped", "error", err)
			}
		}()
	}

	if err := sup.Start(ctx); err != nil {
		return err
	}
	log.Info("agent running", "orchestrator", ac.OrchestratorURL, "capacity", ac.Capacity, "engines", engines.Types())
	<-ctx.Done()
	return sup.Stop(context.Background())
}
