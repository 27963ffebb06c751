package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/yirzhou/beacon"
	"github.com/yirzhou/beacon/config"
	"github.com/yirzhou/beacon/engine"
	"github.com/yirzhou/beacon/httpapi"
)

var (
	listStatus  string
	listType    string
	listLimit   int
	addName     string
	addDemands  []string
	addTimeout  time.Duration
	addEnv      []string
	addArgsMode bool
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage jobs on a running orchestrator",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient()
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tTYPE\tSTATUS\tWORKER\tUPDATED")
		token := ""
		for {
			page, err := client.ListJobs(cmd.Context(), listStatus, listType, token, listLimit)
			if err != nil {
				return err
			}
			for _, j := range page.Jobs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", j.ID, j.Name, j.ConfigurationType,
					colorStatus(j.LifetimeData.Status), j.LifetimeData.AssignedWorker,
					j.LifetimeData.Updated.Format(time.RFC3339))
			}
			if page.ContinuationToken == "" {
				break
			}
			token = page.ContinuationToken
		}
		return w.Flush()
	},
}

var jobsGetCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := newClient().GetJob(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printJob(job)
		return nil
	},
}

var jobsAddCmd = &cobra.Command{
	Use:   "add <command> [args...]",
	Short: "Submit a command job",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := buildCommandJob(args)
		if err != nil {
			return err
		}
		created, err := newClient().CreateJob(cmd.Context(), job)
		if err != nil {
			return err
		}
		fmt.Printf("job %s created\n", created.ID)
		return nil
	},
}

var jobsCancelCmd = jobActionCmd("cancel", "Ask the worker running a job to stop", (*httpapi.Client).CancelJob)
var jobsResetCmd = jobActionCmd("reset", "Make a finished job assignable again", (*httpapi.Client).ResetJob)
var jobsDeleteCmd = jobActionCmd("delete", "Remove a job", (*httpapi.Client).DeleteJob)

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "List workers seen by the orchestrator",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		workers, err := newClient().Workers(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "WORKER\tAGENT\tSTATUS\tJOB\tLAST SEEN")
		for _, wi := range workers {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", wi.WorkerID, wi.AgentID, wi.Status, wi.ActiveJobID, wi.LastSeen.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

func init() {
	jobsListCmd.Flags().StringVar(&listStatus, "status", "", "only jobs in this status")
	jobsListCmd.Flags().StringVar(&listType, "type", "", "only jobs of this configuration type")
	jobsListCmd.Flags().IntVar(&listLimit, "page-size", 100, "jobs fetched per request")

	jobsAddCmd.Flags().StringVar(&addName, "name", "", "job name")
	jobsAddCmd.Flags().StringSliceVar(&addDemands, "demand", nil, "capability the worker must have, as key=value")
	jobsAddCmd.Flags().StringSliceVar(&addEnv, "env", nil, "environment variable for the command, as KEY=VALUE")
	jobsAddCmd.Flags().DurationVar(&addTimeout, "timeout", 0, "kill the command after this long")
	jobsAddCmd.Flags().BoolVar(&addArgsMode, "exec", false, "run the command directly instead of through sh -c")

	jobsCmd.AddCommand(jobsListCmd, jobsGetCmd, jobsAddCmd, jobsCancelCmd, jobsResetCmd, jobsDeleteCmd, workersCmd)
}

func newClient() *httpapi.Client {
	return httpapi.NewClient(cfg.Agent.OrchestratorURL, httpapi.ClientOptions{
		APIToken: cfg.Agent.APIToken,
		Timeout:  cfg.Agent.RequestTimeout,
	})
}

func jobActionCmd(use, short string, fn func(*httpapi.Client, context.Context, string) (*beacon.Job, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <job-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := fn(newClient(), cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("job %s is %s\n", job.ID, colorStatus(job.LifetimeData.Status))
			return nil
		},
	}
}

func buildCommandJob(args []string) (*beacon.Job, error) {
	cc := engine.CommandConfig{Timeout: addTimeout}
	if addArgsMode {
		cc.Command, cc.Args = args[0], args[1:]
	} else {
		cc.Command = strings.Join(args, " ")
	}
	if len(addEnv) > 0 {
		env, err := config.ParseCapabilities(strings.Join(addEnv, ","))
		if err != nil {
			return nil, fmt.Errorf("--env: %w", err)
		}
		cc.Env = env
	}
	demands, err := config.ParseCapabilities(strings.Join(addDemands, ","))
	if err != nil {
		return nil, fmt.Errorf("--demand: %w", err)
	}

	serializer := beacon.NewMsgpackSerializer()
	engine.Register(serializer, beacon.NewEngineRegistry(nil), nil)
	payload, tag, err := serializer.Serialize(&cc)
	if err != nil {
		return nil, err
	}
	job := &beacon.Job{
		Name:              addName,
		ConfigurationType: tag,
		Configuration:     payload,
	}
	for k, v := range demands {
		job.Demands = append(job.Demands, beacon.Demand{Key: k, Value: v})
	}
	return job, nil
}

func colorStatus(s beacon.JobStatus) string {
	var c *color.Color
	switch s {
	case beacon.StatusCompleted:
		c = color.New(color.FgGreen)
	case beacon.StatusRunning, beacon.StatusAssigned:
		c = color.New(color.FgCyan)
	case beacon.StatusError:
		c = color.New(color.FgRed)
	case beacon.StatusCanceled, beacon.StatusDeleted:
		c = color.New(color.FgYellow)
	default:
		return s.String()
	}
	return c.Sprint(s.String())
}

func printJob(j *beacon.Job) {
	bold := color.New(color.Bold).SprintFunc()
	fmt.Printf("%s %s\n", bold("ID:"), j.ID)
	if j.Name != "" {
		fmt.Printf("%s %s\n", bold("Name:"), j.Name)
	}
	fmt.Printf("%s %s\n", bold("Type:"), j.ConfigurationType)
	fmt.Printf("%s %s\n", bold("Status:"), colorStatus(j.LifetimeData.Status))
	fmt.Printf("%s %d\n", bold("Version:"), j.Version)
	fmt.Printf("%s %s\n", bold("Created:"), j.LifetimeData.Created.Format(time.RFC3339))
	fmt.Printf("%s %s\n", bold("Updated:"), j.LifetimeData.Updated.Format(time.RFC3339))
	if j.LifetimeData.AssignedWorker != "" {
		fmt.Printf("%s %s\n", bold("Worker:"), j.LifetimeData.AssignedWorker)
	}
	for _, d := range j.Demands {
		op := string(d.Operator)
		if op == "" {
			op = "="
		}
		fmt.Printf("%s %s %s %s\n", bold("Demand:"), d.Key, op, d.Value)
	}
	for worker, ps := range j.LifetimeData.ProcessingStatus {
		fmt.Printf("%s %s last heartbeat %s (%s)\n", bold("Processing:"), worker,
			ps.LastKnownHeartbeat.Format(time.RFC3339), ps.ProcessMode)
		if len(ps.LastKnownState) > 0 {
			fmt.Printf("  state: %s\n", ps.LastKnownState)
		}
	}
}
