// fleet deploys and manages multi-agent jobs: it resolves a job YAML into a
// staged deployment plan, launches agent processes locally or over SSH, and
// serves as the agent runtime itself via the agent subcommand.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"

	"github.com/JaimeCernuda/agentic-deployment-engine-sub000/pkg/agent"
	"github.com/JaimeCernuda/agentic-deployment-engine-sub000/pkg/config"
	"github.com/JaimeCernuda/agentic-deployment-engine-sub000/pkg/health"
	"github.com/JaimeCernuda/agentic-deployment-engine-sub000/pkg/observability"
	"github.com/JaimeCernuda/agentic-deployment-engine-sub000/pkg/orchestrator"
	"github.com/JaimeCernuda/agentic-deployment-engine-sub000/pkg/topology"
	"github.com/JaimeCernuda/agentic-deployment-engine-sub000/pkg/version"
)

const usageText = `fleet — multi-agent deployment and orchestration

Usage:
  fleet deploy <job.yaml> [-source dir] [-detach]   deploy a job and monitor it
  fleet stop <job_id> [-grace 5s]                   stop a deployed job
  fleet list                                        list known jobs
  fleet status <job_id>                             show per-agent health
  fleet logs <job_id> [-agent id] [-tail bytes] [-follow]
                                                    show captured agent logs
  fleet validate <job.yaml>                         check a job file, list all issues
  fleet plan <job.yaml>                             print the resolved deployment plan
  fleet cleanup                                     drop stopped and failed jobs from the registry
  fleet agent                                       run as an agent process (configured via AGENT_* env)
  fleet version                                     print the build version
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usageText)
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]

	if err := godotenv.Load(); err == nil {
		slog.Debug("Loaded environment from .env")
	}
	observability.SetupLogging()

	var err error
	switch cmd {
	case "deploy":
		err = cmdDeploy(args)
	case "stop":
		err = cmdStop(args)
	case "list":
		err = cmdList(args)
	case "status":
		err = cmdStatus(args)
	case "logs":
		err = cmdLogs(args)
	case "validate":
		err = cmdValidate(args)
	case "plan":
		err = cmdPlan(args)
	case "cleanup":
		err = cmdCleanup(args)
	case "agent":
		err = cmdAgent(args)
	case "version":
		fmt.Println(version.String())
	case "help", "-h", "--help":
		fmt.Print(usageText)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usageText)
		os.Exit(2)
	}
	if err != nil {
		slog.Error("Command failed", "command", cmd, "error", err)
		os.Exit(1)
	}
}

func newOrchestrator() (*orchestrator.Orchestrator, error) {
	path := os.Getenv("FLEET_REGISTRY")
	if path == "" {
		var err error
		if path, err = orchestrator.DefaultRegistryPath(); err != nil {
			return nil, err
		}
	}
	reg, err := orchestrator.NewRegistry(path)
	if err != nil {
		return nil, err
	}
	return orchestrator.New(reg), nil
}

func cmdDeploy(args []string) error {
	fs := flag.NewFlagSet("deploy", flag.ExitOnError)
	source := fs.String("source", "", "local directory transferred to remote workdirs")
	detach := fs.Bool("detach", false, "exit after the job is healthy instead of monitoring it")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: fleet deploy <job.yaml>")
	}
	path := fs.Arg(0)

	def, err := config.Load(path)
	if err != nil {
		return err
	}
	o, err := newOrchestrator()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	absPath, _ := filepath.Abs(path)
	job, err := o.Deploy(ctx, def, orchestrator.DeployOptions{
		ConfigPath: absPath,
		SourceDir:  *source,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Deployed %s\n", job.JobID)
	for _, stage := range job.Plan.Stages {
		for _, id := range stage {
			fmt.Printf("  %-20s %s\n", id, job.Plan.URLs[id])
		}
	}

	if *detach {
		fmt.Printf("\nStop with: fleet stop %s\n", job.JobID)
		return nil
	}

	monitor := o.Monitor(job, func(agentID string, from, to health.State) {
		fmt.Printf("%s  %s: %s -> %s\n",
			time.Now().Format(time.TimeOnly), agentID, from, to)
	})
	fmt.Printf("\nMonitoring %s (Ctrl-C leaves the job running; stop with: fleet stop %s)\n",
		job.JobID, job.JobID)
	monitor.Run(ctx)
	return nil
}

func cmdStop(args []string) error {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	grace := fs.Duration("grace", orchestrator.DefaultStopGrace, "graceful shutdown budget per agent")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: fleet stop <job_id>")
	}
	o, err := newOrchestrator()
	if err != nil {
		return err
	}
	jobID := fs.Arg(0)
	if err := o.StopJobID(context.Background(), jobID, *grace); err != nil {
		return err
	}
	fmt.Printf("Stopped %s\n", jobID)
	return nil
}

func cmdList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	_ = fs.Parse(args)
	o, err := newOrchestrator()
	if err != nil {
		return err
	}
	records, err := o.List(context.Background())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
	fmt.Fprintln(w, "JOB ID\tNAME\tSTATE\tAGENTS\tSTARTED")
	for _, rec := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			rec.JobID, rec.Name, rec.State, len(rec.Agents),
			rec.StartedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func cmdStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: fleet status <job_id>")
	}
	o, err := newOrchestrator()
	if err != nil {
		return err
	}
	status, err := o.Status(context.Background(), fs.Arg(0))
	if err != nil {
		return err
	}

	fmt.Printf("%s  state=%s\n", status.Job.JobID, status.Job.State)
	w := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
	fmt.Fprintln(w, "AGENT\tURL\tPID\tHEALTHY")
	for _, a := range status.Agents {
		fmt.Fprintf(w, "%s\t%s\t%d\t%t\n", a.Record.ID, a.Record.URL, a.Record.PID, a.Healthy)
	}
	return w.Flush()
}

func cmdLogs(args []string) error {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	agentID := fs.String("agent", "", "show logs for one agent only")
	tail := fs.Int64("tail", 16*1024, "bytes from the end of each stream")
	follow := fs.Bool("follow", false, "keep streaming new local log output until interrupted")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: fleet logs <job_id>")
	}
	o, err := newOrchestrator()
	if err != nil {
		return err
	}
	chunks, err := o.Logs(context.Background(), fs.Arg(0), *agentID, *tail)
	if err != nil {
		return err
	}
	for _, c := range chunks {
		fmt.Printf("==> %s (%s) <==\n%s\n", c.AgentID, c.Stream, c.Content)
	}
	if !*follow {
		return nil
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	if err := o.FollowLogs(ctx, fs.Arg(0), *agentID, os.Stdout); !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func cmdValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: fleet validate <job.yaml>")
	}
	_, issues, err := config.LoadWithIssues(fs.Arg(0))
	if err != nil {
		return err
	}
	fatal := 0
	for _, issue := range issues {
		fmt.Println(issue.String())
		if issue.Severity == config.SeverityError {
			fatal++
		}
	}
	if fatal > 0 {
		return fmt.Errorf("%d fatal issues", fatal)
	}
	fmt.Println("ok")
	return nil
}

func cmdPlan(args []string) error {
	fs := flag.NewFlagSet("plan", flag.ExitOnError)
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: fleet plan <job.yaml>")
	}
	def, err := config.Load(fs.Arg(0))
	if err != nil {
		return err
	}
	plan, err := topology.Resolve(def)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(plan)
}

func cmdCleanup(args []string) error {
	fs := flag.NewFlagSet("cleanup", flag.ExitOnError)
	_ = fs.Parse(args)
	o, err := newOrchestrator()
	if err != nil {
		return err
	}
	removed, err := o.Cleanup()
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d jobs\n", removed)
	return nil
}

func cmdAgent(args []string) error {
	fs := flag.NewFlagSet("agent", flag.ExitOnError)
	_ = fs.Parse(args)

	cfg, err := agent.ConfigFromEnv()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	rt, err := agent.NewRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	return rt.Run(ctx)
}
