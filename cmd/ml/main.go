package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"missionline/internal/app"
	"missionline/internal/config"
	"missionline/internal/db"
	"missionline/internal/domain"
	"missionline/internal/engine"
	"missionline/internal/engine/auth"
	"missionline/internal/repo"
	"missionline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ml",
	Short: "Missionline CLI",
	Long: `Missionline is a persistent job orchestrator.
- Mission: a unit of work with a status (planned -> active); owns tasks.
- Task: a named step of a mission with a kind and params; owns jobs.
- Job: one execution request. Jobs carry a priority, dependencies and an
  optional idempotency key, and move pending -> working -> completed/failed.
- Dispatcher: hands ready jobs to the execution bridge (file relay or Redis)
  under queue depth, inflight and per-mission rate limits, retrying with backoff.
- Chains: completed jobs may request follow-up jobs whose params are templates
  over earlier results; the chain runner resolves and dispatches them.
- Event log: every state change is recorded; see 'ml events list'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("MISSIONLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/missionline.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier recorded on events")
	for _, name := range []string{"workspace", "config", "json", "actor-id"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tickCmd())
	rootCmd.AddCommand(missionCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(chainCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(configCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create missionline.yml and the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.DefaultTemplate), 0o644); err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if viper.GetBool("json") {
					return printJSON(map[string]any{"config": path, "db": db.Path(workspace)})
				}
				fmt.Printf("Wrote %s\nDatabase at %s\n", path, db.Path(workspace))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr string
	var trustActor bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with the dispatcher, chain runner and webhooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				authCfg := server.AuthConfig{
					JWTSecret:        firstNonEmpty(viper.GetString("jwt-secret"), a.Config.Server.JWTSecret),
					JWTIssuer:        a.Config.Server.JWTIssuer,
					TrustActorHeader: trustActor,
				}
				if authCfg.JWTSecret == "" && !trustActor {
					fmt.Fprintln(os.Stderr, "warning: no server.jwt_secret set; only API keys will authenticate")
				}
				if addr == "" {
					addr = a.Config.Server.Addr
				}
				fmt.Printf("Serving missionline API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, a.Config.Server.BasePath, a.Config.Server.BasePath)
				return a.Serve(ctx, addr, authCfg)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	cmd.Flags().BoolVar(&trustActor, "trust-actor-header", false, "accept X-Actor-Id without credentials (local use only)")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens (env MISSIONLINE_JWT_SECRET)")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

func tickCmd() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run the dispatcher, chain runner and webhooks once",
		Long:  "Useful without a running server: dispatch ready jobs, sync results from the bridge, advance chains and push webhooks.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var all []app.TickStats
				for i := 0; i < count; i++ {
					st, err := a.Tick(ctx)
					if err != nil {
						return err
					}
					all = append(all, st)
				}
				if viper.GetBool("json") {
					return printJSON(all)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "Dispatched", "Completed", "Retried", "Failed", "Rate limited", "Chain specs", "Webhooks"})
				for i, st := range all {
					d := st.Dispatch
					tw.AppendRow(table.Row{i + 1, d.Dispatched, d.Completed, d.Retried, d.Failed + d.Exhausted, d.RateLimited, st.Chains.Dispatched, st.Webhooks})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&count, "count", 1, "number of ticks")
	return cmd
}

func missionCmd() *cobra.Command {
	m := &cobra.Command{Use: "mission", Short: "Manage missions"}
	m.AddCommand(missionCreateCmd())
	m.AddCommand(missionListCmd())
	m.AddCommand(missionShowCmd())
	m.AddCommand(missionSetStatusCmd())
	m.AddCommand(missionDeleteCmd())
	return m
}

func missionCreateCmd() *cobra.Command {
	var id, title, desc, status string
	var tags []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a mission",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				mission, err := a.Engine.CreateMission(ctx, engine.MissionCreateOptions{
					ID:          id,
					Title:       title,
					Description: desc,
					Status:      status,
					Tags:        tags,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(mission)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "mission id (generated when empty)")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&status, "status", "", "planned or active")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag (repeatable)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func missionListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List missions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListMissions(ctx, repo.MissionFilters{Status: status, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Tags", "Created"})
				for _, m := range items {
					tw.AppendRow(table.Row{m.ID, m.Title, m.Status, strings.Join(m.Tags, ","), m.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 100, "max rows")
	return cmd
}

func missionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <mission-id>",
		Short: "Show a mission with job and chain counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				m, err := a.Engine.Repo.GetMission(ctx, nil, args[0])
				if err != nil {
					return err
				}
				jobs, chains, err := a.Engine.Repo.MissionCounts(ctx, m.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"mission": m, "jobs": jobs, "chains": chains})
				}
				fmt.Printf("Mission: %s (%s)\n  %s\n", m.ID, m.Status, m.Title)
				fmt.Println("Jobs:")
				printCounts(jobs)
				fmt.Println("Chains:")
				printCounts(chains)
				return nil
			})
		},
	}
}

func missionSetStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-status <mission-id> <planned|active>",
		Short: "Change a mission's status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				m, err := a.Engine.SetMissionStatus(ctx, args[0], args[1], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
}

func missionDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <mission-id>",
		Short: "Delete a mission with its tasks, jobs and chains",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.DeleteMission(ctx, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Printf("deleted mission %s\n", args[0])
				return nil
			})
		},
	}
}

func taskCmd() *cobra.Command {
	t := &cobra.Command{Use: "task", Short: "Manage tasks"}
	t.AddCommand(taskCreateCmd())
	t.AddCommand(taskListCmd())
	t.AddCommand(taskShowCmd())
	return t
}

func taskCreateCmd() *cobra.Command {
	var id, missionID, name, kind, params string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parseObject("params", params)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				task, err := a.Engine.CreateTask(ctx, engine.TaskCreateOptions{
					ID:        id,
					MissionID: missionID,
					Name:      name,
					Kind:      kind,
					Params:    p,
					ActorID:   viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(task)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "task id (generated when empty)")
	cmd.Flags().StringVar(&missionID, "mission", "", "mission id")
	cmd.Flags().StringVar(&name, "name", "", "task name")
	cmd.Flags().StringVar(&kind, "kind", "", "task kind")
	cmd.Flags().StringVar(&params, "params", "", "params as a JSON object")
	_ = cmd.MarkFlagRequired("mission")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func taskListCmd() *cobra.Command {
	var missionID, kind string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListTasks(ctx, repo.TaskFilters{MissionID: missionID, Kind: kind, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Mission", "Name", "Kind", "Created"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.MissionID, t.Name, t.Kind, t.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&missionID, "mission", "", "mission filter")
	cmd.Flags().StringVar(&kind, "kind", "", "kind filter")
	cmd.Flags().IntVar(&limit, "limit", 100, "max rows")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.Repo.GetTask(ctx, nil, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func jobCmd() *cobra.Command {
	j := &cobra.Command{Use: "job", Short: "Manage jobs"}
	j.AddCommand(jobCreateCmd())
	j.AddCommand(jobListCmd())
	j.AddCommand(jobShowCmd())
	j.AddCommand(jobRequeueCmd())
	j.AddCommand(jobDeliverCmd())
	j.AddCommand(jobLeaseCmd())
	j.AddCommand(jobRenewCmd())
	return j
}

func jobCreateCmd() *cobra.Command {
	var taskID, payload, priority, key string
	var deps []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a job",
		Long:  "Payload must be a JSON object; its \"kind\" names the handler. Reusing --idempotency-key with the same payload returns the earlier job.",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parseObject("payload", payload)
			if err != nil {
				return err
			}
			if p == nil {
				return errors.New("--payload is required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.CreateJob(ctx, engine.JobCreateOptions{
					TaskID:         taskID,
					Payload:        p,
					Priority:       priority,
					DependsOn:      deps,
					IdempotencyKey: key,
					ActorID:        viper.GetString("actor-id"),
				})
				var conflict engine.IdempotencyConflict
				if errors.As(err, &conflict) && viper.GetBool("json") {
					_ = printJSON(conflict.Detail)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"job": res.Job, "existing": res.Existing, "cached_result": res.CachedResult})
				}
				if res.Existing {
					fmt.Printf("existing job %s (%s)\n", res.Job.ID, res.Job.Status)
					return nil
				}
				fmt.Printf("created job %s (%s, %s)\n", res.Job.ID, res.Job.Status, res.Job.Priority)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "task id")
	cmd.Flags().StringVar(&payload, "payload", "", "payload as a JSON object")
	cmd.Flags().StringVar(&priority, "priority", domain.PriorityNormal, "critical, high or normal")
	cmd.Flags().StringSliceVar(&deps, "depends-on", nil, "job id that must complete first (repeatable)")
	cmd.Flags().StringVar(&key, "idempotency-key", "", "idempotency key")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func jobListCmd() *cobra.Command {
	var taskID, missionID, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListJobs(ctx, repo.JobFilters{TaskID: taskID, MissionID: missionID, Status: status, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Task", "Kind", "Status", "Priority", "Retries", "Deps", "Next retry"})
				for _, j := range items {
					tw.AppendRow(table.Row{j.ID, j.TaskID, j.Kind(), j.Status, j.Priority, j.RetryCount, len(j.DependsOn), deref(j.NextRetryAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "task filter")
	cmd.Flags().StringVar(&missionID, "mission", "", "mission filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 100, "max rows")
	return cmd
}

func jobShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show a job, verifying its stored result hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				j, err := a.Engine.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
}

func jobRequeueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <job-id>",
		Short: "Put a failed job back to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				j, err := a.Engine.RequeueJob(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				fmt.Printf("job %s is %s\n", j.ID, j.Status)
				return nil
			})
		},
	}
}

func jobDeliverCmd() *cobra.Command {
	var result string
	cmd := &cobra.Command{
		Use:   "deliver <job-id>",
		Short: "Hand a worker result to the bridge",
		Long:  "The result is applied on the next dispatcher sync pass ('ml tick' or a running server).",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := parseObject("result", result)
			if err != nil {
				return err
			}
			if r == nil {
				return errors.New("--result is required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.DeliverResult(ctx, args[0], r); err != nil {
					return err
				}
				fmt.Printf("result for %s delivered\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&result, "result", "", "result as a JSON object")
	return cmd
}

func jobLeaseCmd() *cobra.Command {
	var owner string
	var lease time.Duration
	cmd := &cobra.Command{
		Use:   "lease",
		Short: "Lease the next ready job for a worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				j, ok, err := a.Engine.LeaseNextJob(ctx, owner, lease)
				if err != nil {
					return err
				}
				if !ok {
					if viper.GetBool("json") {
						return printJSON(map[string]any{"leased": false})
					}
					fmt.Println("no job ready")
					return nil
				}
				return printJSONOrTable(j)
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "worker id")
	cmd.Flags().DurationVar(&lease, "lease", 0, "lease length (default dispatcher.lease_seconds)")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func jobRenewCmd() *cobra.Command {
	var owner string
	var lease time.Duration
	cmd := &cobra.Command{
		Use:   "renew <job-id>",
		Short: "Extend a worker's lease",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				until, err := a.Engine.RenewLease(ctx, args[0], owner, lease)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"job_id": args[0], "lease_until_utc": until})
				}
				fmt.Printf("lease on %s held until %s\n", args[0], until)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "worker id")
	cmd.Flags().DurationVar(&lease, "lease", 0, "lease length (default dispatcher.lease_seconds)")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func chainCmd() *cobra.Command {
	c := &cobra.Command{Use: "chain", Short: "Inspect job chains"}
	c.AddCommand(chainListCmd())
	c.AddCommand(chainShowCmd())
	return c
}

func chainListCmd() *cobra.Command {
	var taskID, missionID, state string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List chains",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListChainContexts(ctx, repo.ChainFilters{TaskID: taskID, MissionID: missionID, State: state, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Chain", "Task", "Root job", "State", "Artifacts", "Needs tick"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ChainID, c.TaskID, c.RootJobID, c.State, len(c.Artifacts), c.NeedsTick})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "task filter")
	cmd.Flags().StringVar(&missionID, "mission", "", "mission filter")
	cmd.Flags().StringVar(&state, "state", "", "running or completed")
	cmd.Flags().IntVar(&limit, "limit", 100, "max rows")
	return cmd
}

func chainShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <chain-id>",
		Short: "Show a chain with its follow-up specs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				c, err := a.Engine.Repo.GetChainContext(ctx, nil, args[0])
				if err != nil {
					return err
				}
				specs, err := a.Engine.Repo.ListChainSpecs(ctx, nil, c.ChainID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"chain": c, "specs": specs})
				}
				fmt.Printf("Chain: %s (%s), task %s, root job %s\n", c.ChainID, c.State, c.TaskID, c.RootJobID)
				if len(c.Error) > 0 {
					b, _ := json.Marshal(c.Error)
					fmt.Printf("Error: %s\n", b)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Spec", "Kind", "Status", "Parent job", "Dispatched job", "Error"})
				for _, s := range specs {
					tw.AppendRow(table.Row{s.SpecID, s.Kind, s.Status, s.ParentJobID, deref(s.DispatchedJobID), s.Error})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func eventsCmd() *cobra.Command {
	ev := &cobra.Command{Use: "events", Short: "Read the event log"}
	ev.AddCommand(eventsListCmd())
	return ev
}

func eventsListCmd() *cobra.Command {
	var n int
	var after int64
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List events in order, starting after --after",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListEvents(ctx, repo.EventFilters{
					Type:       evtType,
					EntityKind: entityKind,
					EntityID:   entityID,
					AfterID:    after,
					Limit:      n,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Actor", "Payload"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + "/" + e.EntityID, e.ActorID, e.PayloadJSON})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 50, "number of events")
	cmd.Flags().Int64Var(&after, "after", 0, "only events with a larger id")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind filter")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id filter")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	k.AddCommand(apiKeyCreateCmd())
	k.AddCommand(apiKeyListCmd())
	k.AddCommand(apiKeyRevokeCmd())
	return k
}

func keyService(a *app.App) auth.Service {
	return auth.Service{Repo: a.Engine.Repo, Events: a.Engine.Events, Now: a.Engine.Now}
}

func apiKeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key; the key is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if actorID == "" {
					actorID = viper.GetString("actor-id")
				}
				key, plain, err := keyService(a).Issue(ctx, actorID, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "key": plain})
				}
				fmt.Printf("API key %s for %s:\n%s\n", key.ID, key.ActorID, plain)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as (default --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "label")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				keys, err := keyService(a).List(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor filter")
	return cmd
}

func apiKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := keyService(a).Revoke(ctx, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Printf("revoked %s\n", args[0])
				return nil
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token with server.jwt_secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				secret := firstNonEmpty(viper.GetString("jwt-secret"), a.Config.Server.JWTSecret)
				if secret == "" {
					return errors.New("no jwt secret: set server.jwt_secret or MISSIONLINE_JWT_SECRET")
				}
				if subject == "" {
					subject = viper.GetString("actor-id")
				}
				tok, err := server.SignToken(secret, a.Config.Server.JWTIssuer, subject, ttl)
				if err != nil {
					return err
				}
				fmt.Println(tok)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "actor id carried in the token (default --actor-id)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}

func configCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "config",
		Short: "Inspect missionline.yml",
		Long:  "Config lives in <workspace>/missionline.yml. Missing keys fall back to the built-in defaults shown by 'ml config show'.",
	}
	c.AddCommand(configShowCmd())
	c.AddCommand(configValidateCmd())
	return c
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := cfg.Marshal()
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	if path := viper.GetString("config"); path != "" {
		return config.FromFile(path)
	}
	return config.LoadOptional(viper.GetString("workspace"))
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
	})
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	return fn(ctx, a)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printCounts(counts map[string]int) {
	if len(counts) == 0 {
		fmt.Println("  none")
		return
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	for k, v := range counts {
		tw.AppendRow(table.Row{k, v})
	}
	tw.SortBy([]table.SortBy{{Number: 1, Mode: table.Asc}})
	tw.Render()
}

// parseObject decodes a JSON object flag. An empty value yields nil.
func parseObject(flag, raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("--%s must be a JSON object: %w", flag, err)
	}
	return out, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
