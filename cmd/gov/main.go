package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"govline/internal/app"
	"govline/internal/broker"
	"govline/internal/config"
	"govline/internal/db"
	"govline/internal/dispatch"
	"govline/internal/domain"
	"govline/internal/engine"
	"govline/internal/repo"
	"govline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "gov",
	Short: "Govline CLI",
	Long: `Govline is a small governance kernel for company and product work.
Core concepts:
- Workspace: your .govline directory holding the SQLite database; govline.yml next to it holds the rules (gov config init writes one).
- Products: the things the company ships; a killed product stops accepting new tasks.
- Tasks: work items moving INBOX -> TRIAGED -> READY -> DOING -> REVIEW -> APPROVAL -> DONE, forward only. BLOCKED is the parking lot and its only exit is back to TRIAGED.
- Gates: named sign-offs (Security, RevOps, Claims, Product) that must clear before a task leaves APPROVAL; the approver can never be the group that did the work.
- Capabilities: per-group access levels L0 to L3 on outside providers; when grants disagree the lowest one wins.
- Broker: the only door to the outside world. Every attempt is audited with an HMAC of the params, never the params themselves.
- Dispatch: a cron loop that hands READY work to its group and gated work to its approver role, at most once per (task, state).
- Activity log: the append-only diary of everything; view with 'gov log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("GOVLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor", "main", "acting group")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(productCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(capCmd())
	rootCmd.AddCommand(brokerCmd())
	rootCmd.AddCommand(dispatchCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage workspace config",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configCheckCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default govline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := app.InitConfig(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configCheckCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a config file and print the resolved action table",
		RunE: func(cmd *cobra.Command, args []string) error {
			if filePath == "" {
				filePath = config.Path(viper.GetString("workspace"))
			}
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{
					"path":           filePath,
					"policy_version": cfg.Kernel.PolicyVersion,
					"valid":          true,
					"providers":      cfg.Broker.Providers,
				})
			}
			fmt.Printf("%s is valid (policy_version %d)\n", filePath, cfg.Kernel.PolicyVersion)
			providers := make([]string, 0, len(cfg.Broker.Providers))
			for name := range cfg.Broker.Providers {
				providers = append(providers, name)
			}
			sort.Strings(providers)
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Provider", "Action", "Level", "Endpoint"})
			for _, name := range providers {
				pc := cfg.Broker.Providers[name]
				actions := make([]string, 0, len(pc.Actions))
				for a := range pc.Actions {
					actions = append(actions, a)
				}
				sort.Strings(actions)
				for _, a := range actions {
					tw.AppendRow(table.Row{name, a, pc.Actions[a], pc.Endpoint})
				}
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config (defaults to the workspace govline.yml)")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show workspace status",
		Long:  "The scoreboard: task counts per state, registered products, and the policy version in force.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				counts, err := e.Repo.CountTasksByState(ctx)
				if err != nil {
					return err
				}
				products, err := e.Repo.ListProducts(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"task_counts":        counts,
						"products":           products,
						"policy_version":     e.Config.Kernel.PolicyVersion,
						"strict_transitions": e.Config.Kernel.StrictTransitions,
					})
				}
				fmt.Printf("Policy version: %d (strict transitions: %v)\n", e.Config.Kernel.PolicyVersion, e.Config.Kernel.StrictTransitions)
				fmt.Println("Tasks:")
				for _, state := range domain.States {
					if counts[state] > 0 {
						fmt.Printf("  %s: %d\n", state, counts[state])
					}
				}
				fmt.Println("Products:")
				if len(products) == 0 {
					fmt.Println("  none")
				}
				for _, p := range products {
					fmt.Printf("  %s: %s (%s)\n", p.ID, p.Name, p.Status)
				}
				return nil
			})
		},
	}
	return cmd
}

func productCmd() *cobra.Command {
	prd := &cobra.Command{Use: "product", Short: "Manage products"}
	prd.AddCommand(productCreateCmd())
	prd.AddCommand(productListCmd())
	prd.AddCommand(productShowCmd())
	prd.AddCommand(productSetStatusCmd())
	return prd
}

func productCreateCmd() *cobra.Command {
	var id, name, risk string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a product",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateProduct(ctx, engine.ProductCreateOptions{
					ID:        id,
					Name:      name,
					RiskLevel: risk,
					Actor:     viper.GetString("actor"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "product id (generated when empty)")
	cmd.Flags().StringVar(&name, "name", "", "product name")
	cmd.Flags().StringVar(&risk, "risk", "low", "risk level")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func productListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List products",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListProducts(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func productShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a product",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProduct(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func productSetStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set-status <id> <status>",
		Short: "Pause, resume, or kill a product",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.SetProductStatus(ctx, args[0], args[1], viper.GetString("actor"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage tasks"}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskGetCmd())
	task.AddCommand(taskTransitionCmd())
	task.AddCommand(taskApproveCmd())
	task.AddCommand(taskAssignCmd())
	task.AddCommand(taskActivitiesCmd())
	task.AddCommand(taskApprovalsCmd())
	task.AddCommand(taskDispatchesCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	var metadata string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if metadata != "" {
				if err := json.Unmarshal([]byte(metadata), &opts.Metadata); err != nil {
					return fmt.Errorf("parse --metadata: %w", err)
				}
			}
			opts.Actor = viper.GetString("actor")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id (generated when empty)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "task title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Type, "type", "FEATURE", "task type ("+strings.Join(domain.TaskTypes, ", ")+")")
	cmd.Flags().IntVar(&opts.Priority, "priority", 0, "priority (higher dispatches first)")
	cmd.Flags().StringVar(&opts.ProductID, "product", "", "product id (implies PRODUCT scope)")
	cmd.Flags().StringVar(&opts.Scope, "scope", "", "COMPANY or PRODUCT (inferred when empty)")
	cmd.Flags().StringVar(&opts.AssignedGroup, "group", "", "assigned worker group")
	cmd.Flags().StringVar(&opts.Gate, "gate", "", "approval gate ("+strings.Join(domain.Gates, ", ")+")")
	cmd.Flags().BoolVar(&opts.DoDRequired, "dod", false, "require definition of done evidence")
	cmd.Flags().StringVar(&metadata, "metadata", "", "metadata as a JSON object")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "State", "Group", "Gate", "Product"})
				for _, t := range tasks {
					group := ""
					if t.AssignedGroup != nil {
						group = *t.AssignedGroup
					}
					product := ""
					if t.ProductID != nil {
						product = *t.ProductID
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.State, group, t.Gate, product})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.State, "state", "", "state filter")
	cmd.Flags().StringVar(&f.Group, "group", "", "assigned group filter")
	cmd.Flags().StringVar(&f.ProductID, "product", "", "product filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func taskGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskTransitionCmd() *cobra.Command {
	var transitionReason string
	var expectedVersion int
	cmd := &cobra.Command{
		Use:   "transition <id> <to>",
		Short: "Move a task to another state",
		Long:  "States only move forward. DOING -> REVIEW wants a summary in --reason; pass --expected-version to fail instead of clobbering a concurrent edit.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.TransitionOptions{
				TaskID: args[0],
				To:     args[1],
				Reason: transitionReason,
				Actor:  viper.GetString("actor"),
			}
			if cmd.Flags().Changed("expected-version") {
				opts.ExpectedVersion = &expectedVersion
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.TransitionTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&transitionReason, "reason", "", "reason, or the execution summary when leaving DOING")
	cmd.Flags().IntVar(&expectedVersion, "expected-version", 0, "version the task must still have")
	return cmd
}

func taskApproveCmd() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "approve <id> <gate>",
		Short: "Sign off a gate on a task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.ApproveGate(ctx, engine.ApproveOptions{
					TaskID:   args[0],
					GateType: args[1],
					Notes:    notes,
					Actor:    viper.GetString("actor"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "approval notes")
	return cmd
}

func taskAssignCmd() *cobra.Command {
	var executor string
	cmd := &cobra.Command{
		Use:   "assign <id> <group>",
		Short: "Route a task to a worker group",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.AssignTask(ctx, engine.AssignOptions{
					TaskID:   args[0],
					Group:    args[1],
					Executor: executor,
					Actor:    viper.GetString("actor"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&executor, "executor", "", "executor within the group")
	return cmd
}

func taskActivitiesCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "activities <id>",
		Short: "Show the activity trail of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListActivities(ctx, args[0], n)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 0, "max entries (0 for all)")
	return cmd
}

func taskApprovalsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approvals <id>",
		Short: "Show gate sign-offs recorded for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListApprovals(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func taskDispatchesCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "dispatches <id>",
		Short: "Show dispatch records for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListDispatches(ctx, args[0], n)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 0, "max entries (0 for all)")
	return cmd
}

func capCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "cap",
		Short: "Manage broker capabilities",
	}
	c.AddCommand(capGrantCmd())
	c.AddCommand(capListCmd())
	c.AddCommand(capResolveCmd())
	c.AddCommand(capSweepCmd())
	return c
}

func capGrantCmd() *cobra.Command {
	var productID, expiresAt string
	cmd := &cobra.Command{
		Use:   "grant <group> <provider> <level>",
		Short: "Grant a capability level to a group",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.GrantCapability(ctx, engine.CapabilityGrantOptions{
					Group:     args[0],
					Provider:  args[1],
					Level:     args[2],
					ProductID: productID,
					ExpiresAt: expiresAt,
					Actor:     viper.GetString("actor"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&productID, "product", "", "scope the grant to one product")
	cmd.Flags().StringVar(&expiresAt, "expires-at", "", "RFC3339 expiry (L2/L3 default to the configured TTL)")
	return cmd
}

func capListCmd() *cobra.Command {
	var f repo.CapabilityFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List capability grants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAllCapabilities(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Group", "Provider", "Level", "Product", "Expires"})
				for _, c := range items {
					product := ""
					if c.ProductID != nil {
						product = *c.ProductID
					}
					expires := ""
					if c.ExpiresAt != nil {
						expires = *c.ExpiresAt
					}
					tw.AppendRow(table.Row{c.Group, c.Provider, c.Level, product, expires})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Group, "group", "", "group filter")
	cmd.Flags().StringVar(&f.Provider, "provider", "", "provider filter")
	cmd.Flags().StringVar(&f.Level, "level", "", "level filter")
	return cmd
}

func capResolveCmd() *cobra.Command {
	var productID string
	cmd := &cobra.Command{
		Use:   "resolve <group> <provider>",
		Short: "Resolve the effective level for a group on a provider",
		Long:  "Applies the same deny-wins rule the broker uses: the lowest level among matching unexpired grants, L0 when none match.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b := broker.New(e.Repo, e.Config, nil, nil)
				level, err := b.ResolveLevel(ctx, args[0], args[1], productID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"group": args[0], "provider": args[1], "level": level})
				}
				fmt.Println(level)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&productID, "product", "", "resolve within a product scope")
	return cmd
}

func capSweepCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete long-expired capability grants",
		Long:  "Storage hygiene only. Expired grants are already ignored at use, so sweeping never changes an access decision.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				before := time.Now().UTC().Add(-olderThan).Format(time.RFC3339)
				n, err := e.Repo.DeleteExpiredCapabilities(ctx, before)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int64{"deleted": n})
				}
				fmt.Printf("Deleted %d expired grants\n", n)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "keep grants that expired more recently than this")
	return cmd
}

func brokerCmd() *cobra.Command {
	brk := &cobra.Command{
		Use:   "broker",
		Short: "Call external providers through the access broker",
	}
	brk.AddCommand(brokerCallCmd())
	brk.AddCommand(brokerCallsCmd())
	return brk
}

func brokerCallCmd() *cobra.Command {
	var req broker.CallRequest
	var params string
	cmd := &cobra.Command{
		Use:   "call <provider> <action>",
		Short: "Request a provider call",
		Long: `Runs the full pipeline: capability resolution, level check, approval evidence
for L3 actions, then the audited execution. --check stops after the
authorization decision without touching the provider.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Provider = args[0]
			req.Action = args[1]
			if req.Group == "" {
				req.Group = viper.GetString("actor")
			}
			if params != "" {
				if err := json.Unmarshal([]byte(params), &req.Params); err != nil {
					return fmt.Errorf("parse --params: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				secret := []byte(os.Getenv("GOVLINE_BROKER_SECRET"))
				b := broker.New(e.Repo, e.Config, secret, broker.NewHTTPCaller(e.Config))
				res, err := b.RequestCall(ctx, req)
				if err != nil {
					return err
				}
				out := map[string]any{"call": res.Call}
				if len(res.Response) > 0 {
					if json.Valid(res.Response) {
						out["response"] = json.RawMessage(res.Response)
					} else {
						out["response"] = string(res.Response)
					}
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&req.Group, "group", "", "calling group (defaults to --actor)")
	cmd.Flags().StringVar(&params, "params", "", "call params as a JSON object")
	cmd.Flags().StringVar(&req.ProductID, "product", "", "product the call acts on")
	cmd.Flags().StringVar(&req.TaskID, "task", "", "task the call belongs to (required for L3 actions)")
	cmd.Flags().StringVar(&req.IdempotencyKey, "idempotency-key", "", "enables bounded retries on provider failure")
	cmd.Flags().BoolVar(&req.CheckOnly, "check", false, "authorize and audit without executing")
	return cmd
}

func brokerCallsCmd() *cobra.Command {
	var f repo.ExtCallFilters
	cmd := &cobra.Command{
		Use:   "calls",
		Short: "List audited broker calls",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListExtCalls(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"When", "Group", "Provider", "Action", "Status"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.CreatedAt, c.Group, c.Provider, c.Action, c.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Group, "group", "", "group filter")
	cmd.Flags().StringVar(&f.Provider, "provider", "", "provider filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter (allowed, denied, executed, failed)")
	cmd.Flags().IntVar(&f.Limit, "n", 50, "max rows")
	return cmd
}

func dispatchCmd() *cobra.Command {
	dsp := &cobra.Command{
		Use:   "dispatch",
		Short: "Run the dispatch loop",
	}
	dsp.AddCommand(dispatchOnceCmd())
	dsp.AddCommand(dispatchRunCmd())
	return dsp
}

func dispatchOnceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "once",
		Short: "Run a single dispatch tick",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				loop := dispatch.New(e.Repo, e.Gates, e.Config.Dispatch.Schedule, nil, watermill.NopLogger{})
				n, err := loop.Tick(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"dispatched": n})
				}
				fmt.Printf("Dispatched %d task(s)\n", n)
				return nil
			})
		},
	}
	return cmd
}

func dispatchRunCmd() *cobra.Command {
	var schedule string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the dispatch loop until interrupted",
		Long:  "Ticks on the cron schedule from the config and prints each dispatch event. A record per (task, target state) keeps restarts from double-dispatching.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if schedule == "" {
					schedule = e.Config.Dispatch.Schedule
				}
				pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
				defer pubSub.Close()
				for _, topic := range []string{dispatch.TopicReady, dispatch.TopicApproval} {
					msgs, err := pubSub.Subscribe(ctx, topic)
					if err != nil {
						return err
					}
					go func(topic string, msgs <-chan *message.Message) {
						for msg := range msgs {
							fmt.Printf("%s %s\n", topic, msg.Payload)
							msg.Ack()
						}
					}(topic, msgs)
				}
				loop := dispatch.New(e.Repo, e.Gates, schedule, pubSub, watermill.NewStdLogger(false, false))
				fmt.Printf("Dispatch loop running on schedule %q (ctrl-c to stop)\n", schedule)
				return loop.Run(ctx)
			})
		},
	}
	cmd.Flags().StringVar(&schedule, "schedule", "", "cron schedule with seconds (overrides config)")
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Activity log",
		Long:  "The diary of everything that happened: creations, transitions, approvals, grants, and broker denials.",
	}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest activity entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.LatestActivities(ctx, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for the HTTP server",
	}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyRevokeCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create <group>",
		Short: "Mint an API key for a worker group",
		Long:  "Prints the key exactly once. Only its hash is stored, so copy it now or mint another.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := "gk_" + uuid.NewString()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec := domain.APIKey{
					ID:      uuid.NewString(),
					Group:   args[0],
					Name:    name,
					KeyHash: repo.HashAPIKey(raw),
				}
				if err := e.Repo.InsertAPIKey(ctx, rec); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": rec.ID, "group": rec.Group, "key": raw})
				}
				fmt.Printf("API key for %s: %s\n", rec.Group, raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "label for the key")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var group string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys (hashes only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAPIKeys(ctx, group)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&group, "group", "", "group filter")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var withDispatch bool
	var allowGroupHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if !cmd.Flags().Changed("addr") && rt.Config.Server.Addr != "" {
					addr = rt.Config.Server.Addr
				}
				if !cmd.Flags().Changed("base-path") && rt.Config.Server.BasePath != "" {
					basePath = rt.Config.Server.BasePath
				}
				authCfg := server.AuthConfig{
					JWTSecret:              os.Getenv("GOVLINE_JWT_SECRET"),
					AllowLegacyGroupHeader: allowGroupHeader,
					EnableDevLogin:         os.Getenv("GOVLINE_DEV_LOGIN") == "1",
				}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("GOVLINE_JWT_SECRET is required for bearer auth")
				}
				brokerSecret := []byte(os.Getenv("GOVLINE_BROKER_SECRET"))
				b := broker.New(rt.Engine.Repo, rt.Config, brokerSecret, broker.NewHTTPCaller(rt.Config))
				handler, err := server.New(server.Config{
					Engine:   rt.Engine,
					Broker:   b,
					BasePath: basePath,
					Auth:     authCfg,
				})
				if err != nil {
					return err
				}
				if withDispatch {
					pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
					defer pubSub.Close()
					loop := dispatch.New(rt.Engine.Repo, rt.Engine.Gates, rt.Config.Dispatch.Schedule, pubSub, watermill.NewStdLogger(false, false))
					go func() {
						if err := loop.Run(ctx); err != nil {
							fmt.Fprintln(os.Stderr, "dispatch loop:", err)
						}
					}()
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Govline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8787", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&withDispatch, "with-dispatch", true, "run the dispatch loop in-process")
	cmd.Flags().BoolVar(&allowGroupHeader, "allow-group-header", false, "accept X-Group instead of credentials (local development only)")
	return cmd
}

// --- helpers ---

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	rt, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
		return fn(ctx, rt.Engine)
	})
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
