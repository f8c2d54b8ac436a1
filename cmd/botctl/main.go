// Command botctl drives a botvisor daemon over its HTTP control surface.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"botvisor/internal/handlers"
	"botvisor/internal/service"
)

var (
	flagServer  string
	flagTimeout time.Duration
	flagJSON    bool
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "botctl:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "botctl",
		Short:         "Control bots supervised by botvisor",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defServer := "http://127.0.0.1:8080"
	if env, ok := os.LookupEnv("BOTVISOR_URL"); ok {
		defServer = env
	}
	root.PersistentFlags().StringVar(&flagServer, "server", defServer, "botvisor base URL (env BOTVISOR_URL)")
	// Installs can take minutes, so the default is generous.
	root.PersistentFlags().DurationVar(&flagTimeout, "timeout", 3*time.Minute, "request timeout")
	root.PersistentFlags().BoolVar(&flagJSON, "json", false, "print raw JSON")

	root.AddCommand(
		listCmd(),
		getCmd(),
		createCmd(),
		updateCmd(),
		deleteCmd(),
		lifecycleCmd("start", "Start a bot and reset its restart budget"),
		lifecycleCmd("stop", "Stop a bot and mark it undeployed"),
		lifecycleCmd("restart", "Stop, settle and start a bot"),
		statusCmd(),
		logsCmd(),
		runningCmd(),
		activitiesCmd(),
		statsCmd(),
	)
	return root
}

func client() *Client {
	return NewClient(flagServer, flagTimeout)
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid bot id %q", arg)
	}
	return id, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printBots(w io.Writer, bots ...handlers.BotView) error {
	if flagJSON {
		return printJSON(w, bots)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tONLINE\tDEPLOYED\tRUNNING\tPID\tUPTIME\tRESTARTS")
	for _, b := range bots {
		pid := "-"
		if b.Status.Pid > 0 {
			pid = strconv.Itoa(b.Status.Pid)
		}
		uptime := b.Uptime
		if uptime == "" {
			uptime = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%t\t%t\t%t\t%s\t%s\t%d\n",
			b.ID, b.Name, b.Online, b.Deployed, b.Status.IsRunning, pid, uptime, b.Status.RestartCount)
	}
	return tw.Flush()
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List bots with their supervision status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			bots, err := client().ListBots(cmd.Context())
			if err != nil {
				return err
			}
			return printBots(cmd.OutOrStdout(), bots...)
		},
	}
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get ID",
		Short: "Show one bot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			bot, err := client().GetBot(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printBots(cmd.OutOrStdout(), *bot)
		},
	}
}

// readSource returns the contents of path, or "" when path is empty.
func readSource(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read code file: %w", err)
	}
	return string(data), nil
}

func createCmd() *cobra.Command {
	var (
		id        int64
		name      string
		codeFile  string
		secretEnv string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a bot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			code, err := readSource(codeFile)
			if err != nil {
				return err
			}
			req := handlers.CreateBotRequest{ID: id, Name: name, Code: code}
			if secretEnv != "" {
				req.Secret = os.Getenv(secretEnv)
			}
			bot, err := client().CreateBot(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printBots(cmd.OutOrStdout(), *bot)
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "explicit id (default: allocated by the store)")
	cmd.Flags().StringVar(&name, "name", "", "bot name")
	cmd.Flags().StringVar(&codeFile, "code-file", "", "JavaScript source to run")
	// Secrets are read from the environment so they stay out of shell history.
	cmd.Flags().StringVar(&secretEnv, "secret-env", "", "environment variable holding the bot token")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func updateCmd() *cobra.Command {
	var (
		name      string
		codeFile  string
		secretEnv string
	)
	cmd := &cobra.Command{
		Use:   "update ID",
		Short: "Change a bot's name, code or secret; running bots pick it up on restart",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			var req handlers.UpdateBotRequest
			if cmd.Flags().Changed("name") {
				req.Name = &name
			}
			if codeFile != "" {
				code, err := readSource(codeFile)
				if err != nil {
					return err
				}
				req.Code = &code
			}
			if secretEnv != "" {
				secret := os.Getenv(secretEnv)
				req.Secret = &secret
			}
			bot, err := client().UpdateBot(cmd.Context(), id, req)
			if err != nil {
				return err
			}
			return printBots(cmd.OutOrStdout(), *bot)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "bot name")
	cmd.Flags().StringVar(&codeFile, "code-file", "", "JavaScript source to run")
	cmd.Flags().StringVar(&secretEnv, "secret-env", "", "environment variable holding the bot token")
	return cmd
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Stop and delete a bot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if err := client().DeleteBot(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "bot %d deleted\n", id)
			return nil
		},
	}
}

func lifecycleCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			res, err := client().Lifecycle(cmd.Context(), id, action)
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "bot %d %s\n", id, res.Status)
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status ID",
		Short: "Show the supervisor's view of a bot process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			st, err := client().Status(cmd.Context(), id)
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(cmd.OutOrStdout(), st)
			}
			out := cmd.OutOrStdout()
			if !st.IsRunning {
				fmt.Fprintf(out, "bot %d: not running (restarts used: %d)\n", id, st.RestartCount)
				return nil
			}
			uptime := "-"
			if st.UptimeMillis != nil {
				uptime = service.FormatUptime(time.Duration(*st.UptimeMillis) * time.Millisecond)
			}
			fmt.Fprintf(out, "bot %d: running, pid %d, up %s, restarts %d\n", id, st.Pid, uptime, st.RestartCount)
			return nil
		},
	}
}

func logsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "logs ID",
		Short: "Print recent output of a bot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			entries, err := client().Logs(cmd.Context(), id, limit)
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(cmd.OutOrStdout(), entries)
			}
			for _, e := range entries {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %-6s %s\n", e.Timestamp, e.Stream, e.Message)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "number of lines")
	return cmd
}

func runningCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "running",
		Short: "List ids with a live process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ids, err := client().Running(cmd.Context())
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(cmd.OutOrStdout(), ids)
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
}

func activitiesCmd() *cobra.Command {
	var (
		botID int64
		limit int
	)
	cmd := &cobra.Command{
		Use:   "activities",
		Short: "Show recent lifecycle events, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			acts, err := client().Activities(cmd.Context(), botID, limit)
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(cmd.OutOrStdout(), acts)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tBOT\tTYPE\tMESSAGE")
			for _, a := range acts {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", a.CreatedAt.Format(time.RFC3339), a.BotID, a.Type, a.Message)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().Int64Var(&botID, "bot", 0, "only this bot")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of events")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show bot counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			stats, err := client().Stats(cmd.Context())
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(cmd.OutOrStdout(), stats)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "bots: %d  online: %d  deployed: %d  running: %d\n",
				stats.TotalBots, stats.OnlineBots, stats.DeployedBots, stats.RunningBots)
			return nil
		},
	}
}
