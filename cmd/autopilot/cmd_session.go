package main

import (
	"context"
	"encoding/json"
	"fmt"

	"autopilot/internal/api"
	"autopilot/internal/orchestrator"
	"autopilot/internal/session"

	"github.com/spf13/cobra"
)

// =============================================================================
// SESSION CLIENT COMMANDS
// =============================================================================

// sessionCmd manages sessions on a running server
var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage sessions on a running server",
	Long: `Create, control and inspect sessions hosted by "autopilot serve".

Subcommands:
  create   - Create a session
  start    - Start a created session
  pause    - Pause at the next turn boundary
  resume   - Resume a paused session
  stop     - Stop a session for good
  show     - Show one session
  list     - List every session
  watch    - Follow a session's progress`,
}

var sessionCreateCmd = &cobra.Command{
	Use:   "create <spec-reference>",
	Short: "Create a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionCreate,
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show one session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionShow,
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every session",
	RunE:  runSessionList,
}

var sessionWatchCmd = &cobra.Command{
	Use:   "watch <session-id>",
	Short: "Follow a session's progress until it ends",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionWatch,
}

func controlCommand(cmd session.Command, short string) *cobra.Command {
	return &cobra.Command{
		Use:   string(cmd) + " <session-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return runSessionControl(c, args[0], cmd)
		},
	}
}

func init() {
	sessionCreateCmd.Flags().Int("total", 0, "Total features")
	sessionCreateCmd.Flags().StringSlice("tag", nil, "Tags used to select knowledge")
	sessionCreateCmd.Flags().Bool("start", false, "Start the session right away")
	sessionShowCmd.Flags().Bool("json", false, "Print raw JSON")
	sessionListCmd.Flags().Bool("json", false, "Print raw JSON")
	sessionWatchCmd.Flags().Int64("since", 0, "Only show events after this sequence number")

	sessionCmd.AddCommand(sessionCreateCmd)
	sessionCmd.AddCommand(controlCommand(session.CommandStart, "Start a created session"))
	sessionCmd.AddCommand(controlCommand(session.CommandPause, "Pause at the next turn boundary"))
	sessionCmd.AddCommand(controlCommand(session.CommandResume, "Resume a paused session"))
	sessionCmd.AddCommand(controlCommand(session.CommandStop, "Stop a session for good"))
	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionWatchCmd)
}

func newClient() *api.Client {
	return api.NewClient(serverAddr)
}

func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, timeout)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runSessionCreate(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext(cmd)
	defer cancel()

	total, _ := cmd.Flags().GetInt("total")
	tags, _ := cmd.Flags().GetStringSlice("tag")
	client := newClient()
	sess, err := client.CreateSession(ctx, orchestrator.CreateRequest{
		SpecReference: args[0],
		TotalFeatures: total,
		Tags:          tags,
	})
	if err != nil {
		return err
	}
	if start, _ := cmd.Flags().GetBool("start"); start {
		if sess, err = client.Control(ctx, sess.ID, session.CommandStart); err != nil {
			return err
		}
	}
	fmt.Fprintln(cmd.OutOrStdout(), formatSession(sess))
	return nil
}

func runSessionControl(cmd *cobra.Command, id string, c session.Command) error {
	ctx, cancel := requestContext(cmd)
	defer cancel()

	sess, err := newClient().Control(ctx, id, c)
	if err != nil {
		return fmt.Errorf("%s %s: %w", c, id, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", shortID(sess.ID), statusStyle(sess.Status).Render(string(sess.Status)))
	return nil
}

func runSessionShow(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext(cmd)
	defer cancel()

	sess, err := newClient().GetSession(ctx, args[0])
	if err != nil {
		return err
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(cmd, sess)
	}
	fmt.Fprintln(cmd.OutOrStdout(), formatSession(sess))
	return nil
}

func runSessionList(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext(cmd)
	defer cancel()

	list, err := newClient().ListSessions(ctx)
	if err != nil {
		return err
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(cmd, list)
	}
	fmt.Fprintln(cmd.OutOrStdout(), formatSessionList(list))
	return nil
}

// runSessionWatch has no request timeout; it ends with the session or an
// interrupt.
func runSessionWatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	since, _ := cmd.Flags().GetInt64("since")
	out := cmd.OutOrStdout()
	return newClient().Watch(ctx, args[0], since, func(ev session.ProgressEvent) error {
		fmt.Fprintln(out, formatEvent(ev))
		return nil
	})
}
