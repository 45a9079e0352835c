package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"autopilot/internal/agent"
	"autopilot/internal/orchestrator"
	"autopilot/internal/session"
	"autopilot/internal/store"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// runCmd drives one session in the foreground
var runCmd = &cobra.Command{
	Use:   "run [spec-reference]",
	Short: "Drive one session in the foreground",
	Long: `Creates a session for the given specification (or resumes one with
--resume) and drives it in this process, printing every progress event.

The first interrupt pauses the session at its next turn boundary; a second
interrupt stops it.

Example:
  autopilot run specs/todo-app.md --total 42
  autopilot run --resume 3f2a9c1e-...`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSession,
}

func init() {
	runCmd.Flags().Int("total", -1, "Total features (default: count the agent's feature list)")
	runCmd.Flags().StringSlice("tag", nil, "Tags used to select knowledge")
	runCmd.Flags().String("resume", "", "Resume an existing paused session instead of creating one")
}

// featureTotal counts the entries of the configured feature list.
func featureTotal() (int, error) {
	path := cfg.Agent.FeaturesFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(cfg.Agent.WorkDir, path)
	}
	features, err := agent.ReadFeatures(path)
	if err != nil {
		return 0, fmt.Errorf("count features (pass --total to skip): %w", err)
	}
	return len(features), nil
}

func runSession(cmd *cobra.Command, args []string) error {
	return driveSession(cmd, args, nil)
}

// driveSession is runSession with an injectable agent.
func driveSession(cmd *cobra.Command, args []string, ag agent.Agent) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, cfg, ag)
	if errors.Is(err, store.ErrLocked) {
		return fmt.Errorf("%w (a server owns this workspace; use the session commands instead)", err)
	}
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.GetShutdownTimeout())
		defer cancel()
		if err := a.close(closeCtx); err != nil {
			logger.Warn("Shutdown incomplete", zap.Error(err))
		}
	}()
	a.reindexAsync(ctx)
	if _, err := a.orch.Recover(ctx); err != nil {
		return fmt.Errorf("recover sessions: %w", err)
	}

	sess, err := launchSession(ctx, cmd, args, a.orch)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, titleStyle.Render("Driving session "+sess.ID))

	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()
	events, err := a.orch.SubscribeProgress(streamCtx, sess.ID, 0)
	if err != nil {
		return err
	}

	sigs, stopSignals := notifyInterrupts()
	defer stopSignals()
	handled := make(chan struct{})
	go func() {
		defer close(handled)
		defer cancelStream()
		handleInterrupts(ctx, streamCtx.Done(), a.orch, sess.ID, sigs, out)
	}()

	for ev := range events {
		fmt.Fprintln(out, formatEvent(ev))
	}
	cancelStream()
	<-handled

	final, err := a.orch.GetSession(context.Background(), sess.ID)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, formatSession(final))
	if final.Status == session.StatusFailed {
		return fmt.Errorf("session %s failed: %s", final.ID, final.LastError)
	}
	return nil
}

// notifyInterrupts subscribes to the signals that pause and then stop run.
var notifyInterrupts = func() (<-chan os.Signal, func()) {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	return ch, func() { signal.Stop(ch) }
}

// handleInterrupts turns the first signal into a pause and the second into a
// stop. The stop is issued while the pause may still be waiting for the turn
// boundary. It returns once every issued command has settled, or when watch
// closes with nothing pending.
func handleInterrupts(ctx context.Context, watch <-chan struct{}, o *orchestrator.Orchestrator, id string, sigs <-chan os.Signal, out io.Writer) {
	type result struct {
		cmd session.Command
		err error
	}
	cmds := []session.Command{session.CommandPause, session.CommandStop}
	settled := make(chan result, len(cmds))
	issued, pending := 0, 0
	for {
		var next <-chan os.Signal
		if issued < len(cmds) {
			next = sigs
		}
		var done <-chan struct{}
		if pending == 0 {
			done = watch
		}
		select {
		case <-next:
			c := cmds[issued]
			issued++
			pending++
			fmt.Fprintln(out, dimStyle.Render(fmt.Sprintf("interrupt: %s at next turn boundary", c)))
			go func() {
				_, err := o.ControlSession(ctx, id, c)
				settled <- result{c, err}
			}()
		case r := <-settled:
			pending--
			overtaken := r.cmd == session.CommandPause && issued == len(cmds) && errors.Is(r.err, session.ErrInvalidTransition)
			if r.err != nil && !overtaken {
				logger.Warn("Control on interrupt failed", zap.String("command", string(r.cmd)), zap.Error(r.err))
			}
			if pending == 0 {
				return
			}
		case <-done:
			return
		}
	}
}

func launchSession(ctx context.Context, cmd *cobra.Command, args []string, o *orchestrator.Orchestrator) (session.Session, error) {
	if id, _ := cmd.Flags().GetString("resume"); id != "" {
		return o.ControlSession(ctx, id, session.CommandResume)
	}
	if len(args) == 0 {
		return session.Session{}, fmt.Errorf("a spec reference is required unless --resume is given")
	}
	total, _ := cmd.Flags().GetInt("total")
	if total < 0 {
		var err error
		if total, err = featureTotal(); err != nil {
			return session.Session{}, err
		}
	}
	tags, _ := cmd.Flags().GetStringSlice("tag")

	sess, err := o.CreateSession(ctx, orchestrator.CreateRequest{
		SpecReference: args[0],
		TotalFeatures: total,
		Tags:          tags,
	})
	if err != nil {
		return session.Session{}, err
	}
	return o.ControlSession(ctx, sess.ID, session.CommandStart)
}
