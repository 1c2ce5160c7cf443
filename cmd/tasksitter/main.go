package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/fleetsitter/internal/cli"
	"github.com/3cpo-dev/fleetsitter/internal/constraint"
	"github.com/3cpo-dev/fleetsitter/internal/harness"
	"github.com/3cpo-dev/fleetsitter/internal/logmanager"
	"github.com/3cpo-dev/fleetsitter/pkg/api"
)

// exitError carries the child's exit code out of cobra.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit code %d", e.code) }

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasksitter [flags] -- COMMAND...",
		Short: "Run one command under a process harness until it stops for good",
		Long: "Tasksitter runs a command in its own process group, restarts it under the given policy " +
			"and enforces CPU, memory and liveness constraints. It exits with the last exit code of the child.",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := taskFromFlags(cmd, args)
			if err != nil {
				return err
			}
			logDir, _ := cmd.Flags().GetString("log-dir")
			poll, _ := cmd.Flags().GetDuration("poll-interval")
			code, err := sit(cmd.Context(), task, logDir, poll)
			if err != nil {
				log.Error().Err(err).Str("task", task.Name).Msg("Task stopped")
			}
			if code != 0 {
				return exitError{code}
			}
			return err
		},
	}
	cli.AddLogFlag(cmd)
	f := cmd.Flags()
	f.String("name", "task", "task name, used for log file names")
	f.Int("uid", -1, "run the command as this uid")
	f.Bool("restart", false, "restart the command when a constraint fires")
	f.Int("max-restarts", 0, "restart budget, -1 for unlimited")
	f.Bool("ensure-alive", false, "treat the command exiting as a violation")
	f.Float64("cpu-limit", 0, "kill the command above this CPU usage (1.0 = one core)")
	f.Int("mem-limit-mb", 0, "kill the command above this resident memory")
	f.String("log-dir", "", "write stdout/stderr files here instead of inheriting them")
	f.Duration("poll-interval", harness.DefaultPollInterval, "constraint poll interval")
	return cmd
}

func taskFromFlags(cmd *cobra.Command, args []string) (api.TaskConfig, error) {
	f := cmd.Flags()
	t := api.TaskConfig{Command: strings.Join(args, " ")}
	t.Name, _ = f.GetString("name")
	t.Restart, _ = f.GetBool("restart")
	t.MaxRestarts, _ = f.GetInt("max-restarts")
	t.EnsureAlive, _ = f.GetBool("ensure-alive")
	t.CPULimit, _ = f.GetFloat64("cpu-limit")
	t.MemLimitMB, _ = f.GetInt("mem-limit-mb")
	if uid, _ := f.GetInt("uid"); uid >= 0 {
		t.UID = &uid
	}
	if t.MaxRestarts < api.UnlimitedRestarts {
		return t, fmt.Errorf("--max-restarts must be >= -1")
	}
	return t, nil
}

// sit runs the task until it reaches a terminal state or ctx is cancelled.
func sit(ctx context.Context, t api.TaskConfig, logDir string, poll time.Duration) (int, error) {
	hc := harness.ConfigForTask(t)
	hc.PollInterval = poll
	opts := []harness.Option{harness.WithLogs(stdio{})}
	if logDir != "" {
		logs, err := logmanager.New(logDir, t.Name)
		if err != nil {
			return -1, err
		}
		opts = []harness.Option{harness.WithLogs(logs)}
	}
	h := harness.New(hc, constraint.ForTask(t), opts...)
	if err := h.Start(); err != nil {
		return -1, err
	}
	h.BeginMonitoring()
	log.Info().Str("task", t.Name).Str("command", t.Command).Msg("Task started")

	select {
	case <-h.Done():
		code, _ := h.WaitForCompletion(context.Background())
		return code, h.Err()
	case <-ctx.Done():
		log.Info().Str("task", t.Name).Msg("Terminating task")
		termCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return h.Terminate(termCtx)
	}
}

// stdio hands the harness our own stdout and stderr.
type stdio struct{}

func (stdio) Stdout() (io.WriteCloser, error) { return nopCloser{os.Stdout}, nil }
func (stdio) Stderr() (io.WriteCloser, error) { return nopCloser{os.Stderr}, nil }

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func main() {
	cli.SetupLogger()
	root := newRootCmd()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := root.ExecuteContext(ctx)
	stop()
	var ee exitError
	switch {
	case errors.As(err, &ee):
		os.Exit(ee.code)
	case err != nil:
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
