package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"github.com/example/mornsign-scheduler/internal/executor"
	"github.com/example/mornsign-scheduler/internal/redact"
	"github.com/example/mornsign-scheduler/internal/tasks"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect and run morning sign tasks (non-HTTP)",
	}
	cmd.AddCommand(newTaskRunCmd())
	cmd.AddCommand(newTaskListCmd())
	cmd.AddCommand(newTaskShowCmd())
	return cmd
}

func newTaskRunCmd() *cobra.Command {
	var limit int
	c := &cobra.Command{
		Use:   "run",
		Short: "Process one batch of due tasks and print the counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := wire(ctx, cfg, log, wireOptions{requireDB: true})
			if err != nil {
				return err
			}
			defer a.Close()
			if a.Executor == nil {
				return errors.New("TOTORO_PUBLIC_KEY is not set")
			}

			res, err := a.Executor.ProcessDueTasks(ctx, limit)
			if err != nil {
				return err
			}
			b, err := sonic.Marshal(res)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(b))
			return nil
		},
	}
	c.Flags().IntVar(&limit, "limit", executor.DefaultLimit, "max tasks to process")
	return c
}

func newTaskListCmd() *cobra.Command {
	var (
		userID string
		limit  int
	)
	c := &cobra.Command{
		Use:   "list",
		Short: "List a user's tasks, latest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, closeFn, err := openTasks()
			if err != nil {
				return err
			}
			defer closeFn()

			ts, err := repo.ListByUser(cmd.Context(), userID, limit)
			if err != nil {
				return err
			}
			for _, t := range ts {
				fmt.Fprintf(cmd.OutOrStdout(), "id=%d status=%s scheduled=%s point=%s/%s token=%s\n",
					t.ID, t.Status, t.ScheduledTime.Format(time.RFC3339), t.SignPoint.TaskID, t.SignPoint.PointID, redact.Token(t.Token))
			}
			return nil
		},
	}
	c.Flags().StringVar(&userID, "user-id", "", "user id")
	c.Flags().IntVar(&limit, "limit", 50, "max rows")
	_ = c.MarkFlagRequired("user-id")
	return c
}

func newTaskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print one task with its result log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid task id %q", args[0])
			}
			repo, closeFn, err := openTasks()
			if err != nil {
				return err
			}
			defer closeFn()

			t, err := repo.Get(cmd.Context(), id)
			if errors.Is(err, tasks.ErrNotFound) {
				return fmt.Errorf("task %d not found", id)
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "id=%d user=%s status=%s scheduled=%s created=%s token=%s\n",
				t.ID, t.UserID, t.Status, t.ScheduledTime.Format(time.RFC3339), t.CreatedAt.Format(time.RFC3339), redact.Token(t.Token))
			fmt.Fprintf(out, "point task=%s point=%s lat=%s lon=%s\n",
				t.SignPoint.TaskID, t.SignPoint.PointID, t.SignPoint.Latitude, t.SignPoint.Longitude)
			if t.ResultLog != nil {
				fmt.Fprintf(out, "result_log=%s\n", *t.ResultLog)
			}
			return nil
		},
	}
}

func openTasks() (*tasks.Repo, func(), error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	a, err := wire(context.Background(), cfg, log, wireOptions{requireDB: true})
	if err != nil {
		return nil, nil, err
	}
	return a.Tasks, a.Close, nil
}
