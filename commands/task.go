package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/contentflow/queue"
	"github.com/dshills/contentflow/runner"
	"github.com/dshills/contentflow/scheduler"
	"github.com/dshills/contentflow/store"
)

const (
	timeFormat    = "2006-01-02 15:04:05 MST"
	timePrecision = 10 * time.Millisecond
)

func newCreateCmd(flags *rootFlags) *cobra.Command {
	var (
		topic        string
		requirements string
		audience     string
		tone         string
		keywords     []string
		minWords     int
		maxWords     int
		mode         string
		priority     string
		imageSize    string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Submit a content-creation task",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			logger := newLogger(flags.logLevel)

			st, err := buildStore(cfg)
			if err != nil {
				return err
			}
			q, err := buildQueue(cfg, logger)
			if err != nil {
				return err
			}
			defer q.Close()

			req := scheduler.Request{
				Topic:          topic,
				Requirements:   requirements,
				TargetAudience: audience,
				Tone:           tone,
				Keywords:       keywords,
				Mode:           store.Mode(mode),
				Priority:       store.Priority(priority),
				ImageSize:      imageSize,
			}
			if minWords > 0 || maxWords > 0 || len(keywords) > 0 {
				req.HardConstraints = &store.HardConstraints{
					MinWords: minWords,
					MaxWords: maxWords,
					Keywords: keywords,
				}
			}

			sched := scheduler.New(st, q, logger)
			task, err := sched.ScheduleTask(cmd.Context(), req)
			if err != nil {
				return err
			}

			if task.Mode == store.ModeSync {
				deps, err := buildDeps(cfg, st, logger)
				if err != nil {
					return err
				}
				exec := runner.NewExecutor(st, deps, "cli-sync", runner.Options{Logger: logger})
				res, err := exec.Execute(cmd.Context(), task.ID, func(p runner.Progress) {
					fmt.Fprintf(os.Stderr, "[%3d%%] %s\n", p.Percentage, p.Message)
				})
				if err != nil {
					return err
				}
				fmt.Printf("task %s completed in %s (%d words, %d tokens, $%.4f)\n",
					task.ID, res.Duration.Round(timePrecision), res.Metadata.WordCount,
					res.Metadata.TokensUsed, res.Metadata.Cost)
				return nil
			}

			fmt.Printf("task %s queued (%s priority)\n", task.ID, task.Priority)
			return nil
		},
	}

	cmd.Flags().StringVar(&topic, "topic", "", "article topic (required)")
	cmd.Flags().StringVar(&requirements, "requirements", "", "article requirements (required)")
	cmd.Flags().StringVar(&audience, "audience", "", "target audience")
	cmd.Flags().StringVar(&tone, "tone", "", "writing tone")
	cmd.Flags().StringSliceVar(&keywords, "keywords", nil, "required keywords, comma separated")
	cmd.Flags().IntVar(&minWords, "min-words", 0, "minimum word count")
	cmd.Flags().IntVar(&maxWords, "max-words", 0, "maximum word count")
	cmd.Flags().StringVar(&mode, "mode", "async", "execution mode: sync or async")
	cmd.Flags().StringVar(&priority, "priority", "", "queue priority: low, normal, high or urgent")
	cmd.Flags().StringVar(&imageSize, "image-size", "", `requested image size ("WIDTHxHEIGHT")`)
	_ = cmd.MarkFlagRequired("topic")
	_ = cmd.MarkFlagRequired("requirements")
	return cmd
}

func newStatusCmd(flags *rootFlags) *cobra.Command {
	var taskID string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a task's status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			newLogger(flags.logLevel)
			st, err := buildStore(cfg)
			if err != nil {
				return err
			}

			task, err := st.FindByID(cmd.Context(), taskID)
			if err != nil {
				return err
			}

			fmt.Printf("task:       %s\n", task.ID)
			fmt.Printf("status:     %s\n", task.Status)
			fmt.Printf("topic:      %s\n", task.Topic)
			fmt.Printf("mode:       %s\n", task.Mode)
			fmt.Printf("priority:   %s\n", task.Priority)
			if task.CurrentStep != "" {
				fmt.Printf("step:       %s\n", task.CurrentStep)
			}
			if task.TextRetryCount > 0 || task.ImageRetryCount > 0 {
				fmt.Printf("rewrites:   text=%d image=%d\n", task.TextRetryCount, task.ImageRetryCount)
			}
			if task.ErrorMessage != "" {
				fmt.Printf("error:      %s\n", task.ErrorMessage)
			}
			fmt.Printf("created:    %s\n", task.CreatedAt.Format(timeFormat))
			if task.CompletedAt != nil {
				fmt.Printf("completed:  %s\n", task.CompletedAt.Format(timeFormat))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&taskID, "task-id", "", "task id (required)")
	_ = cmd.MarkFlagRequired("task-id")
	return cmd
}

func newResultCmd(flags *rootFlags) *cobra.Command {
	var (
		taskID string
		format string
	)

	cmd := &cobra.Command{
		Use:   "result",
		Short: "Print a task's final content",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			newLogger(flags.logLevel)
			st, err := buildStore(cfg)
			if err != nil {
				return err
			}

			task, err := st.FindByID(cmd.Context(), taskID)
			if err != nil {
				return err
			}
			if task.Status != store.StatusCompleted {
				return fmt.Errorf("task %s is %s, no result yet", taskID, task.Status)
			}
			results, err := st.FindResultsByTask(cmd.Context(), taskID)
			if err != nil {
				return err
			}

			switch strings.ToLower(format) {
			case "json":
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(results)
			case "", "text":
				for _, r := range results {
					if r.Type == store.ResultFinalArticle {
						fmt.Println(r.Content)
						return nil
					}
				}
				for _, r := range results {
					if r.Type == store.ResultArticle {
						fmt.Println(r.Content)
						return nil
					}
				}
				return fmt.Errorf("task %s has no article result", taskID)
			default:
				return fmt.Errorf("unknown format %q (want text or json)", format)
			}
		},
	}

	cmd.Flags().StringVar(&taskID, "task-id", "", "task id (required)")
	cmd.Flags().StringVar(&format, "format", "text", "output format: text or json")
	_ = cmd.MarkFlagRequired("task-id")
	return cmd
}

func newCancelCmd(flags *rootFlags) *cobra.Command {
	var taskID string

	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel a pending or running task",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			logger := newLogger(flags.logLevel)
			st, err := buildStore(cfg)
			if err != nil {
				return err
			}

			sched := scheduler.New(st, queue.NewMemQueue(), logger)
			if err := sched.CancelTask(cmd.Context(), taskID); err != nil {
				return err
			}
			fmt.Printf("task %s cancelled\n", taskID)
			return nil
		},
	}

	cmd.Flags().StringVar(&taskID, "task-id", "", "task id (required)")
	_ = cmd.MarkFlagRequired("task-id")
	return cmd
}
