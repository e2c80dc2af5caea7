package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"genqueue/config"
	"genqueue/falclient"
	"genqueue/logger"
	"genqueue/task"

	"github.com/spf13/cobra"
)

var (
	submitType   string
	submitModel  string
	submitPrompt string
	submitOpts   []string
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Run a single generation task and wait for its result",
	Example: `  genqueue submit --type image --model fal-ai/flux-pro/v1.1 --prompt "a red fox"
  genqueue submit --type video --model fal-ai/kling-video/v1/standard/text-to-video \
    --prompt "waves at dusk" --opt duration=5 --opt "negative_prompt=blur, text"`,
	Args: cobra.NoArgs,
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVarP(&submitType, "type", "t", string(task.TypeImage), "task type: image, video, image-to-image or image-to-video")
	submitCmd.Flags().StringVarP(&submitModel, "model", "m", "", "fal model id, e.g. fal-ai/flux-pro")
	submitCmd.Flags().StringVarP(&submitPrompt, "prompt", "p", "", "generation prompt")
	submitCmd.Flags().StringArrayVarP(&submitOpts, "opt", "o", nil, "model option as key=value, repeatable")
	_ = submitCmd.MarkFlagRequired("model")
	_ = submitCmd.MarkFlagRequired("prompt")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	typ := task.Type(submitType)
	switch typ {
	case task.TypeImage, task.TypeVideo, task.TypeImageToImage, task.TypeImageToVideo:
	default:
		return fmt.Errorf("unknown task type %q", submitType)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	log := logger.New(cfg.LogLevel, cmd.ErrOrStderr())

	defaults, err := falclient.DefaultOptions(cfg)
	if err != nil {
		return err
	}
	overrides := make(map[string]any, len(submitOpts))
	for _, kv := range submitOpts {
		key, value, err := falclient.ParseOption(kv)
		if err != nil {
			return err
		}
		overrides[key] = value
	}

	client, err := falclient.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize fal client: %w", err)
	}
	taskManager, err := task.NewManager(cfg, client, log)
	if err != nil {
		return fmt.Errorf("failed to initialize task manager: %w", err)
	}
	defer taskManager.Stop()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	final, err := waitForTask(ctx, taskManager, cmd.OutOrStdout(), typ, submitPrompt, submitModel,
		falclient.MergeOptions(defaults[task.KindOf(typ)], overrides))
	if err != nil {
		return err
	}
	if final.Status == task.StatusFailed {
		return fmt.Errorf("task %s failed: %s", final.ID, final.Error)
	}
	return printResult(cmd.OutOrStdout(), final.Result)
}

// waitForTask adds one task to tm, which must hold no other task, writes a
// line to out for every status change and returns the task once it is
// terminal. If ctx ends first the task is cancelled on the backend.
func waitForTask(ctx context.Context, tm *task.Manager, out io.Writer, typ task.Type, prompt, modelID string, options map[string]any) (task.Task, error) {
	done := make(chan task.Task, 1)
	var last task.Status
	id := tm.AddListener(func(tasks []task.Task) {
		if len(tasks) == 0 {
			return
		}
		t := tasks[0]
		if t.Status == last {
			return
		}
		last = t.Status
		if t.Status == task.StatusInQueue && t.QueuePosition != nil {
			fmt.Fprintf(out, "%s (position %d)\n", t.Status, *t.QueuePosition)
		} else {
			fmt.Fprintln(out, t.Status)
		}
		if t.Status.Terminal() {
			select {
			case done <- t:
			default:
			}
		}
	})
	defer tm.RemoveListener(id)

	created := tm.AddTask(typ, prompt, modelID, options)

	select {
	case t := <-done:
		return t, nil
	case <-ctx.Done():
		tm.CancelTask(context.Background(), created.ID)
		return task.Task{}, ctx.Err()
	}
}

func printResult(out io.Writer, r *task.Result) error {
	if r == nil {
		return nil
	}
	switch {
	case r.Image != nil:
		for _, img := range r.Image.Images {
			fmt.Fprintln(out, img.URL)
		}
	case r.Video != nil:
		fmt.Fprintln(out, r.Video.Video.URL)
	default:
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(r.Raw)
	}
	if seed := r.Seed(); seed != 0 {
		fmt.Fprintf(out, "seed %d\n", seed)
	}
	return nil
}
