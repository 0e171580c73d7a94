package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/opspawn/agentos/internal/task"
)

// DoneMarker 出现在 dialogue 发言中时表示讨论结束。
const DoneMarker = "[DONE]"

type execution struct {
	o       *Orchestrator
	task    *task.Task
	plan    task.Plan
	started time.Time
}

// sequential 依次执行子任务，前一步的产出作为下一步的输入。
func (e *execution) sequential(ctx context.Context) (*task.Result, error) {
	results := make([]task.SubtaskResult, 0, len(e.plan.Subtasks))
	previous := ""
	for i, sub := range e.plan.Subtasks {
		input := chainInput(sub, e.task.Description, previous, i == 0)
		res, err := e.hireSubtask(ctx, sub, sub.ID, input)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
		previous = res.Output
	}
	return &task.Result{
		Mode:     task.ModeSequential,
		Output:   previous,
		Subtasks: results,
		Spent:    sumSpent(results),
	}, nil
}

func chainInput(sub task.Subtask, description, previous string, first bool) string {
	switch {
	case first && sub.Input != "":
		return sub.Input
	case first:
		return description
	case sub.Input != "":
		return sub.Input + "\n\n" + previous
	default:
		return previous
	}
}

// concurrent 并行执行相互独立的子任务并按计划顺序汇总产出。
func (e *execution) concurrent(ctx context.Context) (*task.Result, error) {
	results := make([]task.SubtaskResult, len(e.plan.Subtasks))
	sem := semaphore.NewWeighted(int64(e.o.cfg.Concurrency))
	group, gctx := errgroup.WithContext(ctx)
	for i, sub := range e.plan.Subtasks {
		group.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			input := sub.Input
			if input == "" {
				input = e.task.Description
			}
			res, err := e.hireSubtask(gctx, sub, sub.ID, input)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	outputs := make([]string, 0, len(results))
	for _, res := range results {
		if res.Output != "" {
			outputs = append(outputs, res.Output)
		}
	}
	return &task.Result{
		Mode:     task.ModeConcurrent,
		Output:   strings.Join(outputs, "\n"),
		Subtasks: results,
		Spent:    sumSpent(results),
	}, nil
}

// dialogue 让参与者围绕共享记录轮流发言，直到有人标记结束或达到最大轮数。
func (e *execution) dialogue(ctx context.Context) (*task.Result, error) {
	var (
		transcript []string
		results    []task.SubtaskResult
	)
	render := func() string {
		var b strings.Builder
		b.WriteString(e.task.Description)
		for _, line := range transcript {
			b.WriteString("\n\n")
			b.WriteString(line)
		}
		return b.String()
	}

	rounds := 0
	done := false
	for round := 1; round <= e.o.cfg.MaxDialogueRounds && !done; round++ {
		rounds = round
		for _, sub := range e.plan.Subtasks {
			key := fmt.Sprintf("%s@%d", sub.ID, round)
			input := render()
			if round == 1 && sub.Input != "" {
				input = sub.Input + "\n\n" + input
			}
			res, err := e.hireSubtask(ctx, sub, key, input)
			if err != nil {
				return nil, err
			}
			said := strings.TrimSpace(res.Output)
			if strings.Contains(said, DoneMarker) {
				done = true
				said = strings.TrimSpace(strings.ReplaceAll(said, DoneMarker, ""))
			}
			res.Output = said
			if said != "" {
				transcript = append(transcript, fmt.Sprintf("[%s] %s", sub.ID, said))
			}
			results = append(results, res)
			if done {
				break
			}
		}
	}
	return &task.Result{
		Mode:     task.ModeDialogue,
		Output:   strings.Join(transcript, "\n"),
		Subtasks: results,
		Rounds:   rounds,
		Spent:    sumSpent(results),
	}, nil
}
