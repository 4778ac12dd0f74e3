package tool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fetchcore/fetch/eventbus"
	"github.com/fetchcore/fetch/model"
	"github.com/fetchcore/fetch/store"
	"github.com/fetchcore/fetch/task"
)

func taskTools(deps Deps) []*Tool {
	return []*Tool{
		taskCreate(deps),
		taskCancel(deps),
		taskRespond(deps),
		askUser(deps),
		reportProgress(deps),
	}
}

func taskIDProp() map[string]any {
	return map[string]any{
		"type":        "string",
		"description": "task identifier (tsk_...)",
		"pattern":     taskIDRe.String(),
	}
}

func taskCreate(deps Deps) *Tool {
	return &Tool{
		Name:        "task_create",
		Description: "Start a coding task: a coding agent runs in the workspace until the goal is done. Only one task runs at a time.",
		Schema: objSchema(map[string]any{
			"goal": map[string]any{
				"type":        "string",
				"description": "what the coding agent should accomplish",
				"minLength":   1,
				"maxLength":   MaxGoalLen,
			},
			"agent": map[string]any{
				"type":        "string",
				"description": "which coding agent to use; auto picks the first available",
				"enum": []any{
					model.AgentClaude,
					model.AgentGemini,
					model.AgentCopilot,
					model.AgentAuto,
				},
			},
			"workspace": nameProp("workspace to run in; defaults to the active one"),
			"timeout_ms": map[string]any{
				"type":        "integer",
				"description": "inactivity timeout in milliseconds, clamped to [1s, 30m]",
			},
		}, "goal"),
		Danger: DangerWrite,
		Run: func(ctx context.Context, inv Invocation) *Result {
			goal := argString(inv.Args, "goal")
			agent := argString(inv.Args, "agent")
			if agent == "" {
				agent = model.AgentAuto
			}
			wsName := argString(inv.Args, "workspace")
			if wsName == "" {
				wsName = inv.Session.ActiveWorkspaceID
			}
			if wsName == "" {
				return Errorf("no workspace selected; create or select one first")
			}
			if _, err := deps.Workspaces.Get(ctx, wsName); err != nil {
				return Errorf("workspace %q does not exist", wsName)
			}

			var timeout time.Duration
			if ms := argInt(inv.Args, "timeout_ms"); ms > 0 {
				timeout = ClampTimeout(ms)
			}

			// Remember where the workspace stood so "undo" has a target.
			if head := deps.Workspaces.HeadCommit(ctx, wsName); head != "" {
				inv.Session.GitStartCommit = head
			}

			t, err := deps.Tasks.Create(ctx, task.CreateRequest{
				Session:     inv.Session,
				Goal:        goal,
				Agent:       agent,
				WorkspaceID: wsName,
				Cwd:         deps.Workspaces.PathFor(wsName),
				Timeout:     timeout,
				OnProgress:  inv.OnProgress,
			})
			if err != nil {
				if errors.Is(err, task.ErrQueueFull) {
					return Errorf("a task is already running; cancel it or wait for it to finish")
				}
				return Errorf("create task: %v", err)
			}
			res := Ok(fmt.Sprintf("Task %s started (%s) in %s", t.ID, agent, wsName))
			res.Metadata = map[string]any{
				"task_id":   t.ID,
				"agent":     agent,
				"workspace": wsName,
			}
			return res
		},
	}
}

func taskCancel(deps Deps) *Tool {
	return &Tool{
		Name:        "task_cancel",
		Description: "Cancel a pending or running task.",
		Schema:      objSchema(map[string]any{"task_id": taskIDProp()}, "task_id"),
		Run: func(ctx context.Context, inv Invocation) *Result {
			id := argString(inv.Args, "task_id")
			if err := deps.Tasks.Cancel(ctx, id); err != nil {
				switch {
				case errors.Is(err, task.ErrFinished):
					return Errorf("task %s already finished", id)
				case errors.Is(err, store.ErrNotFound):
					return Errorf("no such task: %s", id)
				}
				return Errorf("cancel task: %v", err)
			}
			return Ok(fmt.Sprintf("Cancellation requested for %s", id))
		},
	}
}

func taskRespond(deps Deps) *Tool {
	return &Tool{
		Name:        "task_respond",
		Description: "Answer a task that is waiting for input. The text is written to the coding agent's stdin; an empty response sends a bare newline.",
		Schema: objSchema(map[string]any{
			"task_id": taskIDProp(),
			"response": map[string]any{
				"type":        "string",
				"description": "the answer to forward",
				"maxLength":   MaxResponseLen,
			},
		}, "task_id", "response"),
		Run: func(ctx context.Context, inv Invocation) *Result {
			id := argString(inv.Args, "task_id")
			if err := deps.Tasks.Respond(ctx, id, argString(inv.Args, "response")); err != nil {
				if errors.Is(err, task.ErrNotWaiting) {
					return Errorf("task %s is not waiting for input", id)
				}
				return Errorf("respond: %v", err)
			}
			return Ok(fmt.Sprintf("Response forwarded to %s", id))
		},
	}
}

func askUser(deps Deps) *Tool {
	return &Tool{
		Name:        "ask_user",
		Description: "Ask the user a question and end your turn. Their next message is the answer.",
		Schema: objSchema(map[string]any{
			"question": map[string]any{
				"type":        "string",
				"description": "the question to put to the user",
				"minLength":   1,
				"maxLength":   MaxQuestionLen,
			},
		}, "question"),
		Run: func(ctx context.Context, inv Invocation) *Result {
			question := argString(inv.Args, "question")
			if inv.OnProgress == nil {
				return Errorf("no channel to reach the user")
			}
			inv.OnProgress("❓ " + question)
			return Ok("Question delivered. Stop and wait for the user's reply.")
		},
	}
}

func reportProgress(deps Deps) *Tool {
	return &Tool{
		Name:        "report_progress",
		Description: "Send the user a short progress update while you keep working.",
		Schema: objSchema(map[string]any{
			"message": map[string]any{
				"type":        "string",
				"description": "one-line status update",
				"minLength":   1,
				"maxLength":   MaxProgressLen,
			},
		}, "message"),
		Run: func(ctx context.Context, inv Invocation) *Result {
			msg := argString(inv.Args, "message")
			if inv.OnProgress != nil {
				inv.OnProgress("⋯ " + msg)
			}
			if deps.Bus != nil {
				deps.Bus.Publish(eventbus.TopicAgent, model.Event{
					Type:      "agent:progress",
					SessionID: inv.Session.ID,
					Data:      map[string]any{"message": msg},
					At:        time.Now(),
				})
			}
			return Ok("Progress reported")
		},
	}
}
