package tool

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fetchcore/fetch/model"
	"github.com/fetchcore/fetch/workspace"
)

func coreTools(deps Deps) []*Tool {
	tools := []*Tool{
		workspaceList(deps),
		workspaceSelect(deps),
		workspaceStatus(deps),
		workspaceCreate(deps),
		workspaceDelete(deps),
	}
	return append(tools, taskTools(deps)...)
}

// objSchema builds "type: object" schemas with additionalProperties off.
func objSchema(props map[string]any, required ...string) map[string]any {
	s := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		req := make([]any, len(required))
		for i, r := range required {
			req[i] = r
		}
		s["required"] = req
	}
	return s
}

func nameProp(desc string) map[string]any {
	return map[string]any{
		"type":        "string",
		"description": desc,
		"pattern":     workspaceName,
	}
}

func strProp(desc string, maxLen int) map[string]any {
	return map[string]any{
		"type":        "string",
		"description": desc,
		"maxLength":   maxLen,
	}
}

func workspaceList(deps Deps) *Tool {
	return &Tool{
		Name:        "workspace_list",
		Description: "List all workspaces under the workspace root with their detected project type and git branch.",
		Schema:      objSchema(map[string]any{}),
		Run: func(ctx context.Context, inv Invocation) *Result {
			list, err := deps.Workspaces.List(ctx, false)
			if err != nil {
				return Errorf("list workspaces: %v", err)
			}
			if len(list) == 0 {
				return Ok("No workspaces yet. Use workspace_create to scaffold one.")
			}
			workspace.MarkActive(list, inv.Session.ActiveWorkspaceID)

			var b strings.Builder
			for _, ws := range list {
				fmt.Fprintf(&b, "- %s (%s)", ws.ID, ws.ProjectType)
				if ws.GitStatus != nil && ws.GitStatus.Branch != "" {
					fmt.Fprintf(&b, " on %s", ws.GitStatus.Branch)
				}
				if ws.IsActive {
					b.WriteString(" [active]")
				}
				b.WriteString("\n")
			}
			res := Ok(strings.TrimRight(b.String(), "\n"))
			res.Metadata = map[string]any{"count": len(list)}
			return res
		},
	}
}

func workspaceSelect(deps Deps) *Tool {
	return &Tool{
		Name:        "workspace_select",
		Description: "Set the session's active workspace. Subsequent tasks run there.",
		Schema:      objSchema(map[string]any{"name": nameProp("workspace directory name")}, "name"),
		Run: func(ctx context.Context, inv Invocation) *Result {
			name := argString(inv.Args, "name")
			ws, err := deps.Workspaces.Select(ctx, name)
			if err != nil {
				if errors.Is(err, workspace.ErrNotFound) {
					return Errorf("workspace %q does not exist", name)
				}
				return Errorf("select workspace: %v", err)
			}

			inv.Session.ActiveWorkspaceID = ws.ID
			if err := deps.Sessions.UpdateSession(inv.Session); err != nil {
				return Errorf("persist selection: %v", err)
			}
			res := Ok(fmt.Sprintf("Active workspace: %s (%s)", ws.ID, ws.ProjectType))
			res.Metadata = map[string]any{"workspace": ws.ID}
			return res
		},
	}
}

func workspaceStatus(deps Deps) *Tool {
	return &Tool{
		Name:        "workspace_status",
		Description: "Show a workspace's detected project type and git status. Defaults to the active workspace.",
		Schema:      objSchema(map[string]any{"name": nameProp("workspace name; omit for the active one")}),
		Run: func(ctx context.Context, inv Invocation) *Result {
			name := argString(inv.Args, "name")
			if name == "" {
				name = inv.Session.ActiveWorkspaceID
			}
			if name == "" {
				return Errorf("no workspace selected; pass a name or select one first")
			}
			ws, err := deps.Workspaces.Status(ctx, name)
			if err != nil {
				if errors.Is(err, workspace.ErrNotFound) {
					return Errorf("workspace %q does not exist", name)
				}
				return Errorf("workspace status: %v", err)
			}
			res := Ok(formatWorkspace(ws))
			res.Metadata = map[string]any{"workspace": ws.ID, "project_type": ws.ProjectType}
			return res
		},
	}
}

func workspaceCreate(deps Deps) *Tool {
	tplEnum := make([]any, 0, len(workspace.TemplateNames()))
	for _, name := range workspace.TemplateNames() {
		tplEnum = append(tplEnum, name)
	}
	return &Tool{
		Name:        "workspace_create",
		Description: "Create a new workspace, optionally scaffolded from a template (empty|node|python|rust|go|react|next).",
		Schema: objSchema(map[string]any{
			"name": nameProp("directory name for the new workspace"),
			"template": map[string]any{
				"type":        "string",
				"description": "scaffold template; defaults to empty",
				"enum":        tplEnum,
			},
			"git": map[string]any{
				"type":        "boolean",
				"description": "initialize a git repository (default true)",
			},
		}, "name"),
		Run: func(ctx context.Context, inv Invocation) *Result {
			name := argString(inv.Args, "name")
			tpl := argString(inv.Args, "template")
			if tpl == "" {
				tpl = "empty"
			}
			ws, err := deps.Workspaces.Create(ctx, name, tpl, argBool(inv.Args, "git", true))
			if err != nil {
				switch {
				case errors.Is(err, workspace.ErrExists):
					return Errorf("workspace %q already exists", name)
				case errors.Is(err, workspace.ErrUnknownTemplate):
					return Errorf("unknown template %q; available: %s", tpl, strings.Join(workspace.TemplateNames(), ", "))
				}
				return Errorf("create workspace: %v", err)
			}
			res := Ok(fmt.Sprintf("Workspace %s created from template %s", ws.ID, tpl))
			res.Metadata = map[string]any{"workspace": ws.ID, "template": tpl}
			return res
		},
	}
}

func workspaceDelete(deps Deps) *Tool {
	return &Tool{
		Name:        "workspace_delete",
		Description: "Delete a workspace directory and everything in it. The active workspace cannot be deleted.",
		Schema:      objSchema(map[string]any{"name": nameProp("workspace to delete")}, "name"),
		Danger:      DangerWrite,
		Run: func(ctx context.Context, inv Invocation) *Result {
			name := argString(inv.Args, "name")
			err := deps.Workspaces.Delete(ctx, name, inv.Session.ActiveWorkspaceID)
			if err != nil {
				switch {
				case errors.Is(err, workspace.ErrActive):
					return Errorf("refusing to delete the active workspace; select another first")
				case errors.Is(err, workspace.ErrNotFound):
					return Errorf("workspace %q does not exist", name)
				}
				return Errorf("delete workspace: %v", err)
			}
			return Ok(fmt.Sprintf("Workspace %s deleted", name))
		},
	}
}

func formatWorkspace(ws *model.Workspace) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s)", ws.ID, ws.ProjectType)
	g := ws.GitStatus
	if g == nil {
		b.WriteString("\nnot a git repository")
		return b.String()
	}
	fmt.Fprintf(&b, "\nbranch %s", g.Branch)
	if g.Ahead > 0 {
		fmt.Fprintf(&b, ", %d ahead", g.Ahead)
	}
	if g.Behind > 0 {
		fmt.Fprintf(&b, ", %d behind", g.Behind)
	}
	if n := len(g.Staged); n > 0 {
		fmt.Fprintf(&b, "\n%d staged", n)
	}
	if n := len(g.Modified); n > 0 {
		fmt.Fprintf(&b, "\n%d modified", n)
	}
	if n := len(g.Untracked); n > 0 {
		fmt.Fprintf(&b, "\n%d untracked", n)
	}
	if g.LastCommit != "" {
		fmt.Fprintf(&b, "\nlast commit: %s", g.LastCommit)
	}
	return b.String()
}
