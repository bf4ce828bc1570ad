package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/muxhq/mux/internal/runtime"
	"github.com/muxhq/mux/internal/session"
	"github.com/muxhq/mux/pkg/models"
)

// Command ids of the external command surface. subscribeChat and
// subscribeMetadata are handled by the websocket layer directly.
const (
	CmdSendMessage     = "sendMessage"
	CmdResumeStream    = "resumeStream"
	CmdInterruptStream = "interruptStream"
	CmdTruncateHistory = "truncateHistory"
	CmdReplaceHistory  = "replaceHistory"
	CmdExecuteBash     = "executeBash"
	CmdCreateWorkspace = "createWorkspace"
	CmdForkWorkspace   = "forkWorkspace"
	CmdRenameWorkspace = "renameWorkspace"
	CmdDeleteWorkspace = "deleteWorkspace"
	CmdListWorkspaces  = "listWorkspaces"
	CmdListBranches    = "listBranches"
)

// Command is one inbound request on the command surface.
type Command struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type sendMessagePayload struct {
	WorkspaceID   string        `json:"workspace_id"`
	Text          string        `json:"text"`
	Model         string        `json:"model,omitempty"`
	Mode          models.Mode   `json:"mode,omitempty"`
	Synthetic     bool          `json:"synthetic,omitempty"`
	Attachments   []models.Part `json:"attachments,omitempty"`
	EditMessageID string        `json:"edit_message_id,omitempty"`
}

type workspacePayload struct {
	WorkspaceID string `json:"workspace_id"`
}

type interruptPayload struct {
	WorkspaceID    string `json:"workspace_id"`
	AbandonPartial bool   `json:"abandon_partial,omitempty"`
}

type truncatePayload struct {
	WorkspaceID string  `json:"workspace_id"`
	Fraction    float64 `json:"fraction"`
}

type replaceHistoryPayload struct {
	WorkspaceID string         `json:"workspace_id"`
	Summary     models.Message `json:"summary"`
}

type executeBashPayload struct {
	WorkspaceID string `json:"workspace_id"`
	Script      string `json:"script"`
	TimeoutSec  int    `json:"timeout_sec,omitempty"`
}

type createWorkspacePayload struct {
	ProjectPath string                `json:"project_path"`
	Title       string                `json:"title,omitempty"`
	TrunkBranch string                `json:"trunk_branch,omitempty"`
	Runtime     *models.RuntimeConfig `json:"runtime_config,omitempty"`
}

type forkWorkspacePayload struct {
	SourceWorkspaceID string `json:"source_workspace_id"`
	Title             string `json:"title,omitempty"`
}

type renameWorkspacePayload struct {
	WorkspaceID string `json:"workspace_id"`
	Title       string `json:"title"`
}

type deleteWorkspacePayload struct {
	WorkspaceID string `json:"workspace_id"`
	Force       bool   `json:"force,omitempty"`
}

type listBranchesPayload struct {
	ProjectPath string `json:"project_path"`
}

// Dispatch routes a command to its handler and returns the JSON-encodable
// result.
func (e *Engine) Dispatch(ctx context.Context, cmd Command) (any, error) {
	switch cmd.ID {
	case CmdSendMessage:
		var p sendMessagePayload
		if err := decode(cmd.Payload, &p); err != nil {
			return nil, err
		}
		sess, err := e.Session(p.WorkspaceID)
		if err != nil {
			return nil, err
		}
		err = sess.SendMessage(ctx, p.Text, session.SendOptions{
			ModelString:   p.Model,
			Mode:          p.Mode,
			Synthetic:     p.Synthetic,
			Attachments:   p.Attachments,
			EditMessageID: p.EditMessageID,
		})
		return okResult(err)

	case CmdResumeStream:
		var p workspacePayload
		if err := decode(cmd.Payload, &p); err != nil {
			return nil, err
		}
		sess, err := e.Session(p.WorkspaceID)
		if err != nil {
			return nil, err
		}
		return okResult(sess.ResumeStream(ctx))

	case CmdInterruptStream:
		var p interruptPayload
		if err := decode(cmd.Payload, &p); err != nil {
			return nil, err
		}
		sess, err := e.Session(p.WorkspaceID)
		if err != nil {
			return nil, err
		}
		return okResult(sess.InterruptStream(p.AbandonPartial))

	case CmdTruncateHistory:
		var p truncatePayload
		if err := decode(cmd.Payload, &p); err != nil {
			return nil, err
		}
		sess, err := e.Session(p.WorkspaceID)
		if err != nil {
			return nil, err
		}
		removed, err := sess.TruncateHistory(p.Fraction)
		if err != nil {
			return nil, err
		}
		return map[string]any{"removed_sequences": removed}, nil

	case CmdReplaceHistory:
		var p replaceHistoryPayload
		if err := decode(cmd.Payload, &p); err != nil {
			return nil, err
		}
		sess, err := e.Session(p.WorkspaceID)
		if err != nil {
			return nil, err
		}
		return okResult(sess.ReplaceHistory(p.Summary))

	case CmdExecuteBash:
		var p executeBashPayload
		if err := decode(cmd.Payload, &p); err != nil {
			return nil, err
		}
		return e.ExecuteBash(ctx, p.WorkspaceID, p.Script, runtime.ExecOpts{
			TimeoutSec: p.TimeoutSec,
		})

	case CmdCreateWorkspace:
		var p createWorkspacePayload
		if err := decode(cmd.Payload, &p); err != nil {
			return nil, err
		}
		return e.CreateWorkspace(ctx, CreateParams{
			ProjectPath: p.ProjectPath,
			Title:       p.Title,
			TrunkBranch: p.TrunkBranch,
			Runtime:     p.Runtime,
		})

	case CmdForkWorkspace:
		var p forkWorkspacePayload
		if err := decode(cmd.Payload, &p); err != nil {
			return nil, err
		}
		return e.ForkWorkspace(ctx, p.SourceWorkspaceID, p.Title)

	case CmdRenameWorkspace:
		var p renameWorkspacePayload
		if err := decode(cmd.Payload, &p); err != nil {
			return nil, err
		}
		return e.RenameWorkspace(ctx, p.WorkspaceID, p.Title)

	case CmdDeleteWorkspace:
		var p deleteWorkspacePayload
		if err := decode(cmd.Payload, &p); err != nil {
			return nil, err
		}
		return okResult(e.DeleteWorkspace(ctx, p.WorkspaceID, p.Force))

	case CmdListWorkspaces:
		return e.ListWorkspaces(), nil

	case CmdListBranches:
		var p listBranchesPayload
		if err := decode(cmd.Payload, &p); err != nil {
			return nil, err
		}
		branches, err := e.ListBranches(ctx, p.ProjectPath)
		if err != nil {
			return nil, err
		}
		return map[string]any{"branches": branches}, nil

	default:
		return nil, fmt.Errorf("unknown command %q", cmd.ID)
	}
}

func decode(payload json.RawMessage, into any) error {
	if len(payload) == 0 {
		return fmt.Errorf("missing command payload")
	}
	if err := json.Unmarshal(payload, into); err != nil {
		return fmt.Errorf("invalid command payload: %w", err)
	}
	return nil
}

func okResult(err error) (any, error) {
	if err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}
