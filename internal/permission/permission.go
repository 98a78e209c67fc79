// Package permission implements the Permission Policy Engine (spec.md
// §4.7): a pure decision function the executor calls for every permission
// request the agent runtime raises while a job runs.
package permission

import (
	"path/filepath"
	"strings"

	"github.com/kraklabs/coderun/internal/repository"
)

// Request mirrors the permission request payload the agent runtime sends.
type Request struct {
	Permission string
	Patterns   []string
	Metadata   map[string]any
}

// Decision is the policy's verdict for one Request.
type Decision struct {
	Reply   repository.PermissionReply
	Message string
}

var dangerousTokens = []string{
	"sudo ", "rm -rf /", "mkfs", "shutdown", "reboot",
	"curl ", "wget ", "scp ", "ssh ",
}

// Engine decides whether to auto-approve or reject a permission request.
type Engine struct{}

// NewEngine returns the enterprise-safe baseline policy.
func NewEngine() *Engine { return &Engine{} }

// Decide allows workspace-local file edits and rejects anything pointing
// outside workspaceDir or matching a dangerous shell command pattern.
func (Engine) Decide(req Request, workspaceDir string) Decision {
	permission := strings.ToLower(req.Permission)

	command := ""
	if req.Metadata != nil {
		if v, ok := req.Metadata["command"]; ok {
			command = strings.ToLower(toString(v))
		}
	}
	for _, token := range dangerousTokens {
		if strings.Contains(command, token) {
			return Decision{Reply: repository.ReplyReject, Message: "rejected by security policy: dangerous command"}
		}
	}

	for _, pattern := range req.Patterns {
		if looksLikePath(pattern) && !pathInWorkspace(pattern, workspaceDir) {
			return Decision{Reply: repository.ReplyReject, Message: "rejected by security policy: outside workspace"}
		}
	}

	switch {
	case strings.Contains(permission, "edit"), strings.Contains(permission, "write"), strings.Contains(permission, "file"):
		return Decision{Reply: repository.ReplyOnce}
	case strings.Contains(permission, "shell"):
		return Decision{Reply: repository.ReplyReject, Message: "rejected by security policy: shell not whitelisted"}
	default:
		return Decision{Reply: repository.ReplyOnce}
	}
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func looksLikePath(value string) bool {
	return strings.Contains(value, "/") || strings.HasPrefix(value, ".")
}

func pathInWorkspace(value, workspaceDir string) bool {
	candidate := value
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(workspaceDir, candidate)
	}
	candidate = filepath.Clean(candidate)
	root := filepath.Clean(workspaceDir)

	if candidate == root {
		return true
	}
	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
