package executor

import (
	"encoding/json"

	"github.com/kraklabs/coderun/internal/agentclient"
	"github.com/kraklabs/coderun/internal/permission"
)

func toPolicyRequest(req agentclient.PermissionRequest) permission.Request {
	return permission.Request{
		Permission: req.Permission,
		Patterns:   req.Patterns,
		Metadata:   req.Metadata,
	}
}

func marshalPayload(v any) string {
	if v == nil {
		return ""
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(encoded)
}
