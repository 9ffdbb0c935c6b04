package sync

import (
	"net/http"

	"github.com/danielgtaylor/huma/v2"
)

var bearerSecurity = []map[string][]string{{"bearer": {}}}

func (h *Handler) pushOp() huma.Operation {
	return huma.Operation{
		OperationID: "sync-push",
		Method:      http.MethodPost,
		Path:        "/sync/push",
		Summary:     "Push terminal changes",
		Description: "Applies outbox changes of a terminal. Every change gets its own result: success, conflict with central data, or a coded failure.",
		Tags:        []string{"sync"},
		Security:    bearerSecurity,
		Middlewares: h.middleware,
	}
}

func (h *Handler) pullOp() huma.Operation {
	return huma.Operation{
		OperationID: "sync-pull",
		Method:      http.MethodGet,
		Path:        "/sync/pull",
		Summary:     "Pull central changes",
		Description: "Returns entities of one type changed after lastSync within the terminal scope, oldest first, including soft-deleted ones.",
		Tags:        []string{"sync"},
		Security:    bearerSecurity,
		Middlewares: h.middleware,
	}
}

func (h *Handler) resolveOp() huma.Operation {
	return huma.Operation{
		OperationID: "sync-resolve",
		Method:      http.MethodPost,
		Path:        "/sync/resolve",
		Summary:     "Report a conflict resolution",
		Description: "Idempotent by conflictId. TERMINAL_WINS and MANUAL_MERGE with data replace the central copy.",
		Tags:        []string{"sync"},
		Security:    bearerSecurity,
		Middlewares: h.middleware,
	}
}

func (h *Handler) heartbeatOp() huma.Operation {
	return huma.Operation{
		OperationID: "sync-heartbeat",
		Method:      http.MethodPost,
		Path:        "/sync/heartbeat",
		Summary:     "Terminal heartbeat",
		Tags:        []string{"sync"},
		Security:    bearerSecurity,
		Middlewares: h.middleware,
	}
}

func (h *Handler) statusOp() huma.Operation {
	return huma.Operation{
		OperationID: "sync-status",
		Method:      http.MethodGet,
		Path:        "/sync/status",
		Summary:     "Sync status per entity type",
		Tags:        []string{"sync"},
		Security:    bearerSecurity,
		Middlewares: h.middleware,
	}
}

func (h *Handler) terminalsOp() huma.Operation {
	return huma.Operation{
		OperationID: "sync-terminals",
		Method:      http.MethodGet,
		Path:        "/sync/terminals",
		Summary:     "Active terminals",
		Tags:        []string{"sync"},
		Security:    bearerSecurity,
		Middlewares: h.adminMiddleware,
	}
}

func (h *Handler) fullSyncOp() huma.Operation {
	return huma.Operation{
		OperationID:   "sync-all",
		Method:        http.MethodPost,
		Path:          "/sync/all",
		Summary:       "Trigger full resync",
		Description:   "Marks terminals SYNCING, schedules a one-time full pull of every pullable type and notifies connected terminals.",
		Tags:          []string{"sync", "admin"},
		Security:      bearerSecurity,
		DefaultStatus: http.StatusAccepted,
		Middlewares:   h.adminMiddleware,
	}
}
