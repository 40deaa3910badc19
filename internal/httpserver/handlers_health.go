package httpserver

import (
	"net/http"

	"github.com/ZecPay/facilitator/internal/logger"
	"github.com/ZecPay/facilitator/pkg/responders"
)

// health reports liveness. The node check is the load-bearing part: a
// facilitator that cannot reach its node cannot verify anything.
func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":  "ok",
		"network": h.cfg.Protocol.Network,
	}

	if h.node != nil {
		if err := h.node.Ping(r.Context()); err != nil {
			logger.FromContext(r.Context()).Warn().Err(err).Msg("httpserver.node_unreachable")
			resp["status"] = "degraded"
			resp["node"] = "unreachable"
			responders.JSON(w, http.StatusServiceUnavailable, resp)
			return
		}
		if height, err := h.node.BlockCount(r.Context()); err == nil {
			resp["blockHeight"] = height
		}
	}

	responders.JSON(w, http.StatusOK, resp)
}
