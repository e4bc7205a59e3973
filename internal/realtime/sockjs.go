package realtime

import (
	"log/slog"
	"net/http"

	"qms/qsystem/internal/hub"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
)

// SockJSPrefix is where the SockJS endpoint is mounted.
const SockJSPrefix = "/realtime"

// NewSockJSHandler serves the hub to SockJS clients. Mount it on
// SockJSPrefix + "/".
func NewSockJSHandler(h *hub.Hub, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return sockjs.NewHandler(SockJSPrefix, sockjs.DefaultOptions, func(session sockjs.Session) {
		client := &hub.Client{ID: uuid.NewString(), Send: make(chan []byte, sendBuffer)}
		h.Register(client)
		defer h.Unregister(client)
		logger.Debug("sockjs viewer connected", "client_id", client.ID, "session_id", session.ID())

		go func() {
			for msg := range client.Send {
				if err := session.Send(string(msg)); err != nil {
					logger.Debug("sockjs send failed", "client_id", client.ID, "error", err)
					return
				}
			}
		}()

		for {
			if _, err := session.Recv(); err != nil {
				return
			}
		}
	})
}
