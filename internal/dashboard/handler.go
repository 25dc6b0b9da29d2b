package dashboard

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/contavoto/fieldsync/internal/connectivity"
	"github.com/contavoto/fieldsync/internal/daemon"
)

// Handler turns daemon passes and connectivity transitions into dashboard
// messages.
type Handler struct {
	server *Server
	signal connectivity.Signal
	logger *log.Logger
}

// NewHandler creates a Handler. signal may be nil.
func NewHandler(server *Server, signal connectivity.Signal, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}
	return &Handler{server: server, signal: signal, logger: logger}
}

// Subscribe broadcasts a connectivity message on every online transition.
// The returned func removes the subscription.
func (h *Handler) Subscribe() func() {
	if h.signal == nil {
		return func() {}
	}
	return h.signal.Subscribe(func() {
		if err := h.server.BroadcastData(MessageTypeConnectivity, ConnectivityData{Online: true}); err != nil {
			h.logger.Printf("WARNING: %v", err)
		}
	})
}

// OnPass broadcasts a pass summary and the refreshed stats. It is meant to
// be installed as daemon.Config.OnPass.
func (h *Handler) OnPass(ev daemon.PassEvent) {
	data := PassData{
		Trigger:    ev.Trigger,
		SyncRan:    ev.Sync.Success,
		SyncReason: ev.Sync.Reason,
		DurationMs: ev.FinishedAt.Sub(ev.StartedAt).Milliseconds(),
	}
	if r := ev.Sync.Report; r != nil {
		data.RecordsOK = r.OK()
		data.RecordsFail = r.Failed()
	}
	if r := ev.Media.Report; r != nil {
		data.Uploaded = r.Uploaded
		data.UploadsFail = r.Failed + r.Dead
	}
	if h.signal != nil {
		data.DeviceOnline = h.signal.IsOnline()
	}

	if err := h.server.BroadcastData(MessageTypePass, data); err != nil {
		h.logger.Printf("WARNING: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h.server.Broadcast(h.server.snapshot(ctx))
}
