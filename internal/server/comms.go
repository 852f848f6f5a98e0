package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	comms "github.com/nats-io/nats.go"
)

// commandHandler serves command envelopes arriving as NATS requests. Every
// request gets exactly one Result reply; messages without a reply subject are
// dispatched and the result is dropped.
func (s *Server) commandHandler(ctx context.Context) comms.MsgHandler {
	return func(msg *comms.Msg) {
		res := s.adapter.DispatchRaw(ctx, msg.Data)
		if msg.Reply == "" {
			return
		}
		data, err := json.Marshal(res)
		if err != nil {
			slog.Error(fmt.Sprintf("%s - failed to encode response: %v", logPrefix, err))
			return
		}
		if err := msg.Respond(data); err != nil {
			slog.Warn(fmt.Sprintf("%s - failed to respond on %s: %v", logPrefix, msg.Reply, err))
		}
	}
}
