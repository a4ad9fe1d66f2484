package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"peercall/internal/core/domain"
	"peercall/internal/core/services"
	"peercall/internal/infrastructure/webrtc"
	"peercall/internal/media"
)

// startDemoPeers joins n extra sessions to the in-process hub so a single
// binary can show a full mesh. They leave when ctx ends.
func startDemoPeers(
	ctx context.Context,
	n int,
	callID domain.CallID,
	self domain.UserID,
	tr *transport,
	cfg services.CallSessionConfig,
	factory *webrtc.Factory,
	devices *media.FileDevices,
	log *zap.SugaredLogger,
) {
	for i := 1; i <= n; i++ {
		user := domain.UserID(fmt.Sprintf("%s-demo-%d", self, i))
		session := services.NewCallSession(cfg, services.CallSessionDeps{
			Devices:  devices,
			Presence: tr.hub.Presence(),
			Relay:    tr.hub.Relay(user),
			Feed:     tr.hub.Feed(),
			Factory:  factory,
			Logger:   log.Named("demo"),
		})
		go func() {
			if err := session.Run(ctx, callID, user); err != nil {
				log.Warnw("demo peer ended with error", "user_id", user, "error", err)
			}
		}()
	}
	log.Infow("started demo peers", "count", n, "call_id", callID)
}
