// Package notify is the collaborator seam for push notifications. Delivery is
// someone else's job; the supervisor only announces that a session went quiet
// and is waiting on a human.
package notify

import (
	"go.uber.org/zap"

	"github.com/agendo/agendo/internal/common/logger"
)

// Pusher fans a notification out to every subscribed device.
type Pusher interface {
	SendPushToAll(title, body, url string)
}

// LogPusher logs instead of delivering. Used until a real delivery backend is
// wired in deployments that want one.
type LogPusher struct {
	logger *logger.Logger
}

// NewLogPusher creates a log-only Pusher.
func NewLogPusher(log *logger.Logger) *LogPusher {
	return &LogPusher{logger: log.WithFields(zap.String("component", "notify"))}
}

// SendPushToAll logs the notification.
func (p *LogPusher) SendPushToAll(title, body, url string) {
	p.logger.Info("push notification",
		zap.String("title", title),
		zap.String("body", body),
		zap.String("url", url))
}

// TeamInbox polls a team leader's shared inbox for messages posted by
// teammate sessions. Polling runs only while the leader awaits input; the
// supervisor stops it the moment the session goes active again or exits.
type TeamInbox interface {
	StartPolling(sessionID string, deliver func(from, text string))
	StopPolling(sessionID string)
}

// LogTeamInbox logs polling transitions and never delivers. Used until a real
// inbox backend is wired.
type LogTeamInbox struct {
	logger *logger.Logger
}

// NewLogTeamInbox creates a log-only TeamInbox.
func NewLogTeamInbox(log *logger.Logger) *LogTeamInbox {
	return &LogTeamInbox{logger: log.WithFields(zap.String("component", "team-inbox"))}
}

// StartPolling logs the start of an inbox poll.
func (t *LogTeamInbox) StartPolling(sessionID string, deliver func(from, text string)) {
	t.logger.Info("team inbox polling started", zap.String("sessionId", sessionID))
}

// StopPolling logs the end of an inbox poll.
func (t *LogTeamInbox) StopPolling(sessionID string) {
	t.logger.Info("team inbox polling stopped", zap.String("sessionId", sessionID))
}
