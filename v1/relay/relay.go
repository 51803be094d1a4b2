// Package relay forwards locally produced change events to other processes
// and feeds events produced elsewhere into a local broadcaster.
//
// Every sink implements broadcast.Sink and is installed with
// broadcast.WithSink. Events received from a relay keep their Origin, so a
// broadcaster never forwards them again.
package relay

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/mirkobrombin/go-todolock/v1/broadcast"
)

// DefaultSubjectPrefix is the NATS subject prefix; events go to
// <prefix>.<item>.
const DefaultSubjectPrefix = "todolock.events"

// DefaultRedisChannel is the Redis pub/sub channel carrying events.
const DefaultRedisChannel = "todolock:events"

func encode(ev broadcast.ChangeEvent) ([]byte, error) {
	return json.Marshal(ev)
}

// deliver publishes a remote event into b unless b produced it itself.
func deliver(b *broadcast.Broadcaster, logger *slog.Logger, source string, data []byte) {
	ev, err := broadcast.DecodeEvent(data)
	if err != nil {
		logger.Warn("todolock: dropping undecodable relay message", "relay", source, "error", err)
		return
	}
	if ev.Origin == "" || ev.Origin == b.NodeID() {
		return
	}
	b.Publish(ev)
}

var subjectReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", "\t", "_")

func subjectToken(itemID string) string {
	if itemID == "" {
		return "_"
	}
	return subjectReplacer.Replace(itemID)
}
