package importer

import "github.com/bhyt/costdash/internal/platform/websocket"

// ProgressEventType is the websocket event type of import progress.
const ProgressEventType = "import.progress"

// Topic is the websocket topic of a session.
func Topic(sessionID string) string {
	return "imports/" + sessionID
}

// HubPublisher forwards progress to websocket subscribers of the session.
type HubPublisher struct {
	hub *websocket.Hub
}

func NewHubPublisher(hub *websocket.Hub) *HubPublisher {
	return &HubPublisher{hub: hub}
}

func (p *HubPublisher) Publish(sessionID string, pr Progress) {
	p.hub.BroadcastData(Topic(sessionID), ProgressEventType, pr)
}
