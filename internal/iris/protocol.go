package iris

import "fmt"

// HeartbeatTopic is the reserved subscription carrying server heartbeats.
// The broker subscribes to it on behalf of every client and never delivers
// it to them.
const HeartbeatTopic = "_hb"

// Request frames on the ROUTER socket (either direction):
//
//	frame 0: connection id of the addressed / sending peer
//	frame 1: empty delimiter
//	frame 2: message type
//	frame 3..: payload
//
// Publications on the SUB socket:
//
//	frame 0: subscription key
//	frame 1: connection id of the sending peer
//	frame 2..: payload

// routerFrames assembles an outbound ROUTER message for the given peer.
func routerFrames(connID, msgType string, payload [][]byte) []interface{} {
	parts := make([]interface{}, 0, 3+len(payload))
	parts = append(parts, connID, "", msgType)
	for _, f := range payload {
		parts = append(parts, f)
	}
	return parts
}

// pubFrames assembles an outbound PUB message.
func pubFrames(topic, connID string, payload [][]byte) []interface{} {
	parts := make([]interface{}, 0, 2+len(payload))
	parts = append(parts, topic, connID)
	for _, f := range payload {
		parts = append(parts, f)
	}
	return parts
}

// parseRouterMessage splits an inbound ROUTER multipart into its components.
func parseRouterMessage(frames [][]byte) (connID string, msgType string, payload [][]byte, err error) {
	if len(frames) < 3 {
		return "", "", nil, fmt.Errorf("router message has %d frames, want at least 3", len(frames))
	}
	if len(frames[1]) != 0 {
		return "", "", nil, fmt.Errorf("router message missing empty delimiter")
	}
	return string(frames[0]), string(frames[2]), frames[3:], nil
}

// parseSubMessage splits an inbound SUB multipart into its components.
func parseSubMessage(frames [][]byte) (topic string, connID string, payload [][]byte, err error) {
	if len(frames) < 2 {
		return "", "", nil, fmt.Errorf("sub message has %d frames, want at least 2", len(frames))
	}
	return string(frames[0]), string(frames[1]), frames[2:], nil
}
