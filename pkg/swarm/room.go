package swarm

import (
	"time"

	"github.com/orch-os/adapter-swarm/pkg/protocol"
)

// RoomState tracks the membership lifecycle of the single current room.
type RoomState int

const (
	StateDisconnected RoomState = iota
	StateJoining
	StateJoined
	StateLeaving
	StateRecovering
)

func (s RoomState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateJoining:
		return "joining"
	case StateJoined:
		return "joined"
	case StateLeaving:
		return "leaving"
	case StateRecovering:
		return "recovering"
	default:
		return "unknown"
	}
}

// Classification describes how a room was established.
type Classification string

const (
	ClassGeneral      Classification = "general"
	ClassLocalNetwork Classification = "local-network"
	ClassPrivate      Classification = "private"
)

// RoomInfo is the externally visible description of the current room.
type RoomInfo struct {
	Topic          protocol.Topic
	Code           string
	Classification Classification
}

// isLocalNetworkTopic would detect topics derived from the local network
// segment. Detection is not implemented; every topic classifies as remote.
func isLocalNetworkTopic(protocol.Topic) bool {
	return false
}

func classify(t protocol.Topic) Classification {
	if isLocalNetworkTopic(t) {
		return ClassLocalNetwork
	}
	return ClassGeneral
}

// ReconnectDelay is the backoff policy for room recovery: the delay grows
// linearly with the attempt count.
func ReconnectDelay(base time.Duration, attempt int) time.Duration {
	return base * time.Duration(attempt)
}
