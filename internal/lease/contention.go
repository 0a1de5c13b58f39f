package lease

import (
	"errors"
	"time"
)

// Action is what a requester should do next with an Acquire answer.
type Action string

const (
	ActionProceed          Action = "proceed"
	ActionHeartbeatAndWait Action = "heartbeat_and_wait"
	ActionWait             Action = "wait"
	ActionStop             Action = "stop"
)

// Advice spells out the contention protocol for one Acquire answer.
type Advice struct {
	Action Action        `json:"action" enum:"proceed,heartbeat_and_wait,wait,stop"`
	Wait   time.Duration `json:"wait,omitempty"`
	Reason string        `json:"reason,omitempty"`
}

// Advise maps the result of Acquire onto the requester's next step: emit a
// heartbeat and wait RetryInterval after the first denial, retry exactly
// once, and stop for operator help once blocked.
func Advise(res Result, err error) Advice {
	var blocked *BlockedError
	switch {
	case errors.As(err, &blocked):
		return Advice{Action: ActionStop, Reason: blocked.Error()}
	case err != nil:
		return Advice{Action: ActionStop, Reason: err.Error()}
	case res.Decision == Granted:
		return Advice{Action: ActionProceed}
	case res.HeartbeatFirst:
		return Advice{Action: ActionHeartbeatAndWait, Wait: res.Wait, Reason: "held by " + res.Owner}
	default:
		return Advice{Action: ActionWait, Wait: res.Wait, Reason: "held by " + res.Owner}
	}
}
