package qos

import "errors"

var (
	// ErrFlowControlExhausted is returned by AllocPacketID when all 65535
	// packet identifiers are currently in flight and the caller must back
	// off before publishing anything else at qos>0.
	ErrFlowControlExhausted = errors.New("qos: flow control exhausted, no free packet id")
)
