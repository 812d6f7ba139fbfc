package conversation

import "errors"

var (
	ErrConversationNotFound = errors.New("conversation: not found")
	ErrAgentNotFound        = errors.New("conversation: agent not found")
	ErrInvalidPhone         = errors.New("conversation: invalid contact phone")
	ErrLockTimeout          = errors.New("conversation: contact lock busy")
)
