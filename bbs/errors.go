package bbs

// BoardError is a user-facing failure. Values are compared by identity, so
// callers match them with errors.Is.
type BoardError struct {
	msg string
}

func (e *BoardError) Error() string {
	return e.msg
}

// Connection admission
var (
	ErrCapacityExceeded = &BoardError{msg: "all nodes are in use, try again later"}
	ErrRateLimited      = &BoardError{msg: "too many connections from your address, slow down"}
	ErrDuplicateConn    = &BoardError{msg: "connection already registered"}
)

// Validation
var (
	ErrNotAuthenticated    = &BoardError{msg: "you must log in first"}
	ErrDenied              = &BoardError{msg: "access denied"}
	ErrBusy                = &BoardError{msg: "finish what you are doing first"}
	ErrNotAvailable        = &BoardError{msg: "you are not available for chat (use A to toggle)"}
	ErrAlreadyInChat       = &BoardError{msg: "you are already in a chat"}
	ErrRequestPending      = &BoardError{msg: "you already have a chat request pending"}
	ErrTargetNotFound      = &BoardError{msg: "no such user"}
	ErrTargetOffline       = &BoardError{msg: "that user is not online"}
	ErrTargetUnavailable   = &BoardError{msg: "that user is not available for chat"}
	ErrTargetBusy          = &BoardError{msg: "that user is already in a chat"}
	ErrSelfChat            = &BoardError{msg: "you cannot chat with yourself"}
	ErrNoSuchChat          = &BoardError{msg: "no such chat request"}
	ErrNotRecipient        = &BoardError{msg: "that chat request is not addressed to you"}
	ErrNotRequesting       = &BoardError{msg: "that chat request is no longer open"}
	ErrNotInChat           = &BoardError{msg: "you are not in a chat"}
	ErrMessageEmpty        = &BoardError{msg: "message is empty"}
	ErrMessageTooLong      = &BoardError{msg: "message is too long"}
	ErrInvalidNode         = &BoardError{msg: "invalid node number"}
	ErrNodeNotActive       = &BoardError{msg: "nobody is logged in on that node"}
	ErrRecipientSuppressed = &BoardError{msg: "that node is not accepting messages"}
	ErrNoReplyTarget       = &BoardError{msg: "nobody to reply to"}
	ErrDraftEmpty          = &BoardError{msg: "nothing to send"}
)

// Race: the peer was valid when checked but went away before completion.
var ErrNoLongerAvailable = &BoardError{msg: "that user is no longer available"}
