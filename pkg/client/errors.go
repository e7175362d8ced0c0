package client

import (
	"errors"

	"github.com/aeolun/chatcore/pkg/history"
)

var (
	ErrNotConnected      = errors.New("not connected")
	ErrConnectionTimeout = errors.New("connection timed out")
	ErrConnection        = errors.New("connection failed")
	ErrDuplicateRequest  = errors.New("duplicate request id")
	ErrInvalidStanza     = errors.New("invalid stanza")
	ErrSendFailed        = errors.New("send failed")
	ErrRequestTimeout    = errors.New("request timed out")
	ErrClosed            = errors.New("client closed")

	// ErrHistoryComplete is returned for backward pages of a room whose
	// archive has been fully read this session.
	ErrHistoryComplete = history.ErrHistoryComplete
)
