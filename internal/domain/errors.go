package domain

import "errors"

var (
	// Permission and device errors degrade the session instead of failing it.
	ErrPermissionDenied  = errors.New("microphone permission denied")
	ErrDeviceUnavailable = errors.New("audio device unavailable")
	ErrDeviceSwitch      = errors.New("device switch failed")

	ErrICEBlocked     = errors.New("voice relay blocked for this channel")
	ErrICEUnavailable = errors.New("ice configuration unavailable")

	ErrSubscribeTimeout = errors.New("signaling subscription timed out")
	ErrTransport        = errors.New("signaling transport error")
	ErrNotSubscribed    = errors.New("signaling transport not subscribed")

	ErrInvalidState = errors.New("invalid session state for action")
	ErrJoinAborted  = errors.New("join aborted by leave")
)
