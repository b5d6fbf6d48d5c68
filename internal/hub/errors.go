package hub

import "errors"

var (
	ErrHubAlreadyRunning = errors.New("hub is already running")
	ErrHubNotRunning     = errors.New("hub is not running")
	ErrNotifyChannelFull = errors.New("notify channel is full")
	ErrInvalidBroadcast  = errors.New("broadcast needs an office and an event")
)
