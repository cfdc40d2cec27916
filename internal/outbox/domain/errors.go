package domain

import "errors"

var (
	ErrInvalidStore = errors.New("invalid_store")
	ErrInvalidEvent = errors.New("invalid_event")
	ErrMissingTx    = errors.New("outbox_missing_tx")
)
