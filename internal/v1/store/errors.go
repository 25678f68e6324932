package store

import "errors"

// Sentinel errors the dispatcher classifies with errors.Is to decide the
// wire-level error code and log level it reports back to a client.
var (
	// ErrUnknownConnection is returned whenever an operation names a
	// ConnectionID the Store has no record of — almost always because the
	// connection disconnected between a client sending a request and the
	// Store processing it.
	ErrUnknownConnection = errors.New("store: unknown connection")

	// ErrUnknownRoom is returned when a RoomID doesn't match a live room.
	ErrUnknownRoom = errors.New("store: unknown room")

	// ErrUnknownProject is returned when a ProjectID doesn't match a
	// currently shared project.
	ErrUnknownProject = errors.New("store: unknown project")

	// ErrUnknownChannel is returned when a ChannelID doesn't match a
	// channel the caller has joined.
	ErrUnknownChannel = errors.New("store: unknown channel")

	// ErrPermissionDenied is returned when a connection attempts an
	// operation it isn't authorized for (muting another participant,
	// editing a project it isn't a collaborator of, posting to a channel
	// it hasn't joined).
	ErrPermissionDenied = errors.New("store: permission denied")

	// ErrInvalidArgument is returned when a request's payload fails basic
	// validation (empty channel message body, message over the length
	// cap, zero-value ids).
	ErrInvalidArgument = errors.New("store: invalid argument")

	// ErrInvariantViolation is only ever returned from the test-build
	// invariant checker; seeing it in production indicates a Store bug.
	ErrInvariantViolation = errors.New("store: invariant violation")

	// ErrAlreadyInRoom is returned by CreateRoom/JoinRoom when the calling
	// connection already occupies a seat in a room (the same room included).
	ErrAlreadyInRoom = errors.New("store: connection already in a room")
)
