// Package verrors defines the closed error taxonomy surfaced across velosd's
// core: NotFound, Protocol, OS, Spawn, StateTruncation. Callers compare with
// errors.Is; the IPC server renders the sentinel's message as the textual
// payload of a status=err response.
package verrors

import "errors"

var (
	// ErrProcessNotFound is returned when a command targets an unknown id.
	ErrProcessNotFound = errors.New("ProcessNotFound")

	// ErrInvalidMagic indicates a frame header with an unrecognized magic.
	ErrInvalidMagic = errors.New("InvalidMagic")
	// ErrUnsupportedVersion indicates a frame header version this build
	// does not understand.
	ErrUnsupportedVersion = errors.New("UnsupportedVersion")
	// ErrPayloadTooLarge indicates a frame payload over the 4 MiB cap.
	ErrPayloadTooLarge = errors.New("PayloadTooLarge")
	// ErrTruncated indicates a decoder ran out of bytes before a required
	// field was fully read.
	ErrTruncated = errors.New("Truncated")

	// ErrStateTruncated indicates a malformed persistence snapshot; the
	// caller should fall back to the partial valid prefix already parsed.
	ErrStateTruncated = errors.New("StateTruncation")

	// ErrAlreadyRunning indicates a second daemon instance attempted to
	// start against a state directory already locked by a live daemon.
	ErrAlreadyRunning = errors.New("AlreadyRunning")

	// ErrUnknownCommand indicates an IPC request used an undefined command
	// byte.
	ErrUnknownCommand = errors.New("UnknownCommand")

	// ErrSpawnFailed indicates fork/exec failed outright (not a child
	// exiting 127 after exec, which surfaces through the normal reap path).
	ErrSpawnFailed = errors.New("SpawnFailed")
)
