// Package limits provides centralized size constants and validation functions
// for the communic8 line protocol.
//
// # Limits
//
//   - MaxLineLength (16 KiB): the largest control line a connection reads.
//     Longer lines are discarded up to the next terminator and answered with
//     an INVALID_COMMAND error.
//
//   - MaxNameLength (32 bytes): user names travel as single whitespace-free
//     tokens, so ValidateName also rejects spaces and control characters.
//
//   - MinBlockSize / MaxBlockSize: bounds on the chunk size declared by
//     REQUEST_FILE_TRANSFER.
//
// # Validation Functions
//
//	if err := limits.ValidateName(name); err != nil {
//	    // errors.Is(err, limits.ErrInvalidName) or limits.ErrMessageTooLarge
//	}
//
// Errors wrap ErrMessageEmpty, ErrMessageTooLarge, ErrInvalidName or
// ErrOutOfRange so callers can classify them with errors.Is.
package limits
