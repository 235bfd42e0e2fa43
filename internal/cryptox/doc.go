// Package cryptox implements the at-rest encryption layer: a registry of named
// symmetric keys (Keyring), a chunked and seekable authenticated envelope
// format, and the field helpers used by repositories to seal column values.
//
// Envelope layout:
//
//	Magic || JSON header || 0x00 || chunk_0 || chunk_1 || ...
//
// Every chunk is sealed independently with the AEAD named in the header. The
// raw header bytes are the associated data of every chunk, so editing any
// header field invalidates all of them. Values that do not start with Magic
// are treated as plaintext and are only accepted when plaintext fallback is
// enabled.
package cryptox
