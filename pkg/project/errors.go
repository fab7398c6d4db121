package project

import "errors"

// ErrDimensionMismatch is returned by AddImageValidated when a candidate
// image's pixel dimensions differ from the project's camera resolution.
// Recoverable: nothing was mutated.
var ErrDimensionMismatch = errors.New("image dimensions do not match project")

// ErrBadArchive is returned by Load for a malformed or incomplete container:
// no parseable zip, no manifest document, or no image entries. The load fails
// as a whole and the previous state is untouched.
var ErrBadArchive = errors.New("invalid project archive")
