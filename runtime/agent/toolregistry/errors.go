package toolregistry

import "errors"

// ErrExists is returned by fs_write when the target already exists and
// allow_override was not set (spec §4.4).
var ErrExists = errors.New("toolregistry: path already exists")

// ErrNotFound is returned by fs_replace when old is not present in the
// target file's contents (spec §4.4).
var ErrNotFound = errors.New("toolregistry: pattern not found")

func isPathEscape(err error) bool { return errors.Is(err, ErrPathEscape) }
func isExists(err error) bool     { return errors.Is(err, ErrExists) }
func isNotFound(err error) bool   { return errors.Is(err, ErrNotFound) }
