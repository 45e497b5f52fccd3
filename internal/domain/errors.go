package domain

import "errors"

// ErrNotFound is returned by stores for missing rows.
var ErrNotFound = errors.New("not found")
