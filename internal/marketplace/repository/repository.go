// Package repository persists marketplace items and purchase contracts.
package repository

import "errors"

// ErrNotFound is returned when an item or contract does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a contract already exists for an item.
var ErrDuplicate = errors.New("already exists")
