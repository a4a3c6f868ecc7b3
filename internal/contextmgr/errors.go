package contextmgr

import "errors"

var (
	// ErrMemoryExhausted is returned when a page cannot fit even after evicting
	// every unpinned resident page. Nothing is admitted or changed.
	ErrMemoryExhausted = errors.New("context memory exhausted")

	// ErrPageNotResident is returned by UpdateContent for pages that are swapped or unknown.
	ErrPageNotResident = errors.New("page not resident")
)
