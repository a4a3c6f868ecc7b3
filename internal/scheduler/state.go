package scheduler

import (
	"fmt"

	"github.com/nextlevelbuilder/agentos/internal/store"
)

// transitions lists the legal successor states of each state.
// Terminated and error have none.
var transitions = map[store.ProcessState][]store.ProcessState{
	store.StateReady:     {store.StateRunning, store.StateSuspended, store.StateTerminated, store.StateError},
	store.StateRunning:   {store.StateReady, store.StateWaiting, store.StateSuspended, store.StateTerminated, store.StateError},
	store.StateWaiting:   {store.StateReady, store.StateSuspended, store.StateTerminated, store.StateError},
	store.StateSuspended: {store.StateReady, store.StateTerminated, store.StateError},
}

// CanTransition reports whether from -> to is legal.
func CanTransition(from, to store.ProcessState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(pid string, from, to store.ProcessState) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s %s -> %s", ErrIllegalTransition, pid, from, to)
	}
	return nil
}
