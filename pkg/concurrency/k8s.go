package concurrency

import (
	"log"
	"runtime"

	"go.uber.org/automaxprocs/maxprocs"
)

// InitializeForKubernetes aligns GOMAXPROCS with the container's CPU quota.
// Call at the very start of main(), before building limiters or worker pools.
// Returns an undo function restoring the original GOMAXPROCS value.
func InitializeForKubernetes() func() {
	undo, err := maxprocs.Set(maxprocs.Logger(log.Printf))
	if err != nil {
		log.Printf("Failed to set maxprocs: %v", err)
		return func() {}
	}

	log.Printf("Concurrency initialized: GOMAXPROCS=%d", runtime.GOMAXPROCS(0))
	return undo
}
