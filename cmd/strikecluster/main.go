package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/ligun0805/strike-cluster/internal/worker"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		if errors.Is(err, worker.ErrStrikeDone) {
			return
		}
		fmt.Fprintln(os.Stderr, "strikecluster:", err)
		os.Exit(1)
	}
}
