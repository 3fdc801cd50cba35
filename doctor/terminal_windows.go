//go:build windows

package doctor

import (
	"os"

	"voxrec/shutdown"
)

func resetTerminal() {}

func setupInterruptHandler() {
	sigChan := make(chan os.Signal, 1)
	shutdown.Notify(sigChan)
	go func() {
		<-sigChan
		println("\nInterrupted")
		os.Exit(1)
	}()
}
