package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/turtacn/Vigil/internal/cli"
	"github.com/turtacn/Vigil/pkg/logger"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			if logger.Log != nil {
				logger.Log.Error("Vigil: panic recovered", "panic", r, "stack", stack)
			} else {
				fmt.Fprintf(os.Stderr, "vigil: panic: %v\n%s", r, stack)
			}
			os.Exit(2)
		}
	}()

	cli.Execute()
}

// Personal.AI order the ending
