// Entrypoint that delegates to the Cobra root command in cmd/root.go.

package main

import (
	"github.com/inference-sim/inference-gpt/cmd"
)

func main() {
	cmd.Execute()
}
