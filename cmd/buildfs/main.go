// Buildfs tracks which sources of a workspace need recompiling and drives
// incremental compilations.
package main

import "github.com/albertocavalcante/buildfs/cmd/buildfs/internal/cli"

func main() {
	cli.Execute()
}
