// GoBRM daemon -- RA-based Border Routing Manager for Thread Border
// Routers (RFC 4861 / RFC 4191).
package main

import (
	"os"

	"github.com/dantte-lp/gobrm/cmd/gobrm/commands"
)

func main() {
	os.Exit(commands.Execute())
}
