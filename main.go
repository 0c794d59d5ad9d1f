// The main package for the sitepdf executable.
package main

import (
	"github.com/JakeFAU/sitepdf-client/cmd"
)

func main() {
	cmd.Execute()
}
