// Command kansoku checks web pages, files and command output for changes
// and reports the differences.
package main

import "github.com/raysh454/kansoku/internal/cli"

func main() {
	cli.Execute()
}
