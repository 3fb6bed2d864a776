/*
Package cmd provides CLI functionality shared by the changefeed binaries.
*/
package cmd

import (
	"fmt"
	"io"

	"github.com/fatih/color"
)

// PrintError writes err to w with a highlighted prefix.
func PrintError(w io.Writer, err error) {
	fmt.Fprintf(w, "%s %s\n", color.HiRedString("Error:"), err.Error())
}
