package main

import (
	"github.com/sidkik/docmirror/cmd"
	"github.com/sidkik/docmirror/cmd/util"
)

func main() {
	defer util.HandlePanic()
	cmd.Execute()
}
