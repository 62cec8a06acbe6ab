package main

import (
	"errors"
	"os"
	"strings"

	"github.com/andrej220/goldenimage/cmd/imagebuilder/root"
)

func main() {
	if err := root.Execute(os.Args[1:]); err != nil {
		msg := strings.Join(strings.Fields(err.Error()), " ")
		if msg == "" {
			msg = "error"
		}
		_, _ = os.Stderr.WriteString(msg + "\n")
		code := 1
		var ec root.ExitError
		if errors.As(err, &ec) {
			code = ec.Code
		}
		os.Exit(code)
	}
}
