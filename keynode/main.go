package main

import (
	"context"
	"os"

	"github.com/LumeraProtocol/keynode/keynode/cmd"
	"github.com/LumeraProtocol/keynode/pkg/errors"
	"github.com/LumeraProtocol/keynode/pkg/logtrace"
)

func main() {
	defer errors.Recover(func(err error) {
		logtrace.Error(context.Background(), "keynode panicked", logtrace.Fields{
			logtrace.FieldError: err.Error(),
			"stack":             errors.Stack(err),
		})
		logtrace.Sync()
		os.Exit(1)
	})

	cmd.Execute()
}
