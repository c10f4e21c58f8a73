package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"

	"github.com/trezcool/masomo/core/attempt"
)

var errHelp = errors.New("help provided")

type commandLine struct {
	db         *sql.DB
	attemptSvc *attempt.Service
	out        io.Writer
}

func (cli *commandLine) printUsage() {
	_, _ = fmt.Fprintln(cli.out, "Usage:")
	_, _ = fmt.Fprintln(cli.out, "  migrate COMMAND [ARGS] - run a goose migration command (up, down, status, ...)")
	_, _ = fmt.Fprintln(cli.out, "  expire                 - mark every overdue attempt expired")
}

func (cli *commandLine) run(ctx context.Context, args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}

	switch args[1] {
	case "migrate":
		if len(args) < 3 {
			_, _ = fmt.Fprintln(cli.out, "Usage: migrate COMMAND [ARGS]")
			return errHelp
		}
		return cli.migrate(ctx, args[2:])
	case "expire":
		return cli.expire(ctx)
	default:
		cli.printUsage()
		return errHelp
	}
}
