package main

import (
	"context"
	"fmt"
)

func (cli *commandLine) expire(ctx context.Context) error {
	count, err := cli.attemptSvc.ExpireOverdue(ctx)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cli.out, "%d attempt(s) expired\n", count)
	return nil
}
