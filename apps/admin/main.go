package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/trezcool/masomo/core"
	"github.com/trezcool/masomo/core/attempt"
	logsvc "github.com/trezcool/masomo/services/logger"
	"github.com/trezcool/masomo/storage/database"
	sqlxrepos "github.com/trezcool/masomo/storage/database/sqlx"
)

func main() {
	conf := core.NewConfig()

	logger := logsvc.NewRollbarLogger(
		log.New(os.Stdout, "ADMIN : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile),
		conf,
	)
	logger.Enable(!(conf.Debug || conf.TestMode))
	defer logger.Close()

	if conf.Database.Engine != core.EnginePostgres {
		logger.Fatal(fmt.Sprintf("admin commands need the %s engine (got %q)", core.EnginePostgres, conf.Database.Engine))
	}

	// set up DB
	ctx := context.Background()
	if err := database.CreateIfNotExist(ctx, conf); err != nil {
		logger.Fatal(fmt.Sprintf("creating database: %v", err), err)
	}
	db, err := database.Open(ctx, conf)
	if err != nil {
		logger.Fatal(fmt.Sprintf("opening database: %v", err), err)
	}

	// start CLI
	cli := commandLine{
		db:         db.DB,
		attemptSvc: attempt.NewService(sqlxrepos.NewAttemptRepository(db), logger, conf.Timer),
		out:        os.Stdout,
	}
	err = cli.run(ctx, os.Args)
	_ = db.Close()
	if err != nil {
		if err != errHelp {
			logger.Error(fmt.Sprintf("command failed: %v", err), err)
		}
		os.Exit(1)
	}
}
