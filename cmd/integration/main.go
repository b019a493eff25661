// Command integration is the CLI entrypoint driving the staged-sync
// pipeline, grounded on the teacher's cmd/snapshots and cmd/integration
// shape: a urfave/cli/v2 app with one subcommand per operator task.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/erigontech/erigon-lib/log/v3"
	"github.com/urfave/cli/v2"

	"github.com/silkworm-labs/stagedsync/config"
	"github.com/silkworm-labs/stagedsync/core/chainspec"
	"github.com/silkworm-labs/stagedsync/eth/stagedsync"
	"github.com/silkworm-labs/stagedsync/kv"
	"github.com/silkworm-labs/stagedsync/kv/bboltkv"
	"github.com/silkworm-labs/stagedsync/turbo/stages"
	"github.com/silkworm-labs/stagedsync/turbo/stages/erigonimport"
	"github.com/silkworm-labs/stagedsync/turbo/stages/headerdownload"
)

func main() {
	app := cli.NewApp()
	app.Name = "integration"
	app.Usage = "run or inspect the staged-sync pipeline"
	app.Flags = config.Flags
	app.Commands = []*cli.Command{
		stageHeadersCommand(),
		stateStagesCommand(),
		pruningCommand(),
	}

	if err := app.Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogger() log.Logger {
	return log.New()
}

func withCancelOnSignal(ctx context.Context) (context.Context, context.CancelFunc) {
	cctx, cancel := context.WithCancel(ctx)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return cctx, cancel
}

func openDB(cfg config.Config) (kv.RwDB, *config.DatadirLock, error) {
	lock, err := config.LockDatadir(cfg.Datadir)
	if err != nil {
		return nil, nil, err
	}
	db, err := bboltkv.Open(cfg.Datadir + "/store.db")
	if err != nil {
		_ = lock.Unlock()
		return nil, nil, err
	}
	return db, lock, nil
}

// stateStagesCommand runs the full pipeline to completion (or forever,
// absent --exit-after-sync).
func stateStagesCommand() *cli.Command {
	return &cli.Command{
		Name:  "state-stages",
		Usage: "run the staged-sync pipeline",
		Action: func(c *cli.Context) error {
			logger := setupLogger()
			cfg, err := config.FromCLI(c)
			if err != nil {
				return err
			}
			ctx, cancel := withCancelOnSignal(c.Context)
			defer cancel()

			db, lock, err := openDB(cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			defer lock.Unlock()

			spec := chainspec.Mainnet()
			hss := headerdownload.NewHeaderSlices(192)
			vs := headerdownload.NewVerifySlicesStage(hss, spec, headerdownload.DefaultVerifier{})

			var sources stages.Sources
			if cfg.ErigonDatadir != "" {
				erigonDB, err := bboltkv.Open(cfg.ErigonDatadir + "/store.db")
				if err != nil {
					return fmt.Errorf("open erigon datadir: %w", err)
				}
				sources.Erigon = erigonimport.NewSource(erigonDB)
				defer sources.Erigon.Close()
			}

			stop := ctx.Done()
			stageList := stages.DefaultStages(vs, stop, sources)
			sync, err := stagedsync.New(cfg.PipelineConfig(), stageList, logger)
			if err != nil {
				return err
			}

			if cfg.ExitAfterSync {
				_, err = sync.Run(ctx, db)
				return err
			}
			return stages.StageLoop(ctx, db, sync, logger)
		},
	}
}

// stageHeadersCommand runs only the header-import + verification stages,
// useful for isolating a headers-only bug.
func stageHeadersCommand() *cli.Command {
	return &cli.Command{
		Name:  "stage-headers",
		Usage: "run only the header import and verification stages",
		Action: func(c *cli.Context) error {
			logger := setupLogger()
			cfg, err := config.FromCLI(c)
			if err != nil {
				return err
			}
			if cfg.ErigonDatadir == "" {
				return fmt.Errorf("stage-headers requires --erigon.datadir")
			}
			ctx, cancel := withCancelOnSignal(c.Context)
			defer cancel()

			db, lock, err := openDB(cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			defer lock.Unlock()

			erigonDB, err := bboltkv.Open(cfg.ErigonDatadir + "/store.db")
			if err != nil {
				return err
			}
			defer erigonDB.Close()
			source := erigonimport.NewSource(erigonDB)

			spec := chainspec.Mainnet()
			hss := headerdownload.NewHeaderSlices(192)
			vs := headerdownload.NewVerifySlicesStage(hss, spec, headerdownload.DefaultVerifier{})

			stageList := []*stagedsync.Stage{
				erigonimport.NewConvertHeaders(source).Stage(),
				stagedsync.StageVerifySlices(vs, ctx.Done()),
			}
			pcfg := cfg.PipelineConfig()
			pcfg.ExitAfterSync = true
			sync, err := stagedsync.New(pcfg, stageList, logger)
			if err != nil {
				return err
			}
			_, err = sync.Run(ctx, db)
			return err
		},
	}
}

// pruningCommand runs a single prune phase against the existing store,
// ignoring PruningInterval (every invocation prunes).
func pruningCommand() *cli.Command {
	return &cli.Command{
		Name:  "pruning",
		Usage: "run one prune pass over the local store",
		Action: func(c *cli.Context) error {
			logger := setupLogger()
			cfg, err := config.FromCLI(c)
			if err != nil {
				return err
			}
			if !cfg.Prune {
				return fmt.Errorf("pruning requires --prune")
			}
			ctx, cancel := withCancelOnSignal(c.Context)
			defer cancel()

			db, lock, err := openDB(cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			defer lock.Unlock()

			spec := chainspec.Mainnet()
			hss := headerdownload.NewHeaderSlices(192)
			vs := headerdownload.NewVerifySlicesStage(hss, spec, headerdownload.DefaultVerifier{})
			pcfg := cfg.PipelineConfig()
			pcfg.PruningInterval = 1
			pcfg.ExitAfterSync = true
			sync, err := stagedsync.New(pcfg, stages.DefaultStages(vs, ctx.Done(), stages.Sources{}), logger)
			if err != nil {
				return err
			}
			_, err = sync.Run(ctx, db)
			logger.Info("pruning complete")
			return err
		},
	}
}
