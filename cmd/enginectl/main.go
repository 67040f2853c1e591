// Command enginectl drives the compute engine outside of its normal
// block-by-block event loop: validating/uploading code, replaying a block
// against a recorded event file, and serving the overlay-query RPC. The
// PersistentPreRunE middleware does env + logging + config setup once per
// process.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"ethexe-engine/core"
	"ethexe-engine/pkg/config"
	"ethexe-engine/pkg/utils"
)

var (
	logger = logrus.StandardLogger()
	cfg    *config.Config
)

func initMiddleware(cmd *cobra.Command, _ []string) error {
	_ = godotenv.Load()

	lvl, err := logrus.ParseLevel(utils.EnvOrDefault("LOG_LEVEL", "info"))
	if err != nil {
		return fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	logger.SetLevel(lvl)

	loaded, err := config.LoadFromEnv()
	if err != nil {
		logger.WithError(err).Warn("no config file found, using defaults")
		loaded = &config.Config{}
	}
	cfg = loaded
	return nil
}

func main() {
	root := &cobra.Command{
		Use:               "enginectl",
		Short:             "operate an ethexe-compatible compute engine node",
		PersistentPreRunE: initMiddleware,
	}
	root.AddCommand(codeCmd())
	root.AddCommand(runCmd())
	root.AddCommand(serveCmd())

	if err := root.Execute(); err != nil {
		logger.WithError(err).Error("enginectl failed")
		os.Exit(1)
	}
}

func codeCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "code", Short: "upload and validate WASM programs"}

	validate := &cobra.Command{
		Use:   "validate [file]",
		Short: "validate a WASM module without storing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			meta, err := core.ValidateCode(data, cfg.ToEngineConfig().Limits, cfg.ToEngineConfig().InstrWeightsVersion)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(meta)
		},
	}

	upload := &cobra.Command{
		Use:   "upload [file]",
		Short: "validate and store a WASM module, printing its code id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			engineCfg := cfg.ToEngineConfig()
			meta, err := core.ValidateCode(data, engineCfg.Limits, engineCfg.InstrWeightsVersion)
			if err != nil {
				return err
			}
			db := core.NewStateDB(core.NewMemBlobStore())
			codeID := db.PutOriginalCode(data)
			db.PutCodeMetadata(codeID, meta)
			fmt.Println(codeID.Hex())
			return nil
		},
	}

	cmd.AddCommand(validate, upload)
	return cmd
}

// replayBlock is the on-disk shape of a `run` events file: the block height
// and predecessor commitment to replay against, plus the router logs
// observed at that height, in the same ethtypes.Log JSON shape a real
// Ethereum JSON-RPC eth_getLogs response uses.
type replayBlock struct {
	Height     uint32         `json:"height"`
	PrevCommit string         `json:"prev_commit"`
	Logs       []ethtypes.Log `json:"logs"`
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [events-file]",
		Short: "replay a recorded router event log and print the resulting commitment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var block replayBlock
			if err := json.Unmarshal(data, &block); err != nil {
				return fmt.Errorf("parse events file: %w", err)
			}

			engineCfg := cfg.ToEngineConfig()
			db := core.NewStateDB(core.NewMemBlobStore())
			gas := core.NewGasTree()
			sched := core.NewScheduler()
			exec := core.NewExecutionCore(db, core.DefaultGasWeights(), engineCfg.Limits)
			decoder, err := core.NewEventDecoder()
			if err != nil {
				return err
			}
			bp := core.NewBlockProcessor(db, gas, sched, exec, decoder, engineCfg)

			events := bp.DecodeLogs(block.Logs)
			prevCommit := core.Hash(ethcommon.HexToHash(block.PrevCommit))
			result, err := bp.ProcessBlock(block.Height, prevCommit, events, nil, nil)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "serve the execute_for_reply overlay-query RPC",
		RunE: func(cmd *cobra.Command, args []string) error {
			engineCfg := cfg.ToEngineConfig()
			weights := core.DefaultGasWeights()
			db := core.NewStateDB(core.NewMemBlobStore())
			exec := core.NewExecutionCore(db, weights, engineCfg.Limits)
			overlay := core.NewOverlayExecutor(db, exec, engineCfg)

			srv := &http.Server{
				Addr:    addr,
				Handler: overlay.Router(),
			}
			logger.WithField("addr", addr).Info("serving execute_for_reply RPC")

			go func() {
				<-cmd.Context().Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8545", "listen address for the query RPC")
	return cmd
}
