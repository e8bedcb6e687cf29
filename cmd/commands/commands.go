package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/catmint/catmint"
	"github.com/lightningnetwork/lnd/signal"
	"github.com/urfave/cli"
)

const (
	// Environment variables names that can be used to set the global flags.
	envVarCatmintDir = "CATMINT_DIR"
	envVarConfigFile = "CATMINT_CONFIGFILE"
	envVarNetwork    = "CATMINT_NETWORK"
	envVarWalletKey  = "CATMINT_WALLETKEY"
	envVarDebugLevel = "CATMINT_DEBUGLEVEL"
)

// NewApp creates a new catcli app with all the available commands.
func NewApp() cli.App {
	app := cli.NewApp()
	app.Name = "catcli"
	app.Version = catmint.Version()
	app.Usage = "batch minting for CAT20 open minter tokens"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:      "catmintdir",
			Value:     catmint.DefaultCatmintDir,
			Usage:     "The path to catmint's base directory.",
			TakesFile: true,
			EnvVar:    envVarCatmintDir,
		},
		cli.StringFlag{
			Name:      "configfile",
			Value:     catmint.DefaultConfigFile,
			Usage:     "The path to catmint's config file.",
			TakesFile: true,
			EnvVar:    envVarConfigFile,
		},
		cli.StringFlag{
			Name: "network, n",
			Usage: "The network to mint on, e.g. mainnet, testnet, " +
				"etc. Overrides the config file.",
			EnvVar: envVarNetwork,
		},
		cli.StringFlag{
			Name: "walletkey",
			Usage: "The WIF encoded key holding the fee inputs. " +
				"Overrides the config file.",
			EnvVar: envVarWalletKey,
		},
		cli.StringFlag{
			Name:   "debuglevel",
			Usage:  "The log level, e.g. info or MGDN=debug,info.",
			EnvVar: envVarDebugLevel,
		},
	}

	// Add all the available commands.
	app.Commands = []cli.Command{
		mintCommand,
		batchesCommand,
		tokenCommand,
	}
	app.Commands = append(app.Commands, historyCommands...)

	return *app
}

// Fatal prints the error and exits.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "[catcli] %v\n", err)
	os.Exit(1)
}

// getServer loads the configuration, applies the global flag overrides and
// starts a server. The returned context is cancelled on an interrupt.
func getServer(ctx *cli.Context) (context.Context, *catmint.Server, func()) {
	shutdownInterceptor, err := signal.Intercept()
	if err != nil {
		Fatal(err)
	}

	cfg := catmint.DefaultConfig()
	cfg.CatmintDir = ctx.GlobalString("catmintdir")
	cfg.ConfigFile = ctx.GlobalString("configfile")

	overrides := func(c *catmint.Config) {
		if ctx.GlobalIsSet("network") {
			c.ChainConf.Network = ctx.GlobalString("network")
		}
		if ctx.GlobalIsSet("walletkey") {
			c.WalletKey = ctx.GlobalString("walletkey")
		}
		if ctx.GlobalIsSet("debuglevel") {
			c.DebugLevel = ctx.GlobalString("debuglevel")
		}
	}

	loadedCfg, _, err := catmint.LoadConfig(
		cfg, shutdownInterceptor, overrides,
	)
	if err != nil {
		Fatal(fmt.Errorf("unable to load config: %w", err))
	}

	server := catmint.NewServer(loadedCfg)
	if err := server.Start(); err != nil {
		Fatal(fmt.Errorf("unable to start: %w", err))
	}

	ctxc, cancel := context.WithCancel(context.Background())
	go func() {
		<-shutdownInterceptor.ShutdownChannel()
		cancel()
	}()

	cleanUp := func() {
		cancel()
		if err := server.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "[catcli] unable to stop: %v\n",
				err)
		}
	}

	return ctxc, server, cleanUp
}

func printJSON(resp interface{}) {
	b, err := json.Marshal(resp)
	if err != nil {
		Fatal(err)
	}

	var out bytes.Buffer
	_ = json.Indent(&out, b, "", "\t")
	out.WriteString("\n")
	_, _ = out.WriteTo(os.Stdout)
}
