// Copyright (c) 2020 The JaxNetwork developers
// Copyright (c) 2026 The Bitnode developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// chainctl is a maintenance tool for bitnoded chain databases: it can
// initialize a database and inspect the chain tips without running a node.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/urfave/cli/v2"

	"gitlab.com/bitnode/bitnoded/config"
	"gitlab.com/bitnode/bitnoded/corelog"
	"gitlab.com/bitnode/bitnoded/node/blockchain"
)

func main() {
	app := &cli.App{
		Name:  "chainctl",
		Usage: "bitnoded chain database maintenance",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "datadir",
				Usage: "chain database parent directory",
			},
			&cli.BoolFlag{
				Name:  "testnet",
				Usage: "use the test network",
			},
			&cli.BoolFlag{
				Name:  "regtest",
				Usage: "use the regression test network",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "init",
				Usage:  "initialize the chain database with the network genesis",
				Action: initChain,
			},
			{
				Name:   "top",
				Usage:  "print the candidate and confirmed chain tips",
				Action: printTop,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func resolve(c *cli.Context) (string, *chaincfg.Params, error) {
	if c.Bool("testnet") && c.Bool("regtest") {
		return "", nil, fmt.Errorf("--testnet and --regtest are mutually exclusive")
	}

	params := &chaincfg.MainNetParams
	switch {
	case c.Bool("testnet"):
		params = &chaincfg.TestNet3Params
	case c.Bool("regtest"):
		params = &chaincfg.RegressionNetParams
	}

	directory := c.String("datadir")
	if directory == "" {
		directory = config.DefaultConfig().Database.Directory
	}
	return filepath.Join(directory, params.Name), params, nil
}

func initChain(c *cli.Context) error {
	directory, params, err := resolve(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(directory, 0o700); err != nil {
		return err
	}
	if err := blockchain.InitChain(directory, params); err != nil {
		return err
	}
	fmt.Printf("Initialized %s chain in %s\n", params.Name, directory)
	return nil
}

func printTop(c *cli.Context) error {
	directory, params, err := resolve(c)
	if err != nil {
		return err
	}

	chain := blockchain.New(blockchain.Config{
		DBPath: directory,
		Params: params,
		Logger: corelog.Disabled,
	})
	if err := chain.Start(); err != nil {
		return err
	}
	defer chain.Close()

	candidate, ok := chain.GetTop(true)
	if !ok {
		return fmt.Errorf("candidate chain is corrupt")
	}
	confirmed, ok := chain.GetTop(false)
	if !ok {
		return fmt.Errorf("block chain is corrupt")
	}

	fmt.Printf("candidate: %s\n", candidate)
	fmt.Printf("confirmed: %s\n", confirmed)
	return nil
}
