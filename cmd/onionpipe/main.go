package main

//----------------------------------------------------------------------
// This file is part of onionpipe.
// Copyright (C) 2022-2026 the onionpipe authors
//
// onionpipe is free software: you can redistribute it and/or modify it
// under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License,
// or (at your option) any later version.
//
// onionpipe is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.
//
// SPDX-License-Identifier: AGPL3.0-or-later
//----------------------------------------------------------------------

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/sys/unix"

	"github.com/cmars/onionpipe"
	"github.com/cmars/onionpipe/config"
	"github.com/cmars/onionpipe/logger"
	"github.com/cmars/onionpipe/secrets"
	"github.com/cmars/onionpipe/tor"
)

func main() {
	// All files created below (tor data dir, socket files, key
	// material) must come out with tight modes.
	unix.Umask(0077)

	app := &cli.App{
		Name:      "onionpipe",
		Usage:     "forward TCP services over Tor onion addresses",
		ArgsUsage: "[forward ...]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "load forwards from JSON configuration `FILE`",
			},
			&cli.StringFlag{
				Name:  "secrets-dir",
				Usage: "`DIR` holding persistent service keys",
			},
			&cli.StringFlag{
				Name:  "temp-dir",
				Usage: "create the tor working directory under `DIR`",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Value: logger.GetLogLevelName(),
				Usage: "log verbosity (CRITICAL..DBG)",
			},
			&cli.BoolFlag{
				Name:  "log-color",
				Usage: "colorize log lines by level",
			},
		},
		Before: func(ctx *cli.Context) error {
			logger.SetLogLevelFromName(ctx.String("log-level"))
			logger.SetColor(ctx.Bool("log-color"))
			return nil
		},
		Action: forward,
		Commands: []*cli.Command{{
			Name:  "service",
			Usage: "manage persistent onion service keys",
			Subcommands: []*cli.Command{{
				Name:      "add",
				Usage:     "create a named service key",
				ArgsUsage: "<name>",
				Action:    serviceAdd,
			}, {
				Name:      "delete",
				Usage:     "remove a named service key",
				ArgsUsage: "<name>",
				Action:    serviceDelete,
			}, {
				Name:   "list",
				Usage:  "list service key names",
				Action: serviceList,
			}},
		}, {
			Name:  "client",
			Usage: "manage client authorization keys",
			Subcommands: []*cli.Command{{
				Name:      "add",
				Usage:     "create a named client key",
				ArgsUsage: "<name>",
				Action:    clientAdd,
			}, {
				Name:      "delete",
				Usage:     "remove a named client key",
				ArgsUsage: "<name>",
				Action:    clientDelete,
			}, {
				Name:   "list",
				Usage:  "list client key names",
				Action: clientList,
			}},
		}},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openStore opens the secret store from the --secrets-dir flag or its
// per-user default location.
func openStore(ctx *cli.Context) (*secrets.Store, error) {
	dir := ctx.String("secrets-dir")
	if dir == "" {
		var err error
		if dir, err = secrets.DefaultDir(); err != nil {
			return nil, err
		}
	}
	return secrets.NewStore(dir), nil
}

// forward runs the supervisor over the configured forward set.
func forward(ctx *cli.Context) error {
	if ctx.NArg() == 0 && ctx.String("config") == "" {
		return cli.ShowAppHelp(ctx)
	}
	var cfg *config.Config
	var err error
	if path := ctx.String("config"); path != "" {
		if cfg, err = config.Load(path); err != nil {
			return err
		}
	} else if cfg, err = config.FromForwards(ctx.Args().Slice()); err != nil {
		return err
	}
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	builder := onionpipe.Defaults().SecretStore(store)
	if dir := ctx.String("temp-dir"); dir != "" {
		builder = builder.TempDir(dir)
	}
	if builder, err = builder.Config(cfg); err != nil {
		return err
	}
	pipe, err := builder.New()
	if err != nil {
		return err
	}
	return pipe.Run()
}

func requireName(ctx *cli.Context) (string, error) {
	if ctx.NArg() != 1 {
		return "", fmt.Errorf("expected exactly one <name> argument")
	}
	return ctx.Args().First(), nil
}

// serviceOnionAddr resolves the stable onion address of a named key.
func serviceOnionAddr(store *secrets.Store, name string) (*tor.OnionAddr, error) {
	data, err := store.EnsureService(name)
	if err != nil {
		return nil, err
	}
	key, err := tor.ServiceKeyFromBytes(data)
	if err != nil {
		return nil, err
	}
	return key.OnionAddr()
}

func serviceAdd(ctx *cli.Context) error {
	name, err := requireName(ctx)
	if err != nil {
		return err
	}
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	addr, err := serviceOnionAddr(store, name)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s\n", name, addr)
	return nil
}

func serviceDelete(ctx *cli.Context) error {
	name, err := requireName(ctx)
	if err != nil {
		return err
	}
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	_, err = store.DeleteService(name)
	return err
}

func serviceList(ctx *cli.Context) error {
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	names, err := store.ListServices()
	if err != nil {
		return err
	}
	for _, name := range names {
		addr, err := serviceOnionAddr(store, name)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s\n", name, addr)
	}
	return nil
}

func clientAdd(ctx *cli.Context) error {
	name, err := requireName(ctx)
	if err != nil {
		return err
	}
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	key, err := store.EnsureClient(name)
	if err != nil {
		return err
	}
	// print the public part, which is what the service operator
	// needs to authorize this client
	pub, err := curve25519.X25519(key, curve25519.Basepoint)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s\n", name, hex.EncodeToString(pub))
	return nil
}

func clientDelete(ctx *cli.Context) error {
	name, err := requireName(ctx)
	if err != nil {
		return err
	}
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	_, err = store.DeleteClient(name)
	return err
}

func clientList(ctx *cli.Context) error {
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	names, err := store.ListClients()
	if err != nil {
		return err
	}
	for _, name := range names {
		key, err := store.EnsureClient(name)
		if err != nil {
			return err
		}
		pub, err := curve25519.X25519(key, curve25519.Basepoint)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s\n", name, hex.EncodeToString(pub))
	}
	return nil
}
