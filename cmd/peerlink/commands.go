// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/peerlink/cmd/peerlink/cli"
	"github.com/bureau-foundation/peerlink/lib/certificate"
	"github.com/bureau-foundation/peerlink/lib/version"
	"github.com/bureau-foundation/peerlink/transport/engine"
)

// root returns the peerlink command tree. Command output goes to
// stdout.
func root(stdout io.Writer) *cli.Command {
	return &cli.Command{
		Name:    "peerlink",
		Summary: "Layered secure transport between two peers",
		Description: `peerlink connects two peers over UDP, TCP, or ICE, secures the path
with DTLS, TLS, or the curve engine, and pins the peer by certificate
fingerprint.`,
		Subcommands: []*cli.Command{
			chatCommand(),
			certCommand(stdout),
			fingerprintCommand(stdout),
			enginesCommand(stdout),
			versionCommand(stdout),
		},
	}
}

func certCommand(stdout io.Writer) *cli.Command {
	var (
		directory  string
		commonName string
		validity   time.Duration
		recipients []string
	)
	return &cli.Command{
		Name:    "cert",
		Summary: "Generate a self-signed identity certificate",
		Description: `Generate an ECDSA P-256 certificate and key, write them as
certificate.pem and key.pem, and print the certificate fingerprint to
give the peer. With --recipient the key is sealed with age and written
as key.pem.age.`,
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("cert", pflag.ContinueOnError)
			flagSet.StringVarP(&directory, "out", "o", ".", "output directory")
			flagSet.StringVar(&commonName, "common-name", "", "certificate subject CN (default: peerlink)")
			flagSet.DurationVar(&validity, "validity", certificate.DefaultValidity, "certificate lifetime")
			flagSet.StringArrayVar(&recipients, "recipient", nil, "age recipient (age1...) to seal the key to; repeatable")
			return flagSet
		},
		Examples: []cli.Example{
			{Description: "Identity sealed to your age key", Command: "peerlink cert --out ~/.peerlink --recipient age1..."},
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument: %s", args[0])
			}
			pair, err := certificate.Generate(certificate.GenerateOptions{CommonName: commonName, Validity: validity})
			if err != nil {
				return err
			}
			certificatePath, keyPath, err := certificate.WriteKeyPair(directory, pair, recipients...)
			if err != nil {
				return err
			}
			fingerprint, err := certificate.OfTLS(pair)
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "certificate: %s\nkey:         %s\nfingerprint: %s\n", certificatePath, keyPath, fingerprint)
			return nil
		},
	}
}

func fingerprintCommand(stdout io.Writer) *cli.Command {
	return &cli.Command{
		Name:    "fingerprint",
		Summary: "Print the SHA-256 fingerprint of a PEM certificate",
		Usage:   "peerlink fingerprint <certificate.pem>",
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected one certificate path, got %d arguments", len(args))
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			fingerprint, err := certificate.OfPEM(data)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			fmt.Fprintln(stdout, fingerprint)
			return nil
		},
	}
}

func enginesCommand(stdout io.Writer) *cli.Command {
	return &cli.Command{
		Name:    "engines",
		Summary: "List the registered crypto engines",
		Run: func([]string) error {
			for _, name := range engine.Names() {
				fmt.Fprintln(stdout, name)
			}
			return nil
		},
	}
}

func versionCommand(stdout io.Writer) *cli.Command {
	return &cli.Command{
		Name:    "version",
		Summary: "Print version and linked pion modules",
		Run: func([]string) error {
			fmt.Fprintln(stdout, version.Full())
			return nil
		},
	}
}
