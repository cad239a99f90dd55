// Package main runs the cryptographic task orchestrator of the AmarVote
// voting platform. The orchestrator partitions election crypto work into
// chunks, publishes them to a broker with round-robin fairness, and drives
// the tally, decryption and combine phases to completion.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/TAR2003/amarvote-orchestrator/config/flags"
	"github.com/TAR2003/amarvote-orchestrator/orchestrator/node"
	joonix "github.com/joonix/log"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"github.com/urfave/cli/v2/altsrc"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

var log = logrus.WithField("prefix", "main")

var appFlags = flags.WrapFlags([]cli.Flag{
	flags.VerbosityFlag,
	flags.LogFormatFlag,
	flags.LogFileNameFlag,
	flags.ConfigFileFlag,
	flags.PostgresDSNFlag,
	flags.RedisAddrFlag,
	flags.RedisPasswordFlag,
	flags.RedisDBFlag,
	flags.AMQPURLFlag,
	flags.CryptoServiceURLFlag,
	flags.MonitoringHostFlag,
	flags.MonitoringPortFlag,
})

func startNode(cliCtx *cli.Context) error {
	level, err := logrus.ParseLevel(cliCtx.String(flags.VerbosityFlag.Name))
	if err != nil {
		return err
	}
	logrus.SetLevel(level)

	orchestrator, err := node.New(cliCtx)
	if err != nil {
		return err
	}
	orchestrator.Start()
	return nil
}

func main() {
	app := cli.App{}
	app.Name = "orchestrator"
	app.Usage = "runs the AmarVote cryptographic task orchestrator"
	app.Flags = appFlags
	app.Action = startNode
	app.Before = func(ctx *cli.Context) error {
		// Load any flags from file, if specified.
		if ctx.IsSet(flags.ConfigFileFlag.Name) {
			if err := altsrc.InitInputSourceWithContext(
				appFlags,
				altsrc.NewYamlSourceFromFlagFunc(flags.ConfigFileFlag.Name))(ctx); err != nil {
				return err
			}
		}

		logFileName := ctx.String(flags.LogFileNameFlag.Name)
		format := ctx.String(flags.LogFormatFlag.Name)
		switch format {
		case "text":
			formatter := new(prefixed.TextFormatter)
			formatter.TimestampFormat = "2006-01-02 15:04:05"
			formatter.FullTimestamp = true
			// Persistent log files are plain text, so coloring is disabled
			// whenever one is configured.
			formatter.DisableColors = logFileName != ""
			logrus.SetFormatter(formatter)
		case "fluentd":
			logrus.SetFormatter(joonix.NewFormatter())
		case "json":
			logrus.SetFormatter(&logrus.JSONFormatter{})
		default:
			return fmt.Errorf("unknown log format %s", format)
		}

		if logFileName != "" {
			if err := configurePersistentLogging(logFileName); err != nil {
				log.WithError(err).Error("Failed to configure logging to disk")
			}
		}
		return nil
	}

	if err := app.Run(os.Args); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}

// configurePersistentLogging mirrors log output to a file in addition to
// stderr.
func configurePersistentLogging(logFileName string) error {
	f, err := os.OpenFile(logFileName, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	logrus.SetOutput(io.MultiWriter(os.Stderr, f))
	log.WithField("logFileName", logFileName).Info("File logging initialized")
	return nil
}
