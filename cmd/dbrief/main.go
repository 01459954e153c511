// Copyright (C) 2019 The Dbrief Authors.
// See LICENSE for copying information.

// dbrief moves large objects between heterogeneous databases and object
// stores, chunk by chunk, over HTTP.
package main

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/TheWiseCoder/dbrief/pkg/engine"
	"github.com/TheWiseCoder/dbrief/pkg/engine/mysql"
	"github.com/TheWiseCoder/dbrief/pkg/engine/oracle"
	"github.com/TheWiseCoder/dbrief/pkg/engine/postgres"
	"github.com/TheWiseCoder/dbrief/pkg/engine/sqlite"
	"github.com/TheWiseCoder/dbrief/pkg/engine/sqlserver"
	"github.com/TheWiseCoder/dbrief/pkg/journal"
	"github.com/TheWiseCoder/dbrief/pkg/logical"
	"github.com/TheWiseCoder/dbrief/pkg/process"
	"github.com/TheWiseCoder/dbrief/pkg/s3store"
	"github.com/TheWiseCoder/dbrief/pkg/sessions"
	"github.com/TheWiseCoder/dbrief/pkg/transfer"
	"github.com/TheWiseCoder/dbrief/pkg/web"
)

var (
	rootCmd = &cobra.Command{
		Use:   "dbrief",
		Short: "large object transfer between heterogeneous databases",
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "run the transfer service",
		RunE:  cmdRun,
	}
)

func init() {
	rootCmd.AddCommand(runCmd)

	flags := runCmd.Flags()
	flags.String("address", ":8291", "address for the http api to listen on")
	flags.StringSlice("engine", nil, "engine binding as name=url, e.g. pg-main=postgres://user:pw@host/db (repeatable)")
	flags.String("journal.path", "", "path of the transfer journal database, empty disables the journal")
	flags.Int("transfer.chunk-size", transfer.DefaultChunkSize, "bytes moved per chunk")
	flags.Int("transfer.max-retries", transfer.DefaultMaxRetries, "whole-transfer retries on retryable failures")
	flags.Int("transfer.max-concurrent", transfer.DefaultMaxConcurrent, "transfers in flight at once")
	flags.Int64("transfer.stream-threshold", 0, "declared length at or above which database writers stream, 0 streams always")
	flags.String("s3.endpoint", "", "object store endpoint, empty disables object store targets")
	flags.String("s3.access-key", "", "object store access key")
	flags.String("s3.secret-key", "", "object store secret key")
	flags.String("s3.bucket", "dbrief", "object store bucket for diverted objects")
	flags.String("s3.region", "", "object store region")
	flags.Bool("s3.use-ssl", true, "use TLS when talking to the object store")
}

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	ctx, cancel := process.Ctx(cmd)
	defer cancel()

	log, err := process.NewLogger()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	registry := engine.NewRegistry(log.Named("engine"))
	threshold := viper.GetInt64("transfer.stream-threshold")
	for _, binding := range viper.GetStringSlice("engine") {
		variant, err := newEngine(log, binding, threshold)
		if err != nil {
			return err
		}
		if err := registry.Add(variant); err != nil {
			return err
		}
	}

	config := transfer.Config{
		ChunkSize:       viper.GetInt("transfer.chunk-size"),
		StreamThreshold: threshold,
		MaxRetries:      viper.GetInt("transfer.max-retries"),
		MaxConcurrent:   viper.GetInt("transfer.max-concurrent"),
	}
	coordinator := transfer.NewCoordinator(log.Named("transfer"), logical.NewMapper(), registry, config)

	var records *journal.Journal
	if path := viper.GetString("journal.path"); path != "" {
		records, err = journal.New(log.Named("journal"), path)
		if err != nil {
			return err
		}
		defer func() { err = errs.Combine(err, records.Close()) }()
		coordinator.SetJournal(records)
	}

	if endpoint := viper.GetString("s3.endpoint"); endpoint != "" {
		store, err := s3store.New(log.Named("s3"), s3store.Config{
			Endpoint:  endpoint,
			AccessKey: viper.GetString("s3.access-key"),
			SecretKey: viper.GetString("s3.secret-key"),
			UseSSL:    viper.GetBool("s3.use-ssl"),
			Bucket:    viper.GetString("s3.bucket"),
			Region:    viper.GetString("s3.region"),
		})
		if err != nil {
			return err
		}
		coordinator.SetObjectStore(store)
	}

	sessionRegistry := sessions.NewRegistry(log.Named("sessions"), sessions.Metrics{
		ChunkSize:       config.ChunkSize,
		StreamThreshold: threshold,
		MaxRetries:      config.MaxRetries,
		MaxConcurrent:   config.MaxConcurrent,
	})

	server := web.NewServer(log.Named("web"),
		web.Config{Address: viper.GetString("address")},
		coordinator, sessionRegistry, records)
	return server.Run(ctx)
}

// newEngine builds an engine variant from a name=url binding, dispatching
// on the url scheme.
func newEngine(log *zap.Logger, binding string, threshold int64) (engine.Engine, error) {
	parts := strings.SplitN(binding, "=", 2)
	if len(parts) != 2 || parts[0] == "" {
		return nil, errs.New("engine binding %q is not name=url", binding)
	}
	name, url := parts[0], parts[1]
	log = log.Named(name)

	scheme := url
	if index := strings.Index(url, "://"); index >= 0 {
		scheme = url[:index]
	}
	switch scheme {
	case "postgres", "postgresql":
		return postgres.NewEngine(log, name, url, postgres.Options{StreamThreshold: threshold}), nil
	case "oracle", "goracle":
		return oracle.NewEngine(log, name, strings.TrimPrefix(url, scheme+"://"), oracle.Options{StreamThreshold: threshold}), nil
	case "sqlserver", "mssql":
		return sqlserver.NewEngine(log, name, url, sqlserver.Options{StreamThreshold: threshold}), nil
	case "mysql":
		return mysql.NewEngine(log, name, strings.TrimPrefix(url, "mysql://"), mysql.Options{StreamThreshold: threshold}), nil
	case "sqlite", "sqlite3":
		return sqlite.NewEngine(log, name, strings.TrimPrefix(url, scheme+"://"), sqlite.Options{StreamThreshold: threshold}), nil
	default:
		return nil, errs.New("engine url %q has unknown scheme %q", url, scheme)
	}
}

func main() {
	process.Execute(rootCmd)
}
