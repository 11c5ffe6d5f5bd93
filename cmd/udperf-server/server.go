package main

import (
	"context"
	"flag"
	"fmt"
	"net"

	"github.com/charmbracelet/log"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"
	"github.com/zhangzhibo2015/udperf/internal/dispatch"
	"github.com/zhangzhibo2015/udperf/internal/persistence"
	"github.com/zhangzhibo2015/udperf/pkg/unicast1/model"
	"github.com/zhangzhibo2015/udperf/pkg/unicast1/spec"
)

var (
	flagAddr = flag.String("addr", fmt.Sprintf(":%d", spec.DefaultServerPort),
		"Listen address/port for settings announcements")
	flagDataDir     = flag.String("datadir", "./data", "Directory to store data in")
	flagRegistryTTL = flag.Duration("registry.ttl", spec.DefaultRegistryTTL,
		"How long an instance may stay registered without completing")

	// Context for the whole program.
	ctx, cancel = context.WithCancel(context.Background())
)

func main() {
	flag.Parse()
	flagx.ArgsFromEnv(flag.CommandLine)

	// Initialize logging and metrics.
	log.SetReportCaller(true)
	log.SetReportTimestamp(true)
	log.SetLevel(log.DebugLevel)

	promSrv := prometheusx.MustServeMetrics()
	defer promSrv.Close()
	defer cancel()

	addr, err := net.ResolveUDPAddr("udp", *flagAddr)
	rtx.Must(err, "invalid listen address")
	conn, err := net.ListenUDP("udp", addr)
	rtx.Must(err, "failed to create listener")

	// Completed records are archived to disk; a failing sink is logged
	// and not retried.
	sink := func(record *model.Record) {
		_, err := persistence.WriteDataFile(*flagDataDir, "unicast1",
			string(record.Mode), record.TestID, record.Archive())
		if err != nil {
			log.Error("failed to write result",
				"test_id", record.TestID, "error", err)
		}
	}

	srv := dispatch.NewServer(conn, sink, *flagRegistryTTL)
	srv.Serve(ctx)
}
