package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/go/flagx"
	"github.com/zhangzhibo2015/udperf/pkg/client"
	"github.com/zhangzhibo2015/udperf/pkg/unicast1/model"
)

var (
	flagServer     = flag.String("server", "localhost:10000", "Server address")
	flagDirection  = flag.String("direction", "client_to_server", "Test direction (client_to_server|server_to_client)")
	flagSymbols    = flag.Int("symbols", client.DefaultSymbols, "Number of symbols per block")
	flagSymbolSize = flag.Int("symbol-size", client.DefaultSymbolSize, "Symbol size in bytes")
	flagTimeout    = flag.Duration("timeout", 500*time.Millisecond, "Handshake retry interval and data watchdog")
	flagRateLimit  = flag.Float64("rate-limit", 0, "Payload rate in bytes per millisecond (0 = unlimited)")
	flagRedundancy = flag.Int("max-redundancy", client.DefaultMaxRedundancy, "Cap on sent packets, as a percentage of symbols (0 = uncapped)")
	flagErasures   = flag.Float64("erasures", 0, "Simulated per-datagram drop probability in [0,1]")
	flagDebug      = flag.Bool("debug", false, "Print debug output")
)

func main() {
	flag.Parse()
	flagx.ArgsFromEnv(flag.CommandLine)

	direction := model.Direction(*flagDirection)
	if direction != model.DirectionClientToServer &&
		direction != model.DirectionServerToClient {
		log.Error("invalid direction", "direction", *flagDirection)
		os.Exit(1)
	}

	cl := client.New(client.Config{
		Server:        *flagServer,
		Direction:     direction,
		Symbols:       *flagSymbols,
		SymbolSize:    *flagSymbolSize,
		Timeout:       *flagTimeout,
		RateLimit:     *flagRateLimit,
		MaxRedundancy: *flagRedundancy,
		Erasures:      *flagErasures,
		Emitter:       client.HumanReadable{Debug: *flagDebug},
	})

	_, err := cl.Run(context.Background())
	if err != nil {
		log.Error("test run failed", "error", err)
		os.Exit(1)
	}
}
