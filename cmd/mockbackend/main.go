// Command mockbackend runs an in-memory storefront backend speaking the
// REST+socket protocol the provider runtime expects. It is a development
// tool; state lives in memory and dies with the process.
package main

import (
	"flag"
	"net/http"
	"os"

	"github.com/marketloop/providerkit/pkg/logger"
)

func main() {
	addr := flag.String("addr", ":8390", "listen address")
	level := flag.String("log-level", "debug", "log level (trace, debug, info, warn, error)")
	flag.Parse()

	log := logger.New(logger.Config{Level: *level, Format: "console"}, "mockbackend")
	backend := NewBackend(log)

	log.WithField("addr", *addr).Info("mock backend listening")
	if err := http.ListenAndServe(*addr, backend); err != nil {
		log.WithError(err).Error("server stopped")
		os.Exit(1)
	}
}
