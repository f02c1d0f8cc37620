// Command server runs the peermesh signaling relay on its own.
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/gin-gonic/gin"
	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/pflag"

	"github.com/tomaslejdung/peermesh/pkg/signal"
)

var log = logging.Logger("peermesh/server")

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flagSet := pflag.NewFlagSet("server", pflag.ContinueOnError)
	port := flagSet.IntP("port", "p", 8080, "Server port")
	level := flagSet.String("log-level", "info", "Log level (debug|info|warn|error)")
	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	// Check for PORT env var (for cloud deployments)
	if envPort := os.Getenv("PORT"); envPort != "" && !flagSet.Changed("port") {
		p, err := strconv.Atoi(envPort)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", envPort, err)
		}
		*port = p
	}

	if err := logging.SetLogLevel("*", *level); err != nil {
		return fmt.Errorf("invalid log level %q: %w", *level, err)
	}
	gin.SetMode(gin.ReleaseMode)

	addr := fmt.Sprintf(":%d", *port)
	log.Infof("peermesh signal server starting on %s", addr)
	return signal.NewServer().StartServer(addr)
}
