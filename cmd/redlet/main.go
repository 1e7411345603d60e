// Command redlet runs a redkit server: a Redis-protocol-compatible
// key/value and stream store that can act as a replication master or,
// given --replicaof, as a replica of another redlet/Redis instance.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/arjunp/redkit"
)

func main() {
	os.Exit(run())
}

func run() int {
	logger := log.New(os.Stdout, "[redlet] ", log.LstdFlags)

	args, replicaHost, replicaPort, isReplica, err := extractReplicaOf(os.Args[1:])
	if err != nil {
		logger.Printf("invalid --replicaof: %v", err)
		return 1
	}

	fs := flag.NewFlagSet("redlet", flag.ContinueOnError)
	port := fs.Int("port", 6379, "TCP port to listen on")
	dir := fs.String("dir", "./rdb", "directory containing the RDB snapshot")
	dbfilename := fs.String("dbfilename", "dump.rdb", "RDB snapshot file name within --dir")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	masterHost, masterPort := replicaHost, replicaPort

	server := redkit.NewServer(fmt.Sprintf(":%d", *port))
	server.ErrorLog = logger
	server.Dir = *dir
	server.DBFilename = *dbfilename

	if isReplica {
		server.Repl.Role = "replica"
		server.Repl.ReplID = "?"
	}

	if err := server.Store.LoadRDBFile(*dir, *dbfilename); err != nil {
		logger.Printf("RDB snapshot not loaded, starting empty: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if isReplica {
		link := redkit.NewReplicaLink(server, masterHost, masterPort, *port)
		go link.Run(ctx)
	}

	go func() {
		<-ctx.Done()
		logger.Println("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Printf("shutdown error: %v", err)
		}
	}()

	logger.Printf("listening on :%d (role=%s)", *port, server.Repl.Role)
	if err := server.Serve(); err != nil {
		logger.Printf("server error: %v", err)
		return 1
	}
	return 0
}

// extractReplicaOf pulls "--replicaof <host> <port>" (two positional
// tokens following the flag, matching the original CLI's argparse
// nargs=2 surface) out of args, returning the remaining args for the
// standard flag.FlagSet to parse.
func extractReplicaOf(args []string) (rest []string, host string, port int, isReplica bool, err error) {
	for i, a := range args {
		if a != "--replicaof" && a != "-replicaof" {
			continue
		}
		if i+2 >= len(args) {
			return nil, "", 0, false, fmt.Errorf("expected host and port after --replicaof")
		}
		host = args[i+1]
		port, err = strconv.Atoi(args[i+2])
		if err != nil {
			return nil, "", 0, false, fmt.Errorf("invalid port %q: %w", args[i+2], err)
		}
		rest = append(append([]string{}, args[:i]...), args[i+3:]...)
		return rest, host, port, true, nil
	}
	return args, "", 0, false, nil
}
