// Command node runs one peer of the image-encryption cluster (spec §6).
//
// Usage: node <node-id> <bind-addr> <peer-list>
//
//	node 1 127.0.0.1:9001 127.0.0.1:9002,127.0.0.1:9003
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/imgcluster/node/internal/config"
	"github.com/imgcluster/node/internal/logx"
	"github.com/imgcluster/node/internal/node"
)

func main() {
	os.Exit(run())
}

func run() int {
	log := logx.New("[node]")

	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "usage: node <node-id> <bind-addr> <peer-list>\n%v\n", err)
		return 2
	}

	n, err := node.New(cfg, log)
	if err != nil {
		log.Error("start node %d: %v", cfg.LocalID, err)
		return 1
	}

	done := make(chan struct{})
	go func() {
		n.Run()
		close(done)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info("shutdown signal received")
		n.Stop()
	case <-done:
	}

	return 0
}
