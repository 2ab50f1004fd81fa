// Package config parses the node process's invocation arguments (spec §6).
package config

import (
	"fmt"
	"strconv"
	"strings"
)

// PeerTable maps a NodeId to its UDP endpoint for every peer except the
// local node, per spec §3 invariant I1.
type PeerTable map[int]string

// ClusterConfig is the fully parsed process configuration.
type ClusterConfig struct {
	LocalID  int
	BindAddr string
	Peers    PeerTable
}

// Parse interprets the three positional arguments described in spec §6:
//  1. NodeId (small positive integer, unique within the cluster)
//  2. local bind endpoint "host:port"
//  3. comma-separated peer endpoints "host:port", paired with ids by order
//     (id 1 is the first, etc., with the local id skipped)
func Parse(args []string) (*ClusterConfig, error) {
	if len(args) != 3 {
		return nil, fmt.Errorf("expected 3 arguments (node-id bind-addr peer-list), got %d", len(args))
	}

	localID, err := strconv.Atoi(strings.TrimSpace(args[0]))
	if err != nil || localID <= 0 {
		return nil, fmt.Errorf("invalid node id %q: must be a positive integer", args[0])
	}

	bindAddr := strings.TrimSpace(args[1])
	if bindAddr == "" || !strings.Contains(bindAddr, ":") {
		return nil, fmt.Errorf("invalid bind address %q: expected host:port", args[1])
	}

	peers := make(PeerTable)
	raw := strings.TrimSpace(args[2])
	if raw != "" {
		endpoints := strings.Split(raw, ",")
		id := 1
		for _, ep := range endpoints {
			ep = strings.TrimSpace(ep)
			if ep == "" {
				continue
			}
			if id == localID {
				// The local id is skipped in the peer list ordering.
				id++
			}
			if !strings.Contains(ep, ":") {
				return nil, fmt.Errorf("invalid peer endpoint %q: expected host:port", ep)
			}
			peers[id] = ep
			id++
		}
	}

	if _, isSelf := peers[localID]; isSelf {
		return nil, fmt.Errorf("local id %d must not appear in its own peer table", localID)
	}

	return &ClusterConfig{LocalID: localID, BindAddr: bindAddr, Peers: peers}, nil
}
