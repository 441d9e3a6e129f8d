package frameworks

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
)

const DefaultMasterPort = 29500

// Launch describes how a job is spread over GPUs. llamafactory-cli starts
// torchrun itself when FORCE_TORCHRUN is set and reads the topology from
// the variables produced by Environment.
type Launch struct {
	// comma separated device ids, empty leaves CUDA_VISIBLE_DEVICES alone
	VisibleDevices string
	NProcPerNode   int
	NNodes         int
	NodeRank       int
	MasterAddr     string
	MasterPort     int
}

// Devices returns the ids listed in VisibleDevices
func (l Launch) Devices() []string {
	var out []string
	for _, d := range strings.Split(l.VisibleDevices, ",") {
		if d = strings.TrimSpace(d); d != "" {
			out = append(out, d)
		}
	}
	return out
}

// Distributed reports whether more than one process takes part in a job
func (l Launch) Distributed() bool {
	return l.NNodes > 1 || l.NProcPerNode > 1 || len(l.Devices()) > 1
}

// Validate checks the node topology
func (l Launch) Validate() error {
	if l.NNodes < 1 {
		return fmt.Errorf("node count must be at least 1, got %d", l.NNodes)
	}
	if l.NodeRank < 0 || l.NodeRank >= l.NNodes {
		return fmt.Errorf("node rank %d out of range for %d nodes", l.NodeRank, l.NNodes)
	}
	if l.NProcPerNode < 0 {
		return fmt.Errorf("processes per node must not be negative, got %d", l.NProcPerNode)
	}
	if n := len(l.Devices()); l.NProcPerNode > 0 && n > 0 && l.NProcPerNode > n {
		return fmt.Errorf("%d processes per node but only %d visible devices", l.NProcPerNode, n)
	}
	if l.NNodes > 1 {
		if l.MasterAddr == "" {
			return fmt.Errorf("a master address is required for %d nodes", l.NNodes)
		}
		if net.ParseIP(l.MasterAddr) == nil && strings.ContainsAny(l.MasterAddr, " /:") {
			return fmt.Errorf("invalid master address %q", l.MasterAddr)
		}
	}
	if l.MasterPort < 0 || l.MasterPort > 65535 {
		return fmt.Errorf("master port %d out of range", l.MasterPort)
	}
	return nil
}

// Environment returns the KEY=value pairs for the framework process, sorted by key
func (l Launch) Environment() []string {
	env := map[string]string{}
	if devices := l.Devices(); len(devices) > 0 {
		env["CUDA_VISIBLE_DEVICES"] = strings.Join(devices, ",")
	}
	if l.Distributed() {
		port := l.MasterPort
		if port == 0 {
			port = DefaultMasterPort
		}
		addr := l.MasterAddr
		if addr == "" {
			addr = "127.0.0.1"
		}
		env["FORCE_TORCHRUN"] = "1"
		env["NNODES"] = strconv.Itoa(l.NNodes)
		env["NODE_RANK"] = strconv.Itoa(l.NodeRank)
		env["MASTER_ADDR"] = addr
		env["MASTER_PORT"] = strconv.Itoa(port)
		if l.NProcPerNode > 0 {
			env["NPROC_PER_NODE"] = strconv.Itoa(l.NProcPerNode)
		}
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k + "=" + env[k]
	}
	return out
}
