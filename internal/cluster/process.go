package cluster

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
)

// Environment variables SpawnWorkers sets on each child process and Role
// reads back. Go exposes no safe fork() in a process with live goroutines,
// so a worker is a fresh re-invocation of the same binary rather than a
// forked child.
const (
	EnvRole        = "POSTOFFICE_ROLE"
	EnvWorkerIndex = "POSTOFFICE_WORKER_INDEX"
	EnvSocket      = "POSTOFFICE_SOCKET"

	RoleRoot   = "root"
	RoleWorker = "worker"
)

// Role reports this process's cluster role, read from the environment
// SpawnWorkers set. A process started without POSTOFFICE_ROLE is the root.
func Role() (role string, workerIndex int, socket string) {
	role = os.Getenv(EnvRole)
	if role == "" {
		role = RoleRoot
	}
	workerIndex, _ = strconv.Atoi(os.Getenv(EnvWorkerIndex))
	socket = os.Getenv(EnvSocket)
	return role, workerIndex, socket
}

// SpawnWorkers re-executes the running binary count times, once per worker,
// each tagged with its role, index, and the socket to dial. Each worker
// performs its own from-scratch startup (config load, logger, postoffice
// construction) rather than inheriting any parent state; there is no
// parent state to inherit, since nothing was forked.
func SpawnWorkers(count int, socket string) ([]*exec.Cmd, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("cluster: resolve own executable path: %w", err)
	}

	cmds := make([]*exec.Cmd, 0, count)
	for i := 0; i < count; i++ {
		cmd := exec.Command(self, os.Args[1:]...)
		cmd.Env = append(os.Environ(),
			EnvRole+"="+RoleWorker,
			fmt.Sprintf("%s=%d", EnvWorkerIndex, i),
			EnvSocket+"="+socket,
		)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			return cmds, fmt.Errorf("cluster: spawn worker %d: %w", i, err)
		}
		cmds = append(cmds, cmd)
	}
	return cmds, nil
}
