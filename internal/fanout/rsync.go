package fanout

import (
	"context"
	"fmt"
	"os/exec"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Replicator pushes a local tree to the same path on a set of hosts.
type Replicator interface {
	Replicate(ctx context.Context, src, dest string, hosts []string) error
}

// RsyncReplicator shells out to the system rsync, one process per target
// host, in parallel. Failures are collected per host and surfaced as an
// *Error so callers can report partial state.
type RsyncReplicator struct {
	// User is the remote account, usually the service user.
	User string
}

func (r *RsyncReplicator) Replicate(ctx context.Context, src, dest string, hosts []string) error {
	if len(hosts) == 0 {
		return nil
	}
	results := make(map[string]Result, len(hosts))
	var mu sync.Mutex
	var g errgroup.Group
	failed := false
	for _, host := range hosts {
		host := host
		g.Go(func() error {
			target := fmt.Sprintf("%s@%s:%s/", r.User, host, dest)
			cmd := exec.CommandContext(ctx, "rsync", "-aq", "--delete", src+"/", target)
			out, err := cmd.CombinedOutput()
			res := Result{Stdout: string(out)}
			if err != nil {
				res.Error = err.Error()
				log.Warn().Str("host", host).Str("src", src).Err(err).Msg("rsync failed")
			}
			mu.Lock()
			results[host] = res
			if res.Error != "" {
				failed = true
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if failed {
		return &Error{Command: "rsync " + src, Results: results}
	}
	return nil
}
