// Package console turns lines typed on stdin into local lockstep commands.
//
//	clear <x> <y>
//	quit
//
// Any other name is scheduled as typed; the engine logs it if no handler
// exists.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"tower-wars/lockstep/internal/sim"
	"tower-wars/lockstep/internal/telemetry"
)

// Enqueuer is satisfied by *sim.Loop.
type Enqueuer interface {
	Enqueue(cmd sim.Command) bool
}

// Parse splits a console line into a command. Blank lines and lines starting
// with # yield ok=false.
func Parse(line string) (cmd sim.Command, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return sim.Command{}, false
	}
	fields := strings.Fields(line)
	cmd.Name = fields[0]
	if len(fields) > 1 {
		cmd.Args = fields[1:]
	}
	return cmd, true
}

// Run reads r until EOF or ctx is done, staging one command per line.
func Run(ctx context.Context, r io.Reader, q Enqueuer, logger telemetry.Logger) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		cmd, ok := Parse(scanner.Text())
		if !ok {
			continue
		}
		if !q.Enqueue(cmd) && logger != nil {
			logger.Printf("[console] command %s dropped", cmd.Name)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read console: %w", err)
	}
	return nil
}
