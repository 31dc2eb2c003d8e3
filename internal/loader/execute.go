package loader

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jorendorff/js-loaders-sub000/internal/ctxlog"
)

// execNode is one executable unit in the dependency walk: a module or a
// linked script instance. Identity is referential.
type execNode interface {
	nodeName() string
	depNodes() []execNode
	executed() bool
	markExecuted()
	run(ctx context.Context, l *Loader) error
}

// ensureExecuted guarantees that start and everything reachable through its
// linked dependency edges has executed its body exactly once, in depth-first,
// left-to-right, post-order.
//
// The walk stops only at nodes already seen in this walk, not at nodes that
// executed previously: inside a cycle, a node can be marked executed while a
// transitive dependency of it has not yet run, and that dependency must still
// be found. Only the final run step is deduplicated.
func (l *Loader) ensureExecuted(ctx context.Context, start execNode) error {
	ctx, span := l.tracer.Start(ctx, "loader.execute",
		trace.WithAttributes(attribute.String("node.name", start.nodeName())))
	defer span.End()
	logger := ctxlog.FromContext(ctx)

	seen := make(map[execNode]struct{})
	var schedule []execNode

	var visit func(n execNode)
	visit = func(n execNode) {
		if _, ok := seen[n]; ok {
			return
		}
		seen[n] = struct{}{}
		for _, dep := range n.depNodes() {
			visit(dep)
		}
		schedule = append(schedule, n)

		// A script executes immediately after the last of its declared
		// modules that appears in this walk, so visiting a module pulls its
		// declaring script into the schedule and repositions it to the end.
		if m, ok := n.(*Module); ok && m.owner != nil {
			if _, ok := seen[m.owner]; !ok {
				visit(m.owner)
			}
			for i, other := range schedule {
				if other == execNode(m.owner) {
					schedule = append(schedule[:i], schedule[i+1:]...)
					break
				}
			}
			schedule = append(schedule, m.owner)
		}
	}
	visit(start)

	for _, n := range schedule {
		if n.executed() {
			continue
		}
		// Mark before running: a throwing body stays marked and is never
		// retried, and a body that re-enters ensureExecuted cannot run
		// itself a second time.
		n.markExecuted()
		if l.onExecute != nil {
			l.onExecute(n.nodeName())
		}
		logger.Debug("Executing node body.", "node", n.nodeName())
		if err := n.run(ctx, l); err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to execute %s: %w", n.nodeName(), err)
		}
	}
	return nil
}
