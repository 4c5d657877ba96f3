package migrate

import (
	"fmt"
	"sort"
	"strings"
)

// PartialMigrationError reports the outcome of every node when at least one
// node failed. The key directory is not written in that case, nodes listed in
// Succeeded hold their new data already. There is no rollback across nodes.
// Skipped lists the nodes that had nothing to receive and were not touched.
type PartialMigrationError struct {
	Succeeded []string
	Skipped   []string
	Failed    map[string]error
}

func (e *PartialMigrationError) Error() string {
	failed := make([]string, 0, len(e.Failed))
	for node := range e.Failed {
		failed = append(failed, node)
	}
	sort.Strings(failed)

	parts := make([]string, 0, len(failed))
	for _, node := range failed {
		parts = append(parts, fmt.Sprintf("%s: %v", node, e.Failed[node]))
	}
	msg := fmt.Sprintf("migration failed on %d node(s) [%s], succeeded on [%s]",
		len(failed), strings.Join(parts, "; "), strings.Join(e.Succeeded, ", "))
	if len(e.Skipped) > 0 {
		msg += fmt.Sprintf(", skipped [%s]", strings.Join(e.Skipped, ", "))
	}
	return msg
}

// Unwrap exposes the node errors to errors.Is and errors.As
func (e *PartialMigrationError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, err := range e.Failed {
		errs = append(errs, err)
	}
	return errs
}
