package postgres

import (
	"fmt"
	"strings"

	"github.com/derobiwan/trader-sub000/internal/domain"
)

// listQuery appends the ListOpts time window on col, the ordering and the
// page to a query whose WHERE clause is already open.
type listQuery struct {
	sb   strings.Builder
	args []any
}

func newListQuery(base string, args ...any) *listQuery {
	q := &listQuery{args: args}
	q.sb.WriteString(base)
	return q
}

func (q *listQuery) arg(v any) string {
	q.args = append(q.args, v)
	return fmt.Sprintf("$%d", len(q.args))
}

func (q *listQuery) window(col string, opts domain.ListOpts) *listQuery {
	if opts.Since != nil {
		q.sb.WriteString(" AND " + col + " >= " + q.arg(*opts.Since))
	}
	if opts.Until != nil {
		q.sb.WriteString(" AND " + col + " < " + q.arg(*opts.Until))
	}
	return q
}

func (q *listQuery) order(clause string) *listQuery {
	q.sb.WriteString(" ORDER BY " + clause)
	return q
}

func (q *listQuery) page(opts domain.ListOpts) *listQuery {
	if opts.Limit > 0 {
		q.sb.WriteString(" LIMIT " + q.arg(opts.Limit))
	}
	if opts.Offset > 0 {
		q.sb.WriteString(" OFFSET " + q.arg(opts.Offset))
	}
	return q
}

func (q *listQuery) String() string {
	return q.sb.String()
}
