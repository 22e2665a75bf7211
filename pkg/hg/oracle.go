package hg

import (
	"context"
	"errors"
	"fmt"

	"github.com/yoyogias2011/TUID/pkg/types"
)

// ErrRangeNotFound is returned when the two revisions cannot be
// connected within the walk budget.
var ErrRangeNotFound = errors.New("revisions not connected within changelog walk budget")

// ChangelogOracle answers revision-range queries by walking json-log
// pages. It stands in for the changelog crawler in deployments that do
// not run one; the crawler implements the same contract over its own
// changeset table.
type ChangelogOracle struct {
	client *Client
	// maxWalk bounds the number of changesets inspected per direction.
	maxWalk int
}

// NewChangelogOracle creates an oracle walking at most maxWalk
// changesets in each direction.
func NewChangelogOracle(client *Client, maxWalk int) *ChangelogOracle {
	return &ChangelogOracle{client: client, maxWalk: maxWalk}
}

// RevRange returns the ordered (ordinal, revision) list connecting
// target and frontier, oldest first. For a forward move the list runs
// frontier..target; for a backward move it runs target..frontier, so
// the caller can recognize the direction by the first element.
func (o *ChangelogOracle) RevRange(ctx context.Context, target, frontier string) ([]types.RevOrdinal, error) {
	target = types.ShortRev(target)
	frontier = types.ShortRev(frontier)

	if target == frontier {
		return []types.RevOrdinal{{Ordinal: 0, Revision: target}}, nil
	}

	// Forward move: the frontier is an ancestor of the target.
	if chain, err := o.walkBack(ctx, target, frontier); err == nil {
		return reverseToOrdinals(chain), nil
	} else if !errors.Is(err, ErrRangeNotFound) {
		return nil, err
	}

	// Backward move: the target is an ancestor of the frontier.
	chain, err := o.walkBack(ctx, frontier, target)
	if err != nil {
		return nil, err
	}
	return reverseToOrdinals(chain), nil
}

// walkBack pages through json-log from `from`, newest first, until it
// reaches `until`. The returned chain runs from..until inclusive,
// newest first.
func (o *ChangelogOracle) walkBack(ctx context.Context, from, until string) ([]string, error) {
	var chain []string
	next := from
	first := true

	for len(chain) <= o.maxWalk {
		page, err := o.client.Changelog(ctx, "", next)
		if err != nil {
			return nil, fmt.Errorf("changelog walk from %s: %w", from, err)
		}
		if len(page.Changesets) == 0 {
			return nil, ErrRangeNotFound
		}

		entries := page.Changesets
		if !first {
			// Pages start at the revision requested; skip the overlap.
			entries = entries[1:]
		}
		first = false

		for _, cset := range entries {
			node := types.ShortRev(cset.Node)
			chain = append(chain, node)
			if node == until {
				return chain, nil
			}
			if len(chain) > o.maxWalk {
				break
			}
		}

		if len(entries) == 0 {
			return nil, ErrRangeNotFound
		}
		next = types.ShortRev(entries[len(entries)-1].Node)
	}

	return nil, ErrRangeNotFound
}

// reverseToOrdinals flips a newest-first chain into the oldest-first
// ordinal list the mover consumes.
func reverseToOrdinals(chain []string) []types.RevOrdinal {
	out := make([]types.RevOrdinal, 0, len(chain))
	for i := len(chain) - 1; i >= 0; i-- {
		out = append(out, types.RevOrdinal{Ordinal: len(chain) - 1 - i, Revision: chain[i]})
	}
	return out
}
