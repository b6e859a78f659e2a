package schema

import (
	"sort"
	"strconv"
	"strings"
)

// ExecMode selects the run semantics for a node selection.
type ExecMode string

const (
	// ModeIsolated executes every selected node in position order, ignoring
	// branch/skip semantics. Default; for targeted testing of a subset.
	ModeIsolated ExecMode = "isolated"
	// ModeFlow honors control-flow decisions: bodies run under their owning
	// control node and non-taken Route branches are marked skipped.
	ModeFlow ExecMode = "flow"
)

// Selection is a parsed node selection: either every position or an explicit,
// sorted, de-duplicated list.
type Selection struct {
	All       bool
	Positions []int
}

// ParseSelection parses the selection syntax: a single position ("5"), an
// inclusive range ("3-5"), a comma-separated mix ("1-3,10,15-17"), or "all".
// Positions that do not exist in the workflow are NOT rejected here; the
// executor reports them per-item so other selected nodes still run.
func ParseSelection(s string) (Selection, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Selection{}, NewError(ErrCodeValidation, "empty node selection")
	}
	if strings.EqualFold(s, "all") {
		return Selection{All: true}, nil
	}

	seen := make(map[int]struct{})
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return Selection{}, NewErrorf(ErrCodeValidation, "empty segment in selection %q", s)
		}
		lo, hi, err := parseSegment(part)
		if err != nil {
			return Selection{}, err
		}
		for p := lo; p <= hi; p++ {
			seen[p] = struct{}{}
		}
	}

	positions := make([]int, 0, len(seen))
	for p := range seen {
		positions = append(positions, p)
	}
	sort.Ints(positions)
	return Selection{Positions: positions}, nil
}

func parseSegment(part string) (int, int, error) {
	if lo, hi, ok := strings.Cut(part, "-"); ok {
		start, err := parsePosition(lo)
		if err != nil {
			return 0, 0, err
		}
		end, err := parsePosition(hi)
		if err != nil {
			return 0, 0, err
		}
		if end < start {
			return 0, 0, NewErrorf(ErrCodeValidation, "inverted range %q in selection", part)
		}
		return start, end, nil
	}
	p, err := parsePosition(part)
	return p, p, err
}

func parsePosition(s string) (int, error) {
	p, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || p < 1 {
		return 0, NewErrorf(ErrCodeValidation, "invalid position %q in selection", s)
	}
	return p, nil
}
