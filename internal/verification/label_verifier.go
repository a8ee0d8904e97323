// Package verification provides the built-in selection script verifier.
//
// A script is a list of label requirements separated by commas or newlines:
//
//	gpu=true
//	zone!=eu-west-1a, ssd
//
// "key=value" requires the label to equal value, "key!=value" requires it to
// differ (a missing label differs), and a bare "key" requires the label to exist.
// Lines starting with '#' are ignored.
package verification

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/limiquantix/placement/internal/domain"
)

type operator int

const (
	opExists operator = iota
	opEquals
	opNotEquals
)

type requirement struct {
	key   string
	op    operator
	value string
}

func (r requirement) matches(labels map[string]string) bool {
	v, ok := labels[r.key]
	switch r.op {
	case opEquals:
		return ok && v == r.value
	case opNotEquals:
		return !ok || v != r.value
	default:
		return ok
	}
}

// LabelVerifier evaluates label requirement scripts against node labels.
type LabelVerifier struct {
	logger *zap.Logger
}

// NewLabelVerifier creates a new LabelVerifier.
func NewLabelVerifier(logger *zap.Logger) *LabelVerifier {
	return &LabelVerifier{
		logger: logger.With(zap.String("component", "label-verifier")),
	}
}

// Verify returns true if the node satisfies every requirement of the script.
func (v *LabelVerifier) Verify(ctx context.Context, node *domain.Node, script domain.SelectionScript) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	reqs, err := parse(script.Content)
	if err != nil {
		return false, fmt.Errorf("script %q: %w", script.Name, err)
	}

	for _, r := range reqs {
		if !r.matches(node.Labels) {
			v.logger.Debug("Node does not match selection script",
				zap.String("node_id", node.ID),
				zap.String("script", script.Name),
				zap.String("label", r.key),
			)
			return false, nil
		}
	}
	return true, nil
}

// parse parses a label requirement script.
func parse(content string) ([]requirement, error) {
	var reqs []requirement

	fields := strings.FieldsFunc(content, func(r rune) bool {
		return r == ',' || r == '\n'
	})
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" || strings.HasPrefix(f, "#") {
			continue
		}

		var r requirement
		switch {
		case strings.Contains(f, "!="):
			parts := strings.SplitN(f, "!=", 2)
			r = requirement{key: strings.TrimSpace(parts[0]), op: opNotEquals, value: strings.TrimSpace(parts[1])}
		case strings.Contains(f, "="):
			parts := strings.SplitN(f, "=", 2)
			r = requirement{key: strings.TrimSpace(parts[0]), op: opEquals, value: strings.TrimSpace(parts[1])}
		default:
			r = requirement{key: f, op: opExists}
		}

		if r.key == "" {
			return nil, fmt.Errorf("%w: requirement %q has no label name", domain.ErrInvalidArgument, f)
		}
		reqs = append(reqs, r)
	}

	if len(reqs) == 0 {
		return nil, fmt.Errorf("%w: script has no requirements", domain.ErrInvalidArgument)
	}
	return reqs, nil
}
