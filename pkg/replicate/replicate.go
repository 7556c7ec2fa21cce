// Package replicate copies the documents a test run works on. Input
// files matching the test set's pattern are copied under the run's
// prefix in the input bucket, which is what triggers the downstream
// document pipeline; baseline ground-truth files are copied alongside
// so the pipeline's evaluator can diff against them.
package replicate

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Lister resolves a file pattern against the input bucket.
type Lister interface {
	// FindMatchingFiles returns the object keys matching pattern.
	// An empty result is not an error.
	FindMatchingFiles(ctx context.Context, pattern string) ([]string, error)
}

// Replicator copies baseline and input files into a run's prefix.
type Replicator interface {
	// Replicate copies every file's baseline data and input document
	// under the runID prefix. It fails when any file has no baseline
	// data, or when any copy fails.
	Replicate(ctx context.Context, runID string, files []string) error
}

// compilePattern translates a file pattern into an anchored regexp.
// Semantics follow shell-style matching where * and ? span path
// separators, so "invoices/*.pdf" and "*2024*" both behave the way
// operators expect from the upload tooling.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder

	b.WriteString("^")

	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}

	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("compiling file pattern %q: %w", pattern, err)
	}

	return re, nil
}

// literalPrefix returns the fixed leading part of a pattern, up to the
// first wildcard. Used to narrow bucket listings.
func literalPrefix(pattern string) string {
	if i := strings.IndexAny(pattern, "*?"); i >= 0 {
		return pattern[:i]
	}

	return pattern
}
