package rules

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Loader parses and validates rule documents.
type Loader struct {
	validate     *validator.Validate
	matchTimeout time.Duration
}

// NewLoader creates a Loader. A non-positive timeout uses DefaultMatchTimeout.
func NewLoader(matchTimeout time.Duration) *Loader {
	if matchTimeout <= 0 {
		matchTimeout = DefaultMatchTimeout
	}
	return &Loader{
		validate:     validator.New(),
		matchTimeout: matchTimeout,
	}
}

// LoadPaths reads every path in order. A directory contributes its *.yaml and
// *.yml files in lexical order. The result preserves file order, then
// document order within a file.
func (l *Loader) LoadPaths(paths []string) (*Snapshot, error) {
	files, err := expandPaths(paths)
	if err != nil {
		return nil, err
	}

	var all []*Rule
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &LoadError{Path: path, Err: err}
		}
		rules, err := l.Parse(data)
		if err != nil {
			var le *LoadError
			if errors.As(err, &le) {
				le.Path = path
				return nil, le
			}
			return nil, &LoadError{Path: path, Err: err}
		}
		all = append(all, rules...)
	}

	return l.build(all, files)
}

// Parse decodes one rule document. The document may be a list of rules, a
// single rule, or a YAML stream of either.
func (l *Loader) Parse(data []byte) ([]*Rule, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))

	var out []*Rule
	for {
		var node yaml.Node
		err := dec.Decode(&node)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &LoadError{Err: fmt.Errorf("parse: %w", err)}
		}
		if len(node.Content) == 0 {
			continue
		}

		doc := node.Content[0]
		switch doc.Kind {
		case yaml.SequenceNode:
			var rules []*Rule
			if err := doc.Decode(&rules); err != nil {
				return nil, &LoadError{Err: fmt.Errorf("parse: %w", err)}
			}
			out = append(out, rules...)
		case yaml.MappingNode:
			var rule Rule
			if err := doc.Decode(&rule); err != nil {
				return nil, &LoadError{Err: fmt.Errorf("parse: %w", err)}
			}
			out = append(out, &rule)
		default:
			return nil, &LoadError{Err: fmt.Errorf("parse: line %d: expected a rule or a list of rules", doc.Line)}
		}
	}

	for i, r := range out {
		if r == nil {
			return nil, &LoadError{Err: fmt.Errorf("%w: entry %d is empty", ErrInvalidRule, i)}
		}
		if err := l.prepare(r); err != nil {
			return nil, &LoadError{RuleID: r.ID, Err: err}
		}
	}
	return out, nil
}

// FromRules validates and compiles rules built in code.
func (l *Loader) FromRules(rules []*Rule) (*Snapshot, error) {
	for _, r := range rules {
		if err := l.prepare(r); err != nil {
			return nil, &LoadError{RuleID: r.ID, Err: err}
		}
	}
	return l.build(rules, nil)
}

func (l *Loader) prepare(r *Rule) error {
	r.normalize()
	if err := l.validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s failed %q", ErrInvalidRule, fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	if err := r.check(l.matchTimeout); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	return nil
}

func (l *Loader) build(rules []*Rule, sources []string) (*Snapshot, error) {
	if len(rules) == 0 {
		return nil, &LoadError{Err: ErrNoRules}
	}
	seen := make(map[string]struct{}, len(rules))
	for _, r := range rules {
		if _, dup := seen[r.ID]; dup {
			return nil, &LoadError{RuleID: r.ID, Err: ErrDuplicateRule}
		}
		seen[r.ID] = struct{}{}
	}
	return newSnapshot(rules, sources), nil
}

func expandPaths(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, &LoadError{Path: p, Err: err}
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}

		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, &LoadError{Path: p, Err: err}
		}
		var dir []string
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			ext := strings.ToLower(filepath.Ext(e.Name()))
			if ext == ".yaml" || ext == ".yml" {
				dir = append(dir, filepath.Join(p, e.Name()))
			}
		}
		sort.Strings(dir)
		files = append(files, dir...)
	}
	return files, nil
}
