// Package script loads YAML step scripts and runs them on a navchain
// session. A script looks like
//
//	name: login
//	batches:
//	  sign-in:
//	    - fill: ["#user", "ada"]
//	    - click: "#submit"
//	steps:
//	  - open: /login
//	  - batch: sign-in
//	  - wait: "#home"
//	  - get.title:
//	  - test.text: ["h1", {regex: "^Welcome"}]
//
// Each step is a single-key mapping from a route to its arguments: nothing,
// one scalar, or a list. Arguments of the shape {regex: ...}, {js: ...} or
// {duration: ...} become a regular expression, a wait predicate or a
// time.Duration. get.* routes and tab.count receive a sink that records
// their values in the report.
package script

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/navchain/pkg/errs"
	"github.com/xkilldash9x/navchain/pkg/wait"
)

// Script is a parsed step script.
type Script struct {
	Name    string            `yaml:"name"`
	Batches map[string][]Step `yaml:"batches"`
	Steps   []Step            `yaml:"steps"`
}

// Step is one route call.
type Step struct {
	Route string
	Args  []any
	// Line is the 1-based source line, for error messages.
	Line int
}

// UnmarshalYAML decodes a single-key mapping.
func (s *Step) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode || len(node.Content) != 2 {
		return fmt.Errorf("line %d: a step is a mapping with exactly one route", node.Line)
	}
	key, val := node.Content[0], node.Content[1]
	if key.Kind != yaml.ScalarNode || strings.TrimSpace(key.Value) == "" {
		return fmt.Errorf("line %d: route must be a non-empty string", key.Line)
	}
	s.Route = key.Value
	s.Line = key.Line

	switch {
	case val.Kind == yaml.ScalarNode && val.Tag == "!!null":
		s.Args = nil
	case val.Kind == yaml.SequenceNode:
		s.Args = make([]any, 0, len(val.Content))
		for _, item := range val.Content {
			arg, err := decodeArg(item)
			if err != nil {
				return err
			}
			s.Args = append(s.Args, arg)
		}
	default:
		arg, err := decodeArg(val)
		if err != nil {
			return err
		}
		s.Args = []any{arg}
	}
	return nil
}

// decodeArg maps a YAML node onto a route argument.
func decodeArg(node *yaml.Node) (any, error) {
	switch node.Kind {
	case yaml.MappingNode:
		if len(node.Content) == 2 && node.Content[0].Kind == yaml.ScalarNode && node.Content[1].Kind == yaml.ScalarNode {
			if v, ok, err := special(node.Content[0].Value, node.Content[1]); ok || err != nil {
				return v, err
			}
		}
		m := make(map[string]any, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			v, err := decodeArg(node.Content[i+1])
			if err != nil {
				return nil, err
			}
			m[node.Content[i].Value] = v
		}
		return m, nil
	case yaml.SequenceNode:
		out := make([]any, 0, len(node.Content))
		for _, item := range node.Content {
			v, err := decodeArg(item)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case yaml.AliasNode:
		return decodeArg(node.Alias)
	}
	var v any
	if err := node.Decode(&v); err != nil {
		return nil, fmt.Errorf("line %d: %w", node.Line, err)
	}
	return v, nil
}

func special(tag string, val *yaml.Node) (any, bool, error) {
	switch tag {
	case "regex":
		re, err := regexp.Compile(val.Value)
		if err != nil {
			return nil, true, fmt.Errorf("line %d: invalid regex: %w", val.Line, err)
		}
		return re, true, nil
	case "js":
		return wait.JS(val.Value), true, nil
	case "duration":
		d, err := time.ParseDuration(val.Value)
		if err != nil {
			return nil, true, fmt.Errorf("line %d: invalid duration: %w", val.Line, err)
		}
		return d, true, nil
	}
	return nil, false, nil
}

// Parse reads a script from r. name is used when the script has none.
func Parse(r io.Reader, name string) (*Script, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var sc Script
	if err := dec.Decode(&sc); err != nil {
		if err == io.EOF {
			return nil, errs.Newf(errs.KindConfiguration, "script", "%s is empty", name)
		}
		return nil, errs.Wrapf(errs.KindConfiguration, "script", err, "parsing %s", name)
	}
	if sc.Name == "" {
		sc.Name = name
	}
	if len(sc.Steps) == 0 {
		return nil, errs.Newf(errs.KindConfiguration, "script", "%s has no steps", name)
	}
	for batch, steps := range sc.Batches {
		if batch == "" || len(steps) == 0 {
			return nil, errs.Newf(errs.KindConfiguration, "script", "batch %q in %s must be named and non-empty", batch, name)
		}
	}
	return &sc, nil
}

// Load reads the script at path, which may start with ~. The script name
// defaults to the file name without extension.
func Load(path string) (*Script, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfiguration, "script", err)
	}
	f, err := os.Open(expanded)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfiguration, "script", err)
	}
	defer f.Close()
	base := filepath.Base(expanded)
	return Parse(f, strings.TrimSuffix(base, filepath.Ext(base)))
}

// BatchNames returns the batch names in a stable order.
func (sc *Script) BatchNames() []string {
	names := make([]string, 0, len(sc.Batches))
	for n := range sc.Batches {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Summary renders the arguments of s for reports.
func (s Step) Summary() string {
	parts := make([]string, 0, len(s.Args))
	for _, a := range s.Args {
		switch v := a.(type) {
		case *regexp.Regexp:
			parts = append(parts, "/"+v.String()+"/")
		case wait.Func:
			parts = append(parts, v.Source)
		default:
			parts = append(parts, fmt.Sprint(v))
		}
	}
	out := strings.Join(parts, " ")
	if len(out) > 80 {
		out = out[:77] + "..."
	}
	return out
}
