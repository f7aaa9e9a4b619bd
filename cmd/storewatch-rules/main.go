// Package main provides a CLI tool for validating storewatch aggregation and
// escalation rule files.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"storewatch/internal/aggregation"
	"storewatch/internal/escalation"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "validate":
		runValidateCmd(os.Args[2:])
	case "list":
		runListCmd(os.Args[2:])
	case "-version", "--version", "-v":
		fmt.Printf("storewatch-rules %s\n", version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown subcommand: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: storewatch-rules <command> [flags] [args]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  validate  Validate rule files or directories\n")
	fmt.Fprintf(os.Stderr, "  list      List rules found in files or directories\n\n")
	fmt.Fprintf(os.Stderr, "Flags:\n")
	fmt.Fprintf(os.Stderr, "  -version  Show version and exit\n")
}

func runValidateCmd(args []string) {
	flags := flag.NewFlagSet("validate", flag.ExitOnError)
	verbose := flags.Bool("verbose", false, "Show detailed rule information")
	flags.Parse(args)

	paths := flags.Args()
	if len(paths) == 0 {
		fmt.Fprintf(os.Stderr, "Error: at least one path is required\n")
		fmt.Fprintf(os.Stderr, "Usage: storewatch-rules validate [--verbose] <path> [<path>...]\n")
		os.Exit(1)
	}

	os.Exit(runValidate(os.Stdout, paths, *verbose))
}

func runListCmd(args []string) {
	flags := flag.NewFlagSet("list", flag.ExitOnError)
	flags.Parse(args)

	paths := flags.Args()
	if len(paths) == 0 {
		paths = []string{"configs/rules"}
	}

	os.Exit(runList(os.Stdout, paths))
}

// ruleSet is the parsed content of one rule file.
type ruleSet struct {
	aggregation []aggregation.Rule
	escalation  []escalation.Rule
}

func (r ruleSet) len() int {
	return len(r.aggregation) + len(r.escalation)
}

var errUnknownRuleFile = errors.New("file holds neither aggregation_rules nor escalation_rules")

// parseRuleFile parses a file holding aggregation rules, escalation rules or both.
func parseRuleFile(data []byte) (ruleSet, error) {
	var keys map[string]yaml.Node
	if err := yaml.Unmarshal(data, &keys); err != nil {
		return ruleSet{}, fmt.Errorf("failed to parse YAML: %w", err)
	}

	var set ruleSet
	var err error
	_, hasAgg := keys["aggregation_rules"]
	_, hasEsc := keys["escalation_rules"]
	if !hasAgg && !hasEsc {
		return set, errUnknownRuleFile
	}
	if hasAgg {
		if set.aggregation, err = aggregation.ParseRules(data); err != nil {
			return set, err
		}
	}
	if hasEsc {
		if set.escalation, err = escalation.ParseRules(data); err != nil {
			return set, err
		}
	}
	return set, nil
}

func runValidate(out io.Writer, paths []string, verbose bool) int {
	var totalFiles, validFiles, invalidFiles int

	for _, path := range paths {
		files, err := collectYAMLFiles(path)
		if err != nil {
			fmt.Fprintf(out, "  FAIL  %s: %v\n", path, err)
			invalidFiles++
			continue
		}
		for _, f := range files {
			totalFiles++
			if validateFile(out, f, verbose) {
				validFiles++
			} else {
				invalidFiles++
			}
		}
	}

	fmt.Fprintf(out, "\nResults: %d files checked, %d valid, %d invalid\n", totalFiles, validFiles, invalidFiles)

	if invalidFiles > 0 {
		return 1
	}
	return 0
}

func validateFile(out io.Writer, path string, verbose bool) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(out, "  FAIL  %s: %v\n", path, err)
		return false
	}

	set, err := parseRuleFile(data)
	if err != nil {
		fmt.Fprintf(out, "  FAIL  %s: %v\n", path, err)
		return false
	}

	fmt.Fprintf(out, "  OK    %s (%d rule(s))\n", path, set.len())

	if verbose {
		for _, r := range set.aggregation {
			fmt.Fprintf(out, "        - [%s] %s (aggregation, action=%s, window=%dm, max=%d)\n",
				r.ID, r.Name, r.Action, r.Conditions.TimeWindowMinutes, r.Conditions.MaxAlerts)
		}
		for _, r := range set.escalation {
			fmt.Fprintf(out, "        - [%s] %s (escalation, window=%dm)\n",
				r.ID, r.Name, r.Conditions.TimeWindowMinutes)
			if len(r.Actions.NotifyRoles) > 0 {
				fmt.Fprintf(out, "          notify_roles: %s\n", strings.Join(r.Actions.NotifyRoles, ", "))
			}
			if r.Actions.NewSeverity != "" {
				fmt.Fprintf(out, "          new_severity: %s\n", r.Actions.NewSeverity)
			}
		}
	}

	return true
}

func runList(out io.Writer, paths []string) int {
	for _, path := range paths {
		files, err := collectYAMLFiles(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading %s: %v\n", path, err)
			continue
		}

		for _, f := range files {
			data, err := os.ReadFile(f)
			if err != nil {
				continue
			}
			set, err := parseRuleFile(data)
			if err != nil {
				continue
			}
			for _, r := range set.aggregation {
				fmt.Fprintf(out, "%-32s  %-11s  %-8s  %s\n", r.ID, "aggregation", r.Action, r.Name)
			}
			for _, r := range set.escalation {
				scope := r.StoreID
				if scope == "" {
					scope = "global"
				}
				fmt.Fprintf(out, "%-32s  %-11s  %-8s  %s\n", r.ID, "escalation", scope, r.Name)
			}
		}
	}
	return 0
}

// collectYAMLFiles returns path itself when it is a file, otherwise every YAML file
// below it.
func collectYAMLFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(p))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, p)
		}
		return nil
	})
	return files, err
}
