package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/elum-utils/aiocensor/rule"
)

var cmdRules = &cli.Command{
	Name:  "rules",
	Usage: "keyword rule helpers",
	Subcommands: []*cli.Command{
		{
			Name:      "lint",
			Usage:     "check rule files for malformed rules",
			ArgsUsage: "<file>...",
			Action:    runRulesLint,
		},
	},
}

func runRulesLint(cctx *cli.Context) error {
	if cctx.Args().Len() == 0 {
		return fmt.Errorf("need at least one rule file")
	}
	bad := 0
	for _, path := range cctx.Args().Slice() {
		n, err := lintFile(cctx, path)
		if err != nil {
			return err
		}
		bad += n
	}
	if bad > 0 {
		return fmt.Errorf("%d malformed rule(s)", bad)
	}
	return nil
}

// lintFile prints one line per malformed rule and returns how many it found.
func lintFile(cctx *cli.Context, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening rule file: %w", err)
	}
	defer f.Close()

	bad, ok := 0, 0
	scanner := bufio.NewScanner(f)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if _, err := rule.Parse(line); err != nil {
			fmt.Fprintf(cctx.App.ErrWriter, "%s:%d: %v\n", path, lineNo, err)
			bad++
			continue
		}
		ok++
	}
	if err := scanner.Err(); err != nil {
		return bad, fmt.Errorf("reading %s: %w", path, err)
	}
	fmt.Fprintf(cctx.App.Writer, "%s: %d ok, %d malformed\n", path, ok, bad)
	return bad, nil
}
