// Command trellis-bench exercises the public engine/container/attr API end
// to end, the way the teacher's cmd/benchmark exercises alien, rocket, and
// dumbdumb: a harness, not a feature. Grounded on cmd/codegen/main.go for
// the urfave/cli/v3 command shape and cmd/benchmark_reactively/main.go for
// the tachymeter + table-writer reporting pattern.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jamiealquiza/tachymeter"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"
)

const formatKey = "format"
const itersKey = "n"

func main() {
	cmd := &cli.Command{
		Name:  "trellis-bench",
		Usage: "run and time the Trellis engine's canonical scenarios",
		Commands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "run one scenario and print its trace",
				ArgsUsage: "<scenario>",
				Action:    runAction,
			},
			{
				Name:  "bench",
				Usage: "time every scenario's sweeps across N iterations",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: itersKey, Usage: "iterations per scenario", Value: 200},
					&cli.StringFlag{Name: formatKey, Usage: "table format: pretty or classic", Value: "pretty"},
				},
				Action: benchAction,
			},
		},
	}
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func runAction(ctx context.Context, cmd *cli.Command) error {
	name := cmd.Args().First()
	if name == "" {
		return fmt.Errorf("usage: trellis-bench run <scenario> (one of: %s)", scenarioNames())
	}
	s, ok := findScenario(name)
	if !ok {
		return fmt.Errorf("unknown scenario %q (one of: %s)", name, scenarioNames())
	}
	trace, err := s.run()
	if err != nil {
		return err
	}
	for _, line := range trace {
		fmt.Println(line)
	}
	return nil
}

func scenarioNames() string {
	names := make([]string, len(scenarios))
	for i, s := range scenarios {
		names[i] = s.name
	}
	return strings.Join(names, ", ")
}

func benchAction(ctx context.Context, cmd *cli.Command) error {
	iters := int(cmd.Int(itersKey))
	format := cmd.String(formatKey)

	type row struct {
		name string
		calc *tachymeter.Metrics
	}
	var rows []row

	for _, s := range scenarios {
		tach := tachymeter.New(&tachymeter.Config{Size: iters})
		for i := 0; i < iters; i++ {
			start := time.Now()
			if _, err := s.run(); err != nil {
				return fmt.Errorf("scenario %s: %w", s.name, err)
			}
			tach.AddTime(time.Since(start))
		}
		rows = append(rows, row{s.name, tach.Calc()})
	}

	switch format {
	case "classic":
		tw := tablewriter.NewWriter(os.Stdout)
		tw.SetHeader([]string{"scenario", "avg", "min", "p75", "p99", "max", "runs"})
		for _, r := range rows {
			tw.Append([]string{
				r.name,
				r.calc.Time.Avg.String(),
				r.calc.Time.Min.String(),
				r.calc.Time.P75.String(),
				r.calc.Time.P99.String(),
				r.calc.Time.Max.String(),
				humanize.Comma(int64(iters)),
			})
		}
		tw.Render()
	default:
		tbl := table.NewWriter()
		tbl.SetTitle("Trellis scenario sweeps")
		tbl.SetOutputMirror(os.Stdout)
		tbl.AppendHeader(table.Row{"scenario", "avg", "min", "p75", "p99", "max", "runs"})
		for _, r := range rows {
			tbl.AppendRow(table.Row{
				r.name,
				r.calc.Time.Avg,
				r.calc.Time.Min,
				r.calc.Time.P75,
				r.calc.Time.P99,
				r.calc.Time.Max,
				humanize.Comma(int64(iters)),
			})
		}
		tbl.Render()
	}
	return nil
}
