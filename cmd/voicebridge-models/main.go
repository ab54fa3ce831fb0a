package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/loqalabs/voicebridge/internal/catalog"
)

var version = "0.1.0-dev"

func main() {
	var (
		dir    string
		asJSON bool
	)
	scanCmd := flag.NewFlagSet("scan", flag.ExitOnError)
	scanCmd.StringVar(&dir, "dir", "./rvc", "Directory holding voice models")
	scanCmd.BoolVar(&asJSON, "json", false, "Print the grouped models as JSON")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'scan' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "scan":
		scanCmd.Parse(os.Args[2:])
		if err := runScan(os.Stdout, dir, asJSON); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func runScan(w io.Writer, dir string, asJSON bool) error {
	entries, err := catalog.Scan(dir)
	if err != nil {
		return err
	}
	models := catalog.Group(entries)
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(models)
	}
	if len(models) == 0 {
		fmt.Fprintf(w, "no voice models found in %s\n", dir)
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tWEIGHTS\tINDEX")
	for _, m := range models {
		index := m.IndexPath
		if index == "" {
			index = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", m.Name, m.WeightsPath, index)
	}
	return tw.Flush()
}
