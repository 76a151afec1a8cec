package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/freeeve/endgametrainer/api/internal/evalcache"
	"github.com/freeeve/endgametrainer/api/internal/evaluator"
)

func main() {
	var (
		snapshotPath = flag.String("snapshot", "./data/evalcache.jsonl.zst", "Cache snapshot written by the api server")
		outputPath   = flag.String("output", "evals.csv", "Output CSV file")
	)
	flag.Parse()

	in, err := os.Open(*snapshotPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open snapshot: %v\n", err)
		os.Exit(1)
	}
	defer in.Close()

	// Create output file
	outFile, err := os.Create(*outputPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create output file: %v\n", err)
		os.Exit(1)
	}
	defer outFile.Close()

	writer := csv.NewWriter(outFile)
	defer writer.Flush()

	// Write header
	header := []string{"fen", "category", "wdl", "dtm", "dtz", "best_move", "best_uci", "moves", "inserted_at"}
	if err := writer.Write(header); err != nil {
		fmt.Fprintf(os.Stderr, "write header: %v\n", err)
		os.Exit(1)
	}

	var exported int
	err = evalcache.ScanSnapshot(in, func(rec evalcache.Record[evaluator.Evaluation]) error {
		ev := rec.Value
		var san, uci string
		if best, ok := ev.BestMove(); ok {
			san, uci = best.SAN, best.UCI
		}
		row := []string{
			ev.FEN,
			string(ev.Category),
			opt(ev.WDL),
			opt(ev.DTM),
			opt(ev.DTZ),
			san,
			uci,
			strconv.Itoa(len(ev.Moves)),
			rec.InsertedAt.UTC().Format(time.RFC3339),
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
		exported++
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "scan snapshot: %v\n", err)
		os.Exit(1)
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		fmt.Fprintf(os.Stderr, "csv writer error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Done! Exported %d evaluations to %s\n", exported, *outputPath)
}

func opt(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}
