package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/freeeve/endgametrainer/api/internal/config"
	"github.com/freeeve/endgametrainer/api/internal/evalcache"
	"github.com/freeeve/endgametrainer/api/internal/evaluator"
	"github.com/freeeve/endgametrainer/api/internal/logx"
	"github.com/freeeve/endgametrainer/api/internal/tablebase"
)

func main() {
	fs := pflag.NewFlagSet("tbprobe", pflag.ExitOnError)
	config.RegisterFlags(fs)
	move := fs.String("move", "", "also grade this move (UCI) played from the position")
	asJSON := fs.Bool("json", false, "print JSON instead of a table")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: tbprobe [flags] <fen>\n")
		fs.PrintDefaults()
	}

	cfg, err := config.Load(fs, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	if fs.NArg() == 0 {
		fs.Usage()
		os.Exit(2)
	}
	// an unquoted FEN arrives as several arguments
	fen := strings.Join(fs.Args(), " ")

	opts := cfg.Logging()
	opts.Out = os.Stderr
	if !fs.Changed("log-level") && os.Getenv(config.EnvPrefix+"_LOG_LEVEL") == "" {
		opts.Level = zerolog.WarnLevel
	}
	logger := logx.NewLogger(opts)

	client, err := tablebase.NewClient(cfg.Client(logx.Component(logger, "tablebase")))
	if err != nil {
		logger.Fatal().Err(err).Msg("create tablebase client")
	}
	cache, err := evalcache.New[evaluator.Evaluation](cfg.CacheSettings())
	if err != nil {
		logger.Fatal().Err(err).Msg("create evaluation cache")
	}
	ev, err := evaluator.New(evaluator.Config{
		Priority: cfg.Priority(),
		Logger:   logx.Component(logger, "evaluator"),
	}, client, cache)
	if err != nil {
		logger.Fatal().Err(err).Msg("create evaluator")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := ev.Evaluate(ctx, fen)
	if err != nil {
		fmt.Fprintf(os.Stderr, "evaluate: %v\n", err)
		os.Exit(1)
	}

	var as *evaluator.Assessment
	if *move != "" {
		a, err := ev.Assess(ctx, fen, *move)
		if err != nil {
			fmt.Fprintf(os.Stderr, "assess %s: %v\n", *move, err)
			os.Exit(1)
		}
		as = &a
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(map[string]any{"evaluation": res, "assessment": as})
		return
	}
	printEvaluation(res)
	if as != nil {
		printAssessment(*as)
	}
}

func printEvaluation(ev evaluator.Evaluation) {
	fmt.Printf("%s\n", ev.FEN)
	fmt.Printf("%s to move: %s (%s", sideName(ev.SideToMove), ev.Outcome, ev.Category)
	if ev.DTM != nil {
		fmt.Printf(", dtm %d", *ev.DTM)
	}
	if ev.DTZ != nil {
		fmt.Printf(", dtz %d", *ev.DTZ)
	}
	fmt.Printf(")\n\n")

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tmove\tuci\tcategory\twdl\tdtm\tdtz\tquality")
	for _, m := range ev.Moves {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			m.Rank, m.SAN, m.UCI, m.Category, opt(m.WDL), opt(m.DTM), opt(m.DTZ), m.Quality)
	}
	_ = w.Flush()
}

func printAssessment(as evaluator.Assessment) {
	fmt.Printf("\n%s (%s): %s -> %s, %s", as.SAN, as.Move, as.OutcomeBefore, as.OutcomeAfter, as.Quality)
	if as.Rank > 0 {
		fmt.Printf(", ranked %d", as.Rank)
	}
	if as.Best != nil && as.Best.UCI != as.Move {
		fmt.Printf(", best was %s", as.Best.SAN)
	}
	fmt.Println()
}

func opt(v *int) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *v)
}

func sideName(s string) string {
	if s == "w" {
		return "white"
	}
	return "black"
}
