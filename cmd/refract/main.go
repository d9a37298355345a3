// Command refract optimizes prompts for image-reconstruction programs and
// applies them at inference time.
//
// Usage:
//
//	refract optimize -config config.yaml
//	refract infer -config config.yaml -context geometry -image ref.png
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/refract-ml/refract/pkg/config"
	"github.com/refract-ml/refract/pkg/dataset"
	"github.com/refract-ml/refract/pkg/errors"
	"github.com/refract-ml/refract/pkg/evaluator"
	"github.com/refract-ml/refract/pkg/gepa"
	"github.com/refract-ml/refract/pkg/inference"
	"github.com/refract-ml/refract/pkg/logging"
	"github.com/refract-ml/refract/pkg/oracle"
	"github.com/refract-ml/refract/pkg/registry"
	"github.com/refract-ml/refract/pkg/sandbox"
	"github.com/refract-ml/refract/pkg/scorer"
	"github.com/refract-ml/refract/pkg/verifier"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "optimize":
		err = runOptimize(ctx, os.Args[2:])
	case "infer":
		err = runInfer(ctx, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "refract: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: refract <optimize|infer> [flags]")
}

func runOptimize(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("optimize", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to configuration file")
	datasetPath := fs.String("dataset", "", "override dataset parquet path")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *datasetPath != "" {
		cfg.Dataset.Path = *datasetPath
	}

	cleanup, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer cleanup()
	logger := logging.GetLogger()

	examples, err := dataset.LoadParquet(ctx, cfg.Dataset.Path)
	if err != nil {
		return err
	}

	partitions, stats := dataset.PartitionExamples(ctx, examples, dataset.PartitionOptions{
		ExcludeContexts: cfg.Dataset.ExcludeContexts,
		MaxTrain:        cfg.Dataset.MaxTrain,
		MaxEval:         cfg.Dataset.MaxEval,
		Seed:            cfg.Dataset.Seed,
	})
	logger.Info(ctx, "Partitioned %d examples into %d contexts (%d missing context, %d excluded)",
		stats.Total, len(partitions), stats.MissingContext, stats.Excluded)

	if cfg.Scorer.EndpointURL == "" {
		return errors.New(errors.InvalidInput, "scorer endpoint required for optimization (scorer.endpoint_url or REFRACT_EMBED_URL)")
	}
	embedder, err := scorer.NewHTTPEmbedder(cfg.Scorer.EndpointURL, cfg.Scorer.Timeout)
	if err != nil {
		return err
	}
	fidelity := scorer.New(embedder)

	vlm, err := buildOracle(cfg)
	if err != nil {
		return err
	}

	runner := sandbox.NewRunner(sandbox.Config{
		Interpreter: cfg.Sandbox.Interpreter,
		OutputFile:  cfg.Sandbox.OutputFile,
		WorkRoot:    cfg.Sandbox.WorkRoot,
		Timeout:     cfg.Sandbox.Timeout,
		MemoryMB:    cfg.Sandbox.MemoryMB,
		Seed:        cfg.Sandbox.Seed,
	})

	artifactDir, err := os.MkdirTemp("", "refract-artifacts-*")
	if err != nil {
		return errors.Wrap(err, errors.Unknown, "failed to create artifact directory")
	}
	defer os.RemoveAll(artifactDir)

	store, err := registry.Open(cfg.Registry.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	coord := gepa.NewCoordinator(
		gepa.Config{
			PopulationSize:   cfg.GEPA.PopulationSize,
			MaxGenerations:   cfg.GEPA.MaxGenerations,
			MutationRate:     cfg.GEPA.MutationRate,
			CrossoverRate:    cfg.GEPA.CrossoverRate,
			Epsilon:          cfg.GEPA.Epsilon,
			StagnationLimit:  cfg.GEPA.StagnationLimit,
			FitnessCeiling:   cfg.GEPA.FitnessCeiling,
			Workers:          cfg.GEPA.Workers,
			GenerationBudget: cfg.GEPA.GenerationBudget,
			Seed:             cfg.Dataset.Seed,
		},
		cfg.GEPA.SeedInstruction,
		cfg.GEPA.ContextWorkers,
		func() gepa.Evaluator {
			return evaluator.New(vlm, runner, fidelity, artifactDir)
		},
		&registrySink{store: store},
	)

	_, err = coord.Run(ctx, partitions)
	return err
}

func runInfer(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("infer", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to configuration file")
	contextID := fs.String("context", "", "dataset context of the optimized prompt")
	imagePath := fs.String("image", "", "reference image to reconstruct")
	question := fs.String("question", "", "override the reconstruction question")
	fs.Parse(args)

	if *contextID == "" || *imagePath == "" {
		return errors.New(errors.InvalidInput, "infer requires -context and -image")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	cleanup, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	vlm, err := buildOracle(cfg)
	if err != nil {
		return err
	}

	judge, err := verifier.NewChatJudge(cfg.Oracle.BaseURL, cfg.Oracle.Model, cfg.Oracle.APIKey)
	if err != nil {
		return err
	}

	runner := sandbox.NewRunner(sandbox.Config{
		Interpreter: cfg.Sandbox.Interpreter,
		OutputFile:  cfg.Sandbox.OutputFile,
		WorkRoot:    cfg.Sandbox.WorkRoot,
		Timeout:     cfg.Sandbox.Timeout,
		MemoryMB:    cfg.Sandbox.MemoryMB,
		Seed:        cfg.Sandbox.Seed,
	})

	store, err := registry.Open(cfg.Registry.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	refiner := inference.New(store, vlm, runner, verifier.New(judge),
		cfg.Inference.MaxIterations, cfg.Inference.RunsDir)

	outcome, err := refiner.Refine(ctx,
		dataset.NormalizeContext(*contextID), *imagePath, *question)
	if err != nil {
		return err
	}

	fmt.Printf("status=%s cycles=%d artifact=%s\n",
		outcome.Status, outcome.Cycles, outcome.ArtifactPath)
	return nil
}

func buildOracle(cfg *config.Config) (oracle.Oracle, error) {
	switch cfg.Oracle.Provider {
	case "anthropic":
		return oracle.NewAnthropicOracle(cfg.Oracle.APIKey, cfg.Oracle.Model)
	default:
		return oracle.NewChatOracle(cfg.Oracle.BaseURL, cfg.Oracle.Model, cfg.Oracle.APIKey,
			oracle.WithChatTimeout(cfg.Oracle.Timeout))
	}
}

// setupLogging installs the global logger per config and returns a flush
// function.
func setupLogging(cfg *config.Config) (func(), error) {
	outputs := []logging.Output{logging.NewConsoleOutput(true, logging.WithColor(true))}
	if cfg.Logging.File != "" {
		fileOut, err := logging.NewFileOutput(cfg.Logging.File)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, fileOut)
	}

	logger := logging.NewLogger(logging.Config{
		Severity: logging.ParseSeverity(cfg.Logging.Level),
		Outputs:  outputs,
	})
	logging.SetLogger(logger)

	return func() {
		for _, out := range outputs {
			out.Sync()
			out.Close()
		}
	}, nil
}

// registrySink persists finalized optimization results.
type registrySink struct {
	store *registry.Store
}

func (s *registrySink) SaveResult(ctx context.Context, result *gepa.Result) error {
	return s.store.Save(ctx, registry.Record{
		ContextID:      result.Context,
		Instruction:    result.Best.Instruction,
		Demonstrations: result.Best.Demonstrations,
		Fitness:        result.Best.Fitness,
		Generation:     result.Best.Generation,
		State:          result.State.String(),
		UpdatedAt:      time.Now().UTC(),
	})
}
