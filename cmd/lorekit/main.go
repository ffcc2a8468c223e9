// Command lorekit runs the full extraction flow over a text file: segment,
// chunk, pipeline with retries, incremental merge with history, export.
// Without API credentials it uses a canned mock client, which makes it a
// handy end-to-end smoke run.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/kittclouds/lorekit/internal/llm"
	"github.com/kittclouds/lorekit/internal/logger"
	"github.com/kittclouds/lorekit/internal/pipeline"
	"github.com/kittclouds/lorekit/internal/service"
	"github.com/kittclouds/lorekit/internal/store"
)

func main() {
	var (
		input       = flag.String("input", "", "path to the source text file")
		dbPath      = flag.String("db", "", "sqlite database path (empty = in-memory store)")
		out         = flag.String("out", "worldbook.json", "path for the exported worldbook")
		chunkSize   = flag.Int("chunk-size", 3000, "target chunk size in characters")
		concurrency = flag.Int("concurrency", 3, "parallel chunk requests")
		maxRetries  = flag.Int("max-retries", 2, "retries per chunk")
		baseURL     = flag.String("base-url", os.Getenv("LOREKIT_BASE_URL"), "OpenAI-compatible endpoint (empty = mock client)")
		apiKey      = flag.String("api-key", os.Getenv("LOREKIT_API_KEY"), "API key")
		model       = flag.String("model", os.Getenv("LOREKIT_MODEL"), "model name")
		dev         = flag.Bool("dev", false, "development logging")
	)
	flag.Parse()

	if *input == "" {
		flag.Usage()
		os.Exit(2)
	}

	mode := "prod"
	if *dev {
		mode = "dev"
	}
	lg, err := logger.New(mode)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer lg.Sync()

	text, err := os.ReadFile(*input)
	if err != nil {
		log.Fatalf("read input: %v", err)
	}

	client, err := buildClient(*baseURL, *apiKey, *model)
	if err != nil {
		log.Fatalf("client: %v", err)
	}

	var backend store.Storer
	if *dbPath != "" {
		backend, err = store.NewSQLiteStoreWithDSN(*dbPath)
		if err != nil {
			log.Fatalf("open store: %v", err)
		}
	}

	svc := service.New(client, backend, lg, service.Config{
		ChunkSize:           *chunkSize,
		ParallelEnabled:     *concurrency > 1,
		ParallelConcurrency: *concurrency,
		MaxRetries:          *maxRetries,
		RetryBackoff:        time.Second,
	})
	defer svc.Close()

	chunks, err := svc.Prepare(*input, string(text))
	if err != nil {
		log.Fatalf("prepare: %v", err)
	}
	fmt.Printf("prepared %d chunks\n", len(chunks))

	hooks := pipeline.Hooks{
		OnProgress: func(p pipeline.Progress) {
			fmt.Printf("\rprogress %5.1f%%  ok=%d fail=%d skip=%d run=%d",
				p.Percent, p.Succeeded, p.Failed, p.Skipped, p.Running)
		},
	}
	if err := svc.Start(context.Background(), hooks); err != nil {
		log.Fatalf("start: %v", err)
	}
	svc.Wait()
	fmt.Println()

	tree := svc.Worldbook()
	fmt.Printf("worldbook: %d categories, %d entries\n", len(tree), tree.CountEntries())

	data, err := svc.ExportWorldbook()
	if err != nil {
		log.Fatalf("export: %v", err)
	}
	if err := os.WriteFile(*out, data, 0644); err != nil {
		log.Fatalf("write export: %v", err)
	}
	fmt.Printf("exported to %s\n", *out)

	history, err := svc.History()
	if err != nil {
		log.Fatalf("history: %v", err)
	}
	fmt.Printf("history: %d merge records\n", len(history))
}

func buildClient(baseURL, apiKey, model string) (llm.Client, error) {
	if baseURL == "" {
		return llm.NewMock(llm.MockResult{
			Text: `{"未分类":{"样例":{"关键词":["样例"],"内容":"离线烟测结果"}}}`,
		}), nil
	}
	return llm.NewOpenAI(llm.OpenAIConfig{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Model:   model,
	})
}
