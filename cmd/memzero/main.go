// Command memzero runs the memory engine with a small interactive
// console: ingest conversation turns, search memories, ask questions
// answered from memories alone.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/metastable-lab/memzero/internal/config"
	"github.com/metastable-lab/memzero/internal/coordinator"
	"github.com/metastable-lab/memzero/internal/embedding"
	"github.com/metastable-lab/memzero/internal/extraction"
	"github.com/metastable-lab/memzero/internal/llm"
	"github.com/metastable-lab/memzero/internal/memzero"
	"github.com/metastable-lab/memzero/internal/merge"
	"github.com/metastable-lab/memzero/internal/retrieval"
	"github.com/metastable-lab/memzero/internal/store"
	"github.com/metastable-lab/memzero/internal/store/composite"
	"github.com/metastable-lab/memzero/internal/store/memstore"
	"github.com/metastable-lab/memzero/internal/store/neo4j"
	"github.com/metastable-lab/memzero/internal/store/qdrant"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	userID := flag.String("user", "local", "user id of the memory scope")
	agentID := flag.String("agent", "default", "agent id of the memory scope")
	metricsAddr := flag.String("metrics-addr", "", "listen address for /metrics (empty disables)")
	flag.Parse()

	logger := logrus.New()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	configureLogger(logger, cfg.Log)

	ctx := context.Background()
	engine, cleanup, err := buildEngine(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to start engine")
	}
	defer cleanup()

	if *metricsAddr != "" {
		go func() {
			logger.WithField("addr", *metricsAddr).Info("Serving metrics")
			if err := http.ListenAndServe(*metricsAddr, promhttp.Handler()); err != nil {
				logger.WithError(err).Error("Metrics server stopped")
			}
		}()
	}

	scope := memzero.Scope{UserID: *userID, AgentID: *agentID}
	runConsole(ctx, engine, scope, logger)
}

func configureLogger(logger *logrus.Logger, cfg config.LogConfig) {
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		logger.SetLevel(level)
	}
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
}

func buildEngine(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*coordinator.Engine, func(), error) {
	adapter, cleanup, err := buildStore(ctx, cfg, logger)
	if err != nil {
		return nil, cleanup, err
	}

	llmClient := llm.NewHTTPClient(cfg.LLM, logger)

	var embedder embedding.Client = embedding.NewHTTPClient(cfg.Embedding, logger)
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		embedder = embedding.NewCachedClient(embedder, rdb, cfg.Embedding.Model, cfg.Redis.TTL, logger)
	}

	preds := memzero.NewPredicates(cfg.Merge.FunctionalPredicates)
	extractor := extraction.NewEngine(llmClient, cfg.Extraction, logger)
	resolver := merge.NewResolver(adapter, embedder, preds, logger)
	retriever := retrieval.NewRetriever(adapter, embedder, cfg.Retrieval, logger)
	metrics := coordinator.NewMetrics(prometheus.DefaultRegisterer)

	return coordinator.NewEngine(extractor, resolver, retriever, llmClient, metrics, logger), cleanup, nil
}

func buildStore(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (store.Adapter, func(), error) {
	cleanup := func() {}

	switch cfg.Backend {
	case config.BackendMemory:
		return memstore.New(), cleanup, nil

	case config.BackendComposite:
		graph, err := neo4j.NewGraph(cfg.Neo4j, logger)
		if err != nil {
			return nil, cleanup, err
		}
		cleanup = func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = graph.Close(closeCtx)
		}
		if err := graph.EnsureSchema(ctx); err != nil {
			return nil, cleanup, err
		}

		index, err := qdrant.NewIndex(cfg.Qdrant, logger)
		if err != nil {
			return nil, cleanup, err
		}
		if err := index.EnsureCollection(ctx); err != nil {
			return nil, cleanup, err
		}

		adapter := composite.New(graph, index, logger)
		if err := adapter.HealthCheck(ctx); err != nil {
			return nil, cleanup, err
		}
		return adapter, cleanup, nil

	default:
		return nil, cleanup, fmt.Errorf("unknown backend: %q", cfg.Backend)
	}
}

func runConsole(ctx context.Context, engine *coordinator.Engine, scope memzero.Scope, logger *logrus.Logger) {
	fmt.Printf("memzero console, scope %s\n", scope.Key())
	fmt.Println("commands: ingest <text> | search <query> | ask <question> | retract <fact-id> | quit")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		command, rest, _ := strings.Cut(line, " ")
		rest = strings.TrimSpace(rest)

		switch command {
		case "quit", "exit":
			return

		case "ingest":
			turns := []memzero.Turn{{Role: "user", Content: rest, Timestamp: time.Now().UTC()}}
			result, err := engine.Ingest(ctx, scope, turns)
			if err != nil {
				logger.WithError(err).Error("Ingest failed")
				continue
			}
			fmt.Printf("added %d, superseded %d, discarded %d, refreshed %d\n",
				result.Added, result.Superseded, result.Discarded, result.Refreshed)

		case "search":
			facts, err := engine.Retrieve(ctx, scope, rest, 0)
			if err != nil {
				logger.WithError(err).Error("Search failed")
				continue
			}
			for i, sf := range facts {
				fmt.Printf("%2d. [%.3f] %s (%s)\n", i+1, sf.Score, sf.Fact.Sentence(), sf.Fact.ID)
			}
			if len(facts) == 0 {
				fmt.Println("no memories")
			}

		case "retract":
			if err := engine.Retract(ctx, scope, rest); err != nil {
				logger.WithError(err).Error("Retract failed")
				continue
			}
			fmt.Println("retracted", rest)

		case "ask":
			answer, err := engine.Answer(ctx, scope, rest)
			if err != nil {
				logger.WithError(err).Error("Answer failed")
				continue
			}
			fmt.Println(answer)

		default:
			fmt.Println("unknown command:", command)
		}
	}
}
