package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/perbu/tutorrag/pkg/cascade"
	"github.com/perbu/tutorrag/pkg/catalog"
	"github.com/perbu/tutorrag/pkg/chunker"
	"github.com/perbu/tutorrag/pkg/config"
	"github.com/perbu/tutorrag/pkg/embedder"
	"github.com/perbu/tutorrag/pkg/ingest"
	"github.com/perbu/tutorrag/pkg/llm"
	"github.com/perbu/tutorrag/pkg/logging"
	"github.com/perbu/tutorrag/pkg/rag"
	"github.com/perbu/tutorrag/pkg/rag/qdrantindex"
	"github.com/perbu/tutorrag/pkg/store/filestore"
	"github.com/perbu/tutorrag/pkg/store/mongostore"
	"github.com/perbu/tutorrag/pkg/websearch"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

type documentStore interface {
	rag.DocumentStore
	rag.Catalog
	Close(ctx context.Context) error
}

// app holds the wired components shared by the commands
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry

	store    documentStore
	embedder embedder.Embedder
	usage    interface{ Usage() embedder.Usage }
	qdrant   *qdrantindex.Index
	engine   *rag.Engine
	pipeline *ingest.Pipeline
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	level := cfg.Log.Level
	if flagVerbose {
		level = "debug"
	}
	logger, err := logging.New(logging.Config{Level: level, Format: cfg.Log.Format})
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if err := a.wire(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg

	tok, err := a.tokenizer()
	if err != nil {
		return err
	}
	chunk := chunker.New(tok)

	switch cfg.Embedding.Provider {
	case "hash":
		a.embedder = embedder.NewHashEmbedder(cfg.Embedding.HashDimension)
	default:
		opts := []embedder.Option{embedder.WithMetrics(embedder.NewMetrics(a.registry))}
		if tok != nil {
			opts = append(opts, embedder.WithTokenCounter(chunk))
		}
		oe, err := embedder.NewOpenAIEmbedder(embedder.Config{
			APIKey:    cfg.OpenAI.APIKey.Value(),
			Model:     cfg.Embedding.Model,
			BaseURL:   cfg.OpenAI.BaseURL,
			Normalize: !cfg.Embedding.SkipNormalize,
		}, opts...)
		if err != nil {
			return fmt.Errorf("creating embedder: %w", err)
		}
		a.embedder, a.usage = oe, oe
	}

	switch cfg.Store.Backend {
	case "mongo":
		ms, err := mongostore.Open(ctx, mongostore.Config{
			URI:            cfg.Mongo.URI,
			Database:       cfg.Mongo.Database,
			Collection:     cfg.Mongo.Collection,
			ConnectTimeout: cfg.Mongo.ConnectTimeout,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("opening mongo store: %w", err)
		}
		a.store = ms
	default:
		fs, err := filestore.Open(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("opening file store: %w", err)
		}
		if m := fs.ModelInfo(); m != "" && m != a.embedder.ModelInfo() {
			a.logger.Warn("store was built with a different embedding model",
				zap.String("store_model", m), zap.String("embedder_model", a.embedder.ModelInfo()))
		}
		a.store = fs
	}

	var index rag.Index = rag.NewBruteForceIndex(a.store)
	var pipelineOpts []ingest.Option
	if cfg.Qdrant.Enabled {
		a.qdrant, err = qdrantindex.New(ctx, qdrantindex.Config{
			Host:       cfg.Qdrant.Host,
			Port:       cfg.Qdrant.Port,
			APIKey:     cfg.Qdrant.APIKey.Value(),
			UseTLS:     cfg.Qdrant.UseTLS,
			Collection: cfg.Qdrant.Collection,
			Dimension:  a.embedder.Dimension(),
		}, a.logger)
		if err != nil {
			return fmt.Errorf("connecting to qdrant: %w", err)
		}
		index = a.qdrant
		pipelineOpts = append(pipelineOpts, ingest.WithIndexer(a.qdrant))
	}

	a.engine = rag.NewEngine(a.embedder, index, a.store, a.logger)

	// Ingestion retries transient provider failures; queries do not.
	retrying := embedder.NewRetrying(a.embedder, embedder.RetryConfig{
		MaxTries:        cfg.Retry.MaxTries,
		InitialInterval: cfg.Retry.InitialInterval,
		MaxInterval:     cfg.Retry.MaxInterval,
		MaxElapsed:      cfg.Retry.MaxElapsed,
	}, a.logger)
	a.pipeline = ingest.New(chunk, retrying, a.store, ingest.Config{
		MaxTokens:         cfg.Chunking.MaxTokens,
		OverlapTokens:     cfg.Chunking.OverlapTokens,
		RequestsPerSecond: cfg.Ingest.RequestsPerSecond,
		Burst:             cfg.Ingest.Burst,
	}, a.logger, pipelineOpts...)
	return nil
}

func (a *app) tokenizer() (chunker.Tokenizer, error) {
	if a.cfg.Chunking.Tokenizer == "chars" {
		return nil, nil
	}
	tok, err := chunker.NewTiktoken(a.cfg.Chunking.Encoding)
	if err != nil {
		return nil, fmt.Errorf("loading tokenizer: %w", err)
	}
	return tok, nil
}

// cascade builds the question answering cascade. It needs an API key for the chat model.
func (a *app) cascade() (*cascade.Cascade, error) {
	cfg := a.cfg
	if cfg.OpenAI.APIKey == "" {
		return nil, errors.New("openai.api_key (or OPENAI_API_KEY) is required to answer questions")
	}
	completer, err := llm.NewOpenAI(llm.Config{
		APIKey:      cfg.OpenAI.APIKey.Value(),
		Model:       cfg.OpenAI.ChatModel,
		BaseURL:     cfg.OpenAI.BaseURL,
		Temperature: cfg.OpenAI.Temperature,
	})
	if err != nil {
		return nil, err
	}

	var web websearch.Searcher
	var evaluator cascade.Evaluator
	if cfg.Web.Enabled {
		web = websearch.NewChain(a.logger,
			websearch.NewDuckDuckGo("", cfg.Web.Timeout),
			websearch.NewWikipedia("", cfg.Web.Languages, cfg.Web.Timeout),
		)
		evaluator = cascade.NewLLMEvaluator(completer)
	}

	return cascade.New(a.engine, web, evaluator, completer, cascade.Config{
		SearchThreshold: cfg.Cascade.SearchThreshold,
		KBAcceptance:    cfg.Cascade.KBAcceptance,
		MinWebQuality:   cfg.Cascade.MinWebQuality,
		Limit:           cfg.Cascade.Limit,
		Timeout:         cfg.Cascade.Timeout,
	}, a.logger, cascade.WithMetrics(cascade.NewMetrics(a.registry))), nil
}

// catalog lists and removes documents, keeping the Qdrant index in step
func (a *app) catalog() *catalog.Service {
	var opts []catalog.Option
	if a.qdrant != nil {
		opts = append(opts, catalog.WithIndex(a.qdrant))
	}
	if a.usage != nil {
		opts = append(opts, catalog.WithUsage(a.usage))
	}
	return catalog.New(a.store, a.logger, opts...)
}

func (a *app) close() {
	ctx := context.Background()
	if a.qdrant != nil {
		if err := a.qdrant.Close(); err != nil {
			a.logger.Warn("closing qdrant", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(ctx); err != nil {
			a.logger.Error("closing store", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
