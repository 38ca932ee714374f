// Package main is the karute CLI entry point.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/karute/internal/access"
	"github.com/hyperjump/karute/internal/answer"
	"github.com/hyperjump/karute/internal/completion"
	"github.com/hyperjump/karute/internal/config"
	"github.com/hyperjump/karute/internal/embedding"
	"github.com/hyperjump/karute/internal/extract"
	"github.com/hyperjump/karute/internal/ingest"
	"github.com/hyperjump/karute/internal/models"
	"github.com/hyperjump/karute/internal/qa"
	"github.com/hyperjump/karute/internal/registry"
	"github.com/hyperjump/karute/internal/retrieval"
	"github.com/hyperjump/karute/internal/segment"
	"github.com/hyperjump/karute/internal/server"
	"github.com/hyperjump/karute/internal/storage"
	"github.com/hyperjump/karute/internal/watcher"
	"github.com/hyperjump/karute/pkg/utils"
)

var version = "dev"

const defaultConfigPath = "/usr/local/etc/karute/config.yaml"

// userIDHeader must match the header the server authenticates on.
const userIDHeader = "X-User-ID"

// loadConfig loads config from path. When path is the default, it first looks for
// config.yaml in the current directory (for development); if that exists it is used,
// so that "karute server" from the project dir uses the project's config (including debug).
// Returns the config and the path that was actually loaded.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "server":
		runServer()
	case "ingest":
		runIngest()
	case "ask":
		runAsk()
	case "grant":
		runGrant()
	case "status":
		runStatus()
	case "version", "--version", "-v":
		fmt.Printf("karute version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func runServer() {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging (inbox events, ingestion, retrieval)")
	_ = fs.Parse(os.Args[2:])

	cfg, resolvedConfigPath, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	debugMode := cfg.Debug || *debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("config loaded",
		zap.String("config_path", resolvedConfigPath),
		zap.Bool("debug", debugMode),
	)

	components, err := initializeComponents(cfg, logger, debugMode)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	defer components.Close()

	ing := components.Ingestor
	watchOpts := []watcher.Option{}
	if debugMode {
		watchOpts = append(watchOpts, watcher.WithLogger(logger))
	}
	inbox := watcher.NewInboxWatcher(
		cfg.Inbox.Path,
		cfg.Inbox.Extensions,
		func(patientID, path string) {
			if _, err := ing.IngestFile(context.Background(), patientID, cfg.Inbox.Owner, path); err != nil {
				logger.Warn("inbox ingest failed",
					zap.String("patient_id", patientID),
					zap.String("path", path),
					zap.Error(err))
			}
		},
		watchOpts...,
	)
	watchCtx, watchCancel := context.WithCancel(context.Background())
	defer watchCancel()
	if err := inbox.Start(watchCtx); err != nil {
		logger.Fatal("Failed to start inbox watcher", zap.Error(err))
	}
	inbox.SyncExistingFiles()

	srv := server.NewServer(
		components.Engine,
		components.Ingestor,
		components.Access,
		components.Retrieval,
		components.Storage,
		cfg,
		logger,
	)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	if err := components.Registry.SaveAll(cfg.Storage.SnapshotDir); err != nil {
		logger.Warn("vector snapshot save failed",
			zap.String("dir", cfg.Storage.SnapshotDir),
			zap.Error(err))
	}
	watchCancel()
	inbox.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Stop(ctx)
}

func runIngest() {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	patientID := fs.String("patient", "", "patient identifier (required)")
	user := fs.String("user", "", "acting user; becomes owner when the patient is new (required)")
	_ = fs.Parse(os.Args[2:])

	if *patientID == "" || *user == "" || fs.NArg() < 1 {
		fmt.Println("Usage: karute ingest -patient <id> -user <id> [flags] <file>")
		os.Exit(1)
	}
	path := fs.Arg(0)

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	debugMode := cfg.Debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	components, err := initializeComponents(cfg, logger, debugMode)
	if err != nil {
		logger.Fatal("Failed to initialize", zap.Error(err))
	}
	defer components.Close()

	doc, err := components.Ingestor.IngestFile(context.Background(), *patientID, *user, path)
	if err != nil {
		fmt.Printf("Ingestion failed: %v\n", err)
		os.Exit(1)
	}
	if err := components.Registry.SaveAll(cfg.Storage.SnapshotDir); err != nil {
		logger.Warn("vector snapshot save failed", zap.Error(err))
	}
	fmt.Printf("Document ingested: %s (patient %s)\n", doc.ID, doc.PatientID)
}

func runAsk() {
	fs := flag.NewFlagSet("ask", flag.ExitOnError)
	serverURL := fs.String("server", "http://localhost:8080", "server URL")
	patientID := fs.String("patient", "", "patient identifier (required)")
	user := fs.String("user", "", "acting user (required)")
	topK := fs.Int("top-k", 0, "number of documents to retrieve (0 = server default)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	if *patientID == "" || *user == "" || fs.NArg() < 1 {
		fmt.Println("Usage: karute ask -patient <id> -user <id> [flags] <question>")
		os.Exit(1)
	}
	q := models.Question{
		PatientID: *patientID,
		Question:  joinArgs(fs.Args()),
		TopK:      *topK,
	}

	body, err := json.Marshal(q)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Encode failed: %v\n", err)
		os.Exit(1)
	}
	req, err := http.NewRequest(http.MethodPost, *serverURL+"/api/v1/ask", bytes.NewReader(body))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(userIDHeader, *user)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		fmt.Fprintf(os.Stderr, "Server returned %d: %s\n", resp.StatusCode, string(b))
		os.Exit(1)
	}
	var ans models.Answer
	if err := json.NewDecoder(resp.Body).Decode(&ans); err != nil {
		fmt.Fprintf(os.Stderr, "Decode failed: %v\n", err)
		os.Exit(1)
	}

	switch *outputFormat {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(ans); err != nil {
			fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
			os.Exit(1)
		}
	case "text":
		fmt.Println(ans.Answer)
		if len(ans.Sources) > 0 {
			fmt.Println()
			fmt.Println("# sources")
			for _, src := range ans.Sources {
				fmt.Printf("  %s (%s)\n", src.SourceReference, src.FileType)
			}
		}
		fmt.Printf("\n# took %dms\n", ans.TimeTaken)
	default:
		fmt.Fprintf(os.Stderr, "Unknown output format %q; use text or json\n", *outputFormat)
		os.Exit(1)
	}
}

func runGrant() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: karute grant <request|verify> [flags]")
		fmt.Println("  karute grant request -patient <id> -user <id>           Request access to a patient's records")
		fmt.Println("  karute grant verify -patient <id> -user <id> -code <n>  Verify with the one-time code")
		os.Exit(1)
	}
	sub := os.Args[2]
	fs := flag.NewFlagSet("grant", flag.ExitOnError)
	serverURL := fs.String("server", "http://localhost:8080", "server URL")
	patientID := fs.String("patient", "", "patient identifier (required)")
	user := fs.String("user", "", "acting user (required)")
	code := fs.String("code", "", "one-time verification code (verify only)")
	_ = fs.Parse(os.Args[3:])

	if *patientID == "" || *user == "" {
		fmt.Println("Usage: karute grant " + sub + " -patient <id> -user <id> [flags]")
		os.Exit(1)
	}

	switch sub {
	case "request":
		resp, err := postJSON(*serverURL+"/api/v1/patients/"+*patientID+"/access/request", *user, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
			os.Exit(1)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			b, _ := io.ReadAll(resp.Body)
			fmt.Fprintf(os.Stderr, "Server returned %d: %s\n", resp.StatusCode, string(b))
			os.Exit(1)
		}
		var out struct {
			RequestID string `json:"request_id"`
			Code      string `json:"code"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			fmt.Fprintf(os.Stderr, "Decode failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Access requested: %s\n", out.RequestID)
		fmt.Printf("Verification code: %s\n", out.Code)
	case "verify":
		if *code == "" {
			fmt.Println("Usage: karute grant verify -patient <id> -user <id> -code <n>")
			os.Exit(1)
		}
		body, _ := json.Marshal(map[string]string{"code": *code})
		resp, err := postJSON(*serverURL+"/api/v1/patients/"+*patientID+"/access/verify", *user, body)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
			os.Exit(1)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(resp.Body)
			fmt.Fprintf(os.Stderr, "Server returned %d: %s\n", resp.StatusCode, string(b))
			os.Exit(1)
		}
		var out struct {
			ValidUntil time.Time `json:"valid_until"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			fmt.Fprintf(os.Stderr, "Decode failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Access granted until %s\n", out.ValidUntil.Format(time.RFC3339))
	default:
		fmt.Printf("Unknown grant subcommand: %s\n", sub)
		os.Exit(1)
	}
}

func postJSON(url, user string, body []byte) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(userIDHeader, user)
	return http.DefaultClient.Do(req)
}

// statusResponse is the shape of GET /api/v1/status response.
type statusResponse struct {
	Patients       int64                  `json:"patients"`
	Documents      int64                  `json:"documents"`
	DiskUsageBytes *int64                 `json:"disk_usage_bytes,omitempty"`
	Config         map[string]interface{} `json:"config,omitempty"`
}

func runStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	serverURL := fs.String("server", "http://localhost:8080", "server URL")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	resp, err := http.Get(*serverURL + "/api/v1/status")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		fmt.Fprintf(os.Stderr, "Server returned %d: %s\n", resp.StatusCode, string(b))
		os.Exit(1)
	}
	var status statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		fmt.Fprintf(os.Stderr, "Decode failed: %v\n", err)
		os.Exit(1)
	}

	switch *outputFormat {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(status); err != nil {
			fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
			os.Exit(1)
		}
	case "text":
		fmt.Printf("patients:          %d   # count of patient records\n", status.Patients)
		fmt.Printf("documents:         %d   # count of ingested documents\n", status.Documents)
		if status.DiskUsageBytes != nil {
			fmt.Printf("disk_usage_bytes:  %d   # database + snapshots on disk\n", *status.DiskUsageBytes)
		}
		if len(status.Config) > 0 {
			fmt.Println()
			fmt.Println("# configuration")
			for _, key := range []string{"embedding_dimensions", "database_path", "snapshot_dir"} {
				if v, ok := status.Config[key]; ok {
					fmt.Printf("%-20s %v\n", key+":", v)
				}
			}
		}
	default:
		fmt.Fprintf(os.Stderr, "Unknown output format %q; use text or json\n", *outputFormat)
		os.Exit(1)
	}
}

// joinArgs joins all positional args with spaces so multi-word questions
// work the same with or without shell quoting.
func joinArgs(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

// Components holds initialized services.
type Components struct {
	Storage   storage.Storage
	Embedder  embedding.Embedder
	Registry  *registry.Registry
	Access    *access.Manager
	Retrieval *retrieval.Service
	Engine    *qa.Engine
	Ingestor  *ingest.Ingestor
}

func (c *Components) Close() {
	if c.Storage != nil {
		_ = c.Storage.Close()
	}
	if c.Embedder != nil {
		_ = c.Embedder.Close()
	}
}

func initializeComponents(cfg *config.Config, logger *zap.Logger, debug bool) (*Components, error) {
	store, err := storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	var embedder embedding.Embedder
	if cfg.Embedding.BaseURL != "" {
		remote, err := embedding.NewRemoteEmbedder(embedding.RemoteConfig{
			BaseURL:    cfg.Embedding.BaseURL,
			APIKeyEnv:  cfg.Embedding.APIKeyEnv,
			Model:      cfg.Embedding.Model,
			Dimensions: cfg.Embedding.Dimensions,
			CacheSize:  cfg.Embedding.CacheSize,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize remote embedder: %w", err)
		}
		embedder = remote
	} else {
		onnxEmbedder, err := embedding.NewONNXEmbedder(
			cfg.Embedding.ModelPath,
			cfg.Embedding.Dimensions,
			cfg.Embedding.MaxTokens,
			cfg.Embedding.CacheSize,
		)
		if err != nil {
			if logger != nil {
				logger.Warn("ONNX embedder unavailable, using mock embedder",
					zap.String("model_path", cfg.Embedding.ModelPath),
					zap.Error(err))
			}
			embedder = embedding.NewMockEmbedder(cfg.Embedding.Dimensions)
		} else {
			embedder = onnxEmbedder
		}
	}

	reg, err := registry.New(cfg.Embedding.Dimensions)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store registry: %w", err)
	}
	if loadErr := reg.LoadAll(cfg.Storage.SnapshotDir); loadErr != nil && logger != nil {
		logger.Warn("vector snapshot load skipped",
			zap.String("dir", cfg.Storage.SnapshotDir),
			zap.Error(loadErr))
	}

	accessOpts := []access.Option{
		access.WithGrantTTL(time.Duration(cfg.Access.GrantTTLMinutes) * time.Minute),
	}
	if debug && logger != nil {
		accessOpts = append(accessOpts, access.WithLogger(logger))
	}
	accessMgr := access.NewManager(store, accessOpts...)

	retrievalOpts := []retrieval.Option{}
	if debug && logger != nil {
		retrievalOpts = append(retrievalOpts, retrieval.WithLogger(logger))
	}
	retrievalSvc := retrieval.NewService(reg, embedder, store, accessMgr, retrievalOpts...)

	llm := completion.NewOpenAIClient(completion.OpenAIConfig{
		BaseURL:    cfg.Completion.BaseURL,
		APIKeyEnv:  cfg.Completion.APIKeyEnv,
		Model:      cfg.Completion.Model,
		Timeout:    time.Duration(cfg.Completion.TimeoutSeconds) * time.Second,
		MaxRetries: cfg.Completion.MaxRetries,
	})
	assemblerOpts := []answer.Option{
		answer.WithMaxContextChars(cfg.Retrieval.MaxContextChars),
	}
	if debug && logger != nil {
		assemblerOpts = append(assemblerOpts, answer.WithLogger(logger))
	}
	assembler := answer.NewAssembler(llm, assemblerOpts...)

	engineOpts := []qa.Option{}
	if debug && logger != nil {
		engineOpts = append(engineOpts, qa.WithLogger(logger))
	}
	engine := qa.NewEngine(retrievalSvc, store, assembler, engineOpts...)

	ingestOpts := []ingest.Option{}
	if cfg.Segment.BaseURL != "" {
		ingestOpts = append(ingestOpts, ingest.WithSegmenter(
			segment.NewClient(cfg.Segment.BaseURL, time.Duration(cfg.Segment.TimeoutSeconds)*time.Second),
		))
	}
	if debug && logger != nil {
		ingestOpts = append(ingestOpts, ingest.WithLogger(logger))
	}
	ingestor := ingest.NewIngestor(store, retrievalSvc, extract.NewExtractor(), ingestOpts...)

	return &Components{
		Storage:   store,
		Embedder:  embedder,
		Registry:  reg,
		Access:    accessMgr,
		Retrieval: retrievalSvc,
		Engine:    engine,
		Ingestor:  ingestor,
	}, nil
}

func printUsage() {
	fmt.Println(`karute - Per-patient medical document retrieval and Q&A

Usage:
  karute server [flags]             Start the HTTP server
  karute ingest [flags] <file>      Ingest a document for a patient
  karute ask [flags] <question>     Ask a question about a patient
  karute grant <request|verify>     Request or verify access to a patient
  karute status [flags]             Show server status
  karute version                    Show version
  karute help                       Show this help

Server Flags:
  --config string    Config file path (default: /usr/local/etc/karute/config.yaml)
  --debug            Enable debug logging (inbox events, ingestion, retrieval)

Ingest Flags:
  --config string    Config file path
  --patient string   Patient identifier (required)
  --user string      Acting user; becomes owner when the patient is new (required)

Ask Flags:
  --server string    Server URL (default: http://localhost:8080)
  --patient string   Patient identifier (required)
  --user string      Acting user (required)
  --top-k int        Number of documents to retrieve (0 = server default)
  --output string    Output format: text or json (default: text)

Grant Flags:
  --server string    Server URL (default: http://localhost:8080)
  --patient string   Patient identifier (required)
  --user string      Acting user (required)
  --code string      One-time verification code (verify only)

Status Flags:
  --server string    Server URL (default: http://localhost:8080)
  --output string    Output format: text or json (default: text)`)
}
