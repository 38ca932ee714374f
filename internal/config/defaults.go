package config

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "/usr/local/var/karute/data/db/karute.db"
	}
	if cfg.Storage.SnapshotDir == "" {
		cfg.Storage.SnapshotDir = "/usr/local/var/karute/data/snapshots"
	}
	if cfg.Embedding.ModelPath == "" {
		cfg.Embedding.ModelPath = "/usr/local/var/karute/data/models/all-MiniLM-L6-v2.onnx"
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = "all-minilm"
	}
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = 384
	}
	if cfg.Embedding.MaxTokens == 0 {
		cfg.Embedding.MaxTokens = 256
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 10000
	}
	if cfg.Completion.BaseURL == "" {
		cfg.Completion.BaseURL = "http://localhost:11435/v1"
	}
	if cfg.Completion.Model == "" {
		cfg.Completion.Model = "deepseek-r1:7b"
	}
	if cfg.Completion.TimeoutSeconds == 0 {
		cfg.Completion.TimeoutSeconds = 120
	}
	if cfg.Completion.MaxRetries == 0 {
		cfg.Completion.MaxRetries = 3
	}
	if cfg.Retrieval.TopK == 0 {
		cfg.Retrieval.TopK = 3
	}
	if cfg.Retrieval.MaxContextChars == 0 {
		cfg.Retrieval.MaxContextChars = 24000
	}
	if cfg.Access.GrantTTLMinutes == 0 {
		cfg.Access.GrantTTLMinutes = 60
	}
	if cfg.Segment.TimeoutSeconds == 0 {
		cfg.Segment.TimeoutSeconds = 120
	}
	if cfg.Inbox.Path == "" {
		cfg.Inbox.Path = "/usr/local/var/karute/inbox"
	}
	if cfg.Inbox.Owner == "" {
		cfg.Inbox.Owner = "inbox"
	}
	if cfg.Inbox.Extensions == nil {
		cfg.Inbox.Extensions = []string{".txt", ".md", ".csv", ".pdf", ".docx", ".xlsx", ".dcm", ".png", ".jpg", ".jpeg"}
	}
}
