package retrieval

const (
	BackendMemory = "memory"
	BackendQdrant = "qdrant"
)

type QdrantConfig struct {
	// URL 形如 http://localhost:6333，REST 端口会自动换成 gRPC 端口 6334。
	URL        string `mapstructure:"url"`
	APIKey     string `mapstructure:"api_key"`
	Collection string `mapstructure:"collection"`
}

// Config 控制参考文档的切分与检索方式。Document 为空时不做检索。
type Config struct {
	Document     string       `mapstructure:"document"`
	ChunkSize    int          `mapstructure:"chunk_size" validate:"gt=0"`
	ChunkOverlap int          `mapstructure:"chunk_overlap" validate:"gte=0,ltfield=ChunkSize"`
	TopK         int          `mapstructure:"top_k" validate:"gt=0"`
	Backend      string       `mapstructure:"backend" validate:"oneof=memory qdrant"`
	Qdrant       QdrantConfig `mapstructure:"qdrant"`
}

type EmbeddingConfig struct {
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"base_url"`
	// CacheDir 为 badger 向量缓存目录，留空则不缓存。
	CacheDir string `mapstructure:"cache_dir"`
}

func DefaultConfig() Config {
	return Config{
		ChunkSize:    600,
		ChunkOverlap: 100,
		TopK:         3,
		Backend:      BackendMemory,
		Qdrant:       QdrantConfig{Collection: "insightagent_plans"},
	}
}

func DefaultEmbeddingConfig() EmbeddingConfig {
	return EmbeddingConfig{
		Model:    "text-embedding-3-small",
		CacheDir: ".insightagent/embeddings",
	}
}
