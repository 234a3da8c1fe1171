package cache

const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
	BackendS3     = "s3"

	defaultHistory = 10
)

// Config selects and configures a Store.
type Config struct {
	Backend string `yaml:"backend" toml:"backend" json:"backend" env:"BACKEND" validate:"omitempty,oneof=sqlite memory s3"`

	// Dir holds the database and the blob directory of the sqlite backend.
	Dir string `yaml:"dir" toml:"dir" json:"dir" env:"DIR"`
	// DSN overrides the database location, e.g. libsql://db.example.turso.io.
	// Data is then kept in the database instead of Dir.
	DSN string `yaml:"dsn" toml:"dsn" json:"dsn" env:"DSN"`

	// History is the number of data versions kept per job.
	History int `yaml:"history" toml:"history" json:"history" env:"HISTORY" validate:"gte=0"`

	S3 S3Config `yaml:"s3" toml:"s3" json:"s3" env:", prefix=S3_"`
}

// S3Config locates the bucket of the s3 backend. Credentials fall back to
// the default AWS chain when the static keys are empty.
type S3Config struct {
	Bucket          string `yaml:"bucket" toml:"bucket" json:"bucket" env:"BUCKET"`
	Region          string `yaml:"region" toml:"region" json:"region" env:"REGION"`
	Endpoint        string `yaml:"endpoint" toml:"endpoint" json:"endpoint" env:"ENDPOINT"`
	Prefix          string `yaml:"prefix" toml:"prefix" json:"prefix" env:"PREFIX"`
	AccessKeyID     string `yaml:"access_key_id" toml:"access_key_id" json:"access_key_id" env:"ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"secret_access_key" toml:"secret_access_key" json:"secret_access_key" env:"SECRET_ACCESS_KEY"`
}

func (c Config) withDefaults() Config {
	if c.Backend == "" {
		c.Backend = BackendSQLite
	}
	if c.History <= 0 {
		c.History = defaultHistory
	}
	return c
}
