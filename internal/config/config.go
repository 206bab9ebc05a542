package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Configはアプリ全体の設定
type Config struct {
	Port     string // サーバーポート（8080）
	GoEnv    string // dev/prod
	LogLevel string // debug/info/warn/error

	DatabaseURL      string // あれば最優先
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresHost     string
	PostgresPort     int
	PostgresSSLMode  string

	JWTSecret string // JWT署名シークレット（発行は認証サービス側）
	FrontURL  string // 決済後の戻り先（return_url未指定時）

	RedisAddr     string
	QueueBackend  string // gochannel/kafka
	KafkaBrokers  []string
	TaskWorkers   int
	TaskTimeout   time.Duration
	TaskResultTTL time.Duration

	// 支払い確認APIで1回だけ待つ時間
	PollWait time.Duration

	Payment PaymentConfig
}

// 決済プロバイダ設定（payment.Configに詰め替える）
type PaymentConfig struct {
	Provider      string // stripe/vanillapay
	APIKey        string
	ClientID      string
	WebhookSecret string
	BaseURL       string
	Currency      string
	NotifyURL     string
	Timeout       time.Duration
}

func (c Config) IsProd() bool {
	return c.GoEnv == "prod"
}

// DSN はgorm/pgx用の接続文字列
func (c Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.PostgresHost, c.PostgresPort, c.PostgresUser, c.PostgresPassword, c.PostgresDB, c.PostgresSSLMode,
	)
}

// URL形式のDSN（migrate用）
func (c Config) DatabaseURLForMigrate() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.PostgresUser, c.PostgresPassword, c.PostgresHost, c.PostgresPort, c.PostgresDB, c.PostgresSSLMode,
	)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("GO_ENV", "dev")
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("POSTGRES_HOST", "localhost")
	v.SetDefault("POSTGRES_PORT", 5432)
	v.SetDefault("POSTGRES_USER", "postgres")
	v.SetDefault("POSTGRES_PASSWORD", "postgres")
	v.SetDefault("POSTGRES_DB", "app")
	v.SetDefault("POSTGRES_SSLMODE", "disable")

	v.SetDefault("FRONT_URL", "http://localhost:3000")

	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("QUEUE_BACKEND", "gochannel")
	v.SetDefault("TASK_WORKERS", 4)
	v.SetDefault("TASK_TIMEOUT", "30s")
	v.SetDefault("TASK_TTL", "24h")
	v.SetDefault("POLL_WAIT", "3s")

	v.SetDefault("PAYMENT_PROVIDER", "stripe")
	v.SetDefault("PAYMENT_CURRENCY", "eur")
	v.SetDefault("PAYMENT_TIMEOUT", "10s")
}

// Loadは.env → 設定ファイル(CONFIG_FILE) → 環境変数の順で読む
func Load() (Config, error) {
	// .envは無くてもよい
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path := v.GetString("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		Port:     v.GetString("PORT"),
		GoEnv:    v.GetString("GO_ENV"),
		LogLevel: v.GetString("LOG_LEVEL"),

		DatabaseURL:      v.GetString("DATABASE_URL"),
		PostgresUser:     v.GetString("POSTGRES_USER"),
		PostgresPassword: v.GetString("POSTGRES_PASSWORD"),
		PostgresDB:       v.GetString("POSTGRES_DB"),
		PostgresHost:     v.GetString("POSTGRES_HOST"),
		PostgresPort:     v.GetInt("POSTGRES_PORT"),
		PostgresSSLMode:  v.GetString("POSTGRES_SSLMODE"),

		JWTSecret: v.GetString("JWT_SECRET"),
		FrontURL:  strings.TrimRight(v.GetString("FRONT_URL"), "/"),

		RedisAddr:     v.GetString("REDIS_ADDR"),
		QueueBackend:  v.GetString("QUEUE_BACKEND"),
		KafkaBrokers:  splitList(v.GetString("KAFKA_BROKERS")),
		TaskWorkers:   v.GetInt("TASK_WORKERS"),
		TaskTimeout:   v.GetDuration("TASK_TIMEOUT"),
		TaskResultTTL: v.GetDuration("TASK_TTL"),
		PollWait:      v.GetDuration("POLL_WAIT"),

		Payment: PaymentConfig{
			Provider:      strings.ToLower(v.GetString("PAYMENT_PROVIDER")),
			APIKey:        v.GetString("PAYMENT_API_KEY"),
			ClientID:      v.GetString("PAYMENT_CLIENT_ID"),
			WebhookSecret: v.GetString("PAYMENT_WEBHOOK_SECRET"),
			BaseURL:       strings.TrimRight(v.GetString("PAYMENT_BASE_URL"), "/"),
			Currency:      strings.ToLower(v.GetString("PAYMENT_CURRENCY")),
			NotifyURL:     v.GetString("PAYMENT_NOTIFY_URL"),
			Timeout:       v.GetDuration("PAYMENT_TIMEOUT"),
		},
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// 必須チェック
func (c Config) validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.DatabaseURL == "" && c.PostgresHost == "" {
		return fmt.Errorf("DATABASE_URL or POSTGRES_HOST is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required")
	}
	switch c.QueueBackend {
	case "gochannel":
	case "kafka":
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("KAFKA_BROKERS is required when QUEUE_BACKEND=kafka")
		}
	default:
		return fmt.Errorf("QUEUE_BACKEND must be gochannel or kafka: %q", c.QueueBackend)
	}
	if c.TaskWorkers <= 0 {
		return fmt.Errorf("TASK_WORKERS must be positive")
	}
	if c.PollWait < 0 || c.PollWait > 10*time.Second {
		return fmt.Errorf("POLL_WAIT must be between 0 and 10s")
	}
	if c.Payment.WebhookSecret == "" {
		return fmt.Errorf("PAYMENT_WEBHOOK_SECRET is required")
	}
	if c.Payment.APIKey == "" {
		return fmt.Errorf("PAYMENT_API_KEY is required")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
