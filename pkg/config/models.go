package config

import "time"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Transport TransportConfig `mapstructure:"transport"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Bridge    BridgeConfig    `mapstructure:"bridge"`
	Rooms     RoomsConfig     `mapstructure:"rooms"`
	Guard     GuardConfig     `mapstructure:"guard"`
	Persist   PersistConfig   `mapstructure:"persist"`
	LogLevel  string          `mapstructure:"logLevel"`
}

type ServerConfig struct {
	Address         string                `mapstructure:"address"`
	Auth            AuthConfig            `mapstructure:"auth"`
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
	IdleThreshold   time.Duration         `mapstructure:"idleThreshold"`
	ReapInterval    time.Duration         `mapstructure:"reapInterval"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwtSecret"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type ConnectionLimitConfig struct {
	MaxPerUser int    `mapstructure:"maxPerUser"`
	MaxPerIP   int    `mapstructure:"maxPerIP"`
	Mode       string `mapstructure:"mode"` // "reject" or "cycle"
}

type TransportConfig struct {
	ReadTimeout time.Duration `mapstructure:"readTimeout"`
	SendBuffer  int           `mapstructure:"sendBuffer"`
}

type CacheConfig struct {
	Tier1Capacity     int           `mapstructure:"tier1Capacity"`
	Tier1MaxTTL       time.Duration `mapstructure:"tier1MaxTtl"`
	CompressThreshold int           `mapstructure:"compressThreshold"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"keyPrefix"`
}

type BridgeConfig struct {
	URL         string `mapstructure:"url"`
	TopicPrefix string `mapstructure:"topicPrefix"`
}

type RoomsConfig struct {
	BatchThreshold int           `mapstructure:"batchThreshold"`
	ChunkSize      int           `mapstructure:"chunkSize"`
	ChunkPause     time.Duration `mapstructure:"chunkPause"`
	EchoToSender   bool          `mapstructure:"echoToSender"`
	MembershipTTL  time.Duration `mapstructure:"membershipTtl"`
	AuthzTTL       time.Duration `mapstructure:"authzTtl"`
}

type GuardConfig struct {
	SendLimitMax    int           `mapstructure:"sendLimitMax"`
	SendLimitWindow time.Duration `mapstructure:"sendLimitWindow"`
	JoinLimitMax    int           `mapstructure:"joinLimitMax"`
	JoinLimitWindow time.Duration `mapstructure:"joinLimitWindow"`
	EventBuffer     int           `mapstructure:"eventBuffer"`
}

type PersistConfig struct {
	DatabaseURL string        `mapstructure:"databaseUrl"`
	QueueSize   int           `mapstructure:"queueSize"`
	MaxRetries  int           `mapstructure:"maxRetries"`
	RetryBase   time.Duration `mapstructure:"retryBase"`
}
