package models

import "time"

type Config struct {
	// Primary (write) database
	DBHost     string `yaml:"db_host"`
	DBPort     string `yaml:"db_port"`
	DBUser     string `yaml:"db_user"`
	DBName     string `yaml:"db_name"`
	DBPassword string `yaml:"db_password"`

	// Replica (read) database, falls back to primary when empty
	DBReplicaHost     string `yaml:"db_replica_host"`
	DBReplicaPort     string `yaml:"db_replica_port"`
	DBReplicaUser     string `yaml:"db_replica_user"`
	DBReplicaName     string `yaml:"db_replica_name"`
	DBReplicaPassword string `yaml:"db_replica_password"`

	ServerHost     string `yaml:"server_host"`
	ServerPort     string `yaml:"server_port"` // gRPC health
	ServerHttpPort string `yaml:"server_http_port"`
	HostName       string `yaml:"host_name"`
	EtcdEndpoints  string `yaml:"etcd_endpoints"`

	// base64 encoded ed25519 public key used to verify access tokens
	JWTPublicKey string `yaml:"jwt_public_key"`
	JWTIssuer    string `yaml:"jwt_issuer"`
	JWTAudience  string `yaml:"jwt_audience"`

	LogLevel string `yaml:"log_level"`

	Cache CacheConfig `yaml:"cache"`
	Kafka KafkaConfig `yaml:"kafka"`
}

type CacheConfig struct {
	// empty address selects the in-process store
	Addr           string        `yaml:"addr"`
	Password       string        `yaml:"password"`
	TTL            time.Duration `yaml:"ttl"`
	LedgerKey      string        `yaml:"ledger_key"`
	LedgerCapacity int           `yaml:"ledger_capacity"`
	OpTimeout      time.Duration `yaml:"op_timeout"`
}

type KafkaConfig struct {
	BootStrapServers  string        `yaml:"bootstrap_servers"`
	Topic             string        `yaml:"topic"`
	Partitions        int           `yaml:"partitions"`
	ReplicationFactor int           `yaml:"replication_factor"`
	GroupID           string        `yaml:"group_id"`
	OffsetReset       string        `yaml:"offset_reset"`
	PollTimeout       time.Duration `yaml:"poll_timeout"`
	Pause             time.Duration `yaml:"pause"`
	DeliveryTimeout   time.Duration `yaml:"delivery_timeout"`

	// upper bound on storing one consumed event
	PersistTimeout time.Duration `yaml:"persist_timeout"`

	// run the consumer inside `serve`
	ConsumerEnabled bool `yaml:"consumer_enabled"`
}

type Post struct {
	Id         string    `json:"id"`
	Title      string    `json:"title"`
	Content    string    `json:"content"`
	Published  bool      `json:"published"`
	Created_at time.Time `json:"createdAt"`
	Owner_id   int64     `json:"owner_id"`
}

// PostWithLikes is what every post operation hands back to callers.
type PostWithLikes struct {
	Post
	Likes int64 `json:"likes"`
}

// PostInput is the create payload. It is also the ingestion event value.
type PostInput struct {
	Id        string `json:"id,omitempty" validate:"omitempty,len=6,alphanum"`
	Title     string `json:"title" validate:"required,max=300"`
	Content   string `json:"content" validate:"required"`
	Published *bool  `json:"published,omitempty"`
}

// PostUpdate carries only the fields the caller set.
type PostUpdate struct {
	Title     *string `json:"title,omitempty" validate:"omitempty,min=1,max=300"`
	Content   *string `json:"content,omitempty" validate:"omitempty,min=1"`
	Published *bool   `json:"published,omitempty"`
}

func (u PostUpdate) Empty() bool {
	return u.Title == nil && u.Content == nil && u.Published == nil
}

type Like struct {
	Post_id string `json:"post_id" validate:"required,len=6,alphanum"`
	User_id int64  `json:"user_id,omitempty"`
}

type SortField string

const (
	SortCreatedAt SortField = "created_at"
	SortTitle     SortField = "title"
	SortLikes     SortField = "likes"
)

type ListQuery struct {
	Limit  int       `validate:"min=1,max=100"`
	Sort   SortField `validate:"oneof=created_at title likes"`
	Desc   bool
	Search string `validate:"max=300"`
}

func DefaultListQuery() ListQuery {
	return ListQuery{Limit: 10, Sort: SortCreatedAt, Desc: true}
}
