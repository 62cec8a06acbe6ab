// Package config loads the provisioner settings from a YAML file or a
// MongoDB document.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/andrej220/goldenimage/pkg/config/configstore"
	"github.com/andrej220/goldenimage/pkg/config/filestore"
	"github.com/andrej220/goldenimage/pkg/config/mongostore"
	"github.com/andrej220/goldenimage/pkg/content"
	"github.com/andrej220/goldenimage/pkg/executor"
)

type StoreType int

const (
	FileStore StoreType = iota
	MongoStore
)

var (
	ErrInvalidStoreType = errors.New("invalid store type")
	ErrInvalidConfig    = errors.New("invalid configuration")
)

// Config interface that combines all store capabilities
type Config interface {
	configstore.ConfigStore
	Watch(onChange func(), stop <-chan struct{}) error
}

type FileConfig struct {
	Path string `yaml:"path" json:"path"`
}

type MongoConfig struct {
	URI      string `yaml:"uri" json:"uri" bson:"uri"`
	DBName   string `yaml:"dbName" json:"dbName" bson:"dbName"`
	CollName string `yaml:"collName" json:"collName" bson:"collName"`
	ID       string `yaml:"id" json:"id" bson:"id"` // Document ID
}

func NewStore(storeType StoreType, cfg any) (Config, error) {
	switch storeType {
	case FileStore:
		fileCfg, ok := cfg.(*FileConfig)
		if !ok {
			return nil, fmt.Errorf("invalid config type for file store, expected *FileConfig")
		}
		return filestore.New(fileCfg.Path), nil
	case MongoStore:
		mongoCfg, ok := cfg.(*MongoConfig)
		if !ok {
			return nil, fmt.Errorf("invalid config type for mongo store, expected *MongoConfig")
		}
		return mongostore.New(mongoCfg.URI, mongoCfg.DBName, mongoCfg.CollName, mongoCfg.ID)
	default:
		return nil, ErrInvalidStoreType
	}
}

type SSHSettings struct {
	KnownHosts     string        `yaml:"knownHosts" json:"knownHosts" bson:"knownHosts"`
	DialTimeout    time.Duration `yaml:"dialTimeout" json:"dialTimeout" bson:"dialTimeout" validate:"gte=0"`
	DialMaxElapsed time.Duration `yaml:"dialMaxElapsed" json:"dialMaxElapsed" bson:"dialMaxElapsed" validate:"gte=0"`
}

// SecretsSettings locates the age-encrypted credential files.
type SecretsSettings struct {
	Dir          string `yaml:"dir" json:"dir" bson:"dir"`
	IdentityFile string `yaml:"identityFile" json:"identityFile" bson:"identityFile" validate:"required_with=Dir"`
}

type KafkaSettings struct {
	Brokers      []string `yaml:"brokers" json:"brokers" bson:"brokers"`
	GroupID      string   `yaml:"groupId" json:"groupId" bson:"groupId"`
	RequestTopic string   `yaml:"requestTopic" json:"requestTopic" bson:"requestTopic"`
	ResultTopic  string   `yaml:"resultTopic" json:"resultTopic" bson:"resultTopic"`
	// Resubmit puts continuations back on the request topic instead of
	// leaving them to the orchestrator.
	Resubmit bool `yaml:"resubmit" json:"resubmit" bson:"resubmit"`
}

func (k KafkaSettings) Enabled() bool { return len(k.Brokers) > 0 }

type RunStoreSettings struct {
	Kind  string      `yaml:"kind" json:"kind" bson:"kind" validate:"oneof=none file mongo"`
	Dir   string      `yaml:"dir" json:"dir" bson:"dir" validate:"required_if=Kind file"`
	Mongo MongoConfig `yaml:"mongo" json:"mongo" bson:"mongo"`
}

type ServerSettings struct {
	Port    int `yaml:"port" json:"port" bson:"port" validate:"gte=0,lte=65535"`
	Workers int `yaml:"workers" json:"workers" bson:"workers" validate:"gte=1"`
}

// Settings is the provisioner configuration document.
type Settings struct {
	Budget     time.Duration    `yaml:"budget" json:"budget" bson:"budget" validate:"gt=0"`
	StagingDir string           `yaml:"stagingDir" json:"stagingDir" bson:"stagingDir" validate:"required"`
	Shell      string           `yaml:"shell" json:"shell" bson:"shell" validate:"oneof=powershell posix"`
	Codec      string           `yaml:"codec" json:"codec" bson:"codec" validate:"oneof=json cbor"`
	Statuses   map[int]string   `yaml:"statuses" json:"statuses" bson:"statuses" validate:"dive,category"`
	PresignTTL time.Duration    `yaml:"presignTTL" json:"presignTTL" bson:"presignTTL" validate:"gte=0"`
	S3         content.S3Config `yaml:"s3" json:"s3" bson:"s3"`
	SSH        SSHSettings      `yaml:"ssh" json:"ssh" bson:"ssh"`
	Secrets    SecretsSettings  `yaml:"secrets" json:"secrets" bson:"secrets"`
	Kafka      KafkaSettings    `yaml:"kafka" json:"kafka" bson:"kafka"`
	RunStore   RunStoreSettings `yaml:"runStore" json:"runStore" bson:"runStore"`
	Server     ServerSettings   `yaml:"server" json:"server" bson:"server"`
}

// stagingDirs is where fetched files land, per shell, when the document
// names no stagingDir.
var stagingDirs = map[string]string{
	"powershell": `C:\wks_automation\`,
	"posix":      "/var/tmp/wks_automation/",
}

// Defaults returns the settings used for anything a document leaves out.
func Defaults() Settings {
	return Settings{
		Budget:     120 * time.Second,
		StagingDir: stagingDirs["powershell"],
		Shell:      "powershell",
		Codec:      "json",
		PresignTTL: 600 * time.Second,
		S3:         content.S3Config{Region: "us-east-1"},
		SSH:        SSHSettings{DialTimeout: 10 * time.Second, DialMaxElapsed: 30 * time.Second},
		RunStore:   RunStoreSettings{Kind: "none"},
		Server:     ServerSettings{Port: 8082, Workers: 4},
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("category", func(fl validator.FieldLevel) bool {
		switch fl.Field().String() {
		case "NotFound", "InvalidInput", "TransportFailure", "Unknown":
			return true
		}
		return false
	})
	return v
}

// Validate checks the settings and reports every offending field.
func (s *Settings) Validate() error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
}

// normalize resolves shell aliases to their canonical name and picks the
// staging dir of the shell when none is set. Unknown shells are left for
// Validate to report.
func (s *Settings) normalize() {
	if sh, err := executor.ShellFor(s.Shell); err == nil {
		s.Shell = sh.Name()
	}
	s.Codec = strings.ToLower(strings.TrimSpace(s.Codec))
	if s.StagingDir == "" {
		s.StagingDir = stagingDirs[s.Shell]
	}
}

// Load reads settings from store over the defaults and validates them.
func Load(store configstore.ConfigStore) (*Settings, error) {
	s := Defaults()
	s.StagingDir = ""
	if err := store.Load(&s); err != nil {
		return nil, err
	}
	s.normalize()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}
