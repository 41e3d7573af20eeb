package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	prefixed "github.com/matterbridge/logrus-prefixed-formatter"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Settings is the typed view of the configuration.
type Settings struct {
	Debug  bool   `mapstructure:"debug"`
	Trace  bool   `mapstructure:"trace"`
	UserID string `mapstructure:"userid"`

	Timeline struct {
		HideMembership  bool `mapstructure:"hidemembership"`
		HideNickAvatar  bool `mapstructure:"hidenickavatar"`
		PaginationLimit int  `mapstructure:"paginationlimit"`
	} `mapstructure:"timeline"`

	RoomList struct {
		DirectCorrectionWindow time.Duration `mapstructure:"directcorrectionwindow"`
	} `mapstructure:"roomlist"`

	Settings struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"settings"`

	Metrics struct {
		Listen  string `mapstructure:"listen"`
		TLSCert string `mapstructure:"tlscert"`
		TLSKey  string `mapstructure:"tlskey"`
	} `mapstructure:"metrics"`

	Sync struct {
		MinBackoff time.Duration `mapstructure:"minbackoff"`
		MaxBackoff time.Duration `mapstructure:"maxbackoff"`
	} `mapstructure:"sync"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("timeline.paginationlimit", 30)
	v.SetDefault("roomlist.directcorrectionwindow", 10*time.Second)
	v.SetDefault("settings.path", "mxstate.db")
	v.SetDefault("sync.minbackoff", time.Second)
	v.SetDefault("sync.maxbackoff", time.Minute)
}

// New returns a viper instance with defaults and environment lookups but
// no config file.
func New() *viper.Viper {
	v := viper.New()

	v.SetEnvPrefix("mxstate")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	// use environment variables
	v.AutomaticEnv()

	setDefaults(v)

	return v
}

func LoadConfig(cfgfile string) (*viper.Viper, error) {
	v := New()
	v.SetConfigFile(cfgfile)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s", err)
	}

	// reload config on file changes
	if runtime.GOOS != "illumos" {
		v.WatchConfig()
	}

	return v, nil
}

func Decode(v *viper.Viper) (*Settings, error) {
	s := &Settings{}

	if err := v.Unmarshal(s); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if s.Timeline.PaginationLimit <= 0 {
		return nil, fmt.Errorf("timeline.paginationlimit must be positive, got %d", s.Timeline.PaginationLimit)
	}

	if s.Sync.MaxBackoff < s.Sync.MinBackoff {
		return nil, fmt.Errorf("sync.maxbackoff %s is below sync.minbackoff %s", s.Sync.MaxBackoff, s.Sync.MinBackoff)
	}

	return s, nil
}

// NewLogger returns a logger tagged with prefix whose level follows the
// debug and trace keys.
func NewLogger(v *viper.Viper, prefix string) *logrus.Entry {
	ourlog := logrus.New()
	ourlog.SetFormatter(&prefixed.TextFormatter{
		PrefixPadding: 14,
		FullTimestamp: true,
	})

	if v.GetBool("debug") {
		ourlog.SetLevel(logrus.DebugLevel)
	}

	if v.GetBool("trace") {
		ourlog.SetLevel(logrus.TraceLevel)
	}

	return ourlog.WithFields(logrus.Fields{"prefix": prefix})
}
