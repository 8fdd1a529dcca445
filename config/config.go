// Copyright (C) 2025-2026 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/cardinalhq/lakestage/internal/cloudstorage"
	"github.com/cardinalhq/lakestage/internal/engine"
	"github.com/cardinalhq/lakestage/internal/healthcheck"
	"github.com/cardinalhq/lakestage/internal/push"
)

// Config aggregates configuration for the application.
// Each field is owned by its respective package.
type Config struct {
	engine.Config `mapstructure:",squash"`

	ObjStore cloudstorage.Config `mapstructure:"objstore"`
	Health   healthcheck.Config  `mapstructure:"health"`
	// MaxBodyBytes bounds one HTTP push request.
	MaxBodyBytes int64 `mapstructure:"max_body_bytes"`
	// PprofPort serves net/http/pprof when positive.
	PprofPort int `mapstructure:"pprof_port"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Config:       engine.DefaultConfig(),
		ObjStore:     cloudstorage.Config{Provider: "local", LocalRoot: "./lake", Bucket: "lakestage"},
		Health:       healthcheck.Config{Port: 8090},
		MaxBodyBytes: push.DefaultMaxBodyBytes,
	}
}

// Load reads configuration from files and environment variables.
// Environment variables use the prefix "LAKESTAGE" and the dot character
// in keys is replaced by an underscore. For example, "kafka.brokers" becomes
// "LAKESTAGE_KAFKA_BROKERS".
func Load() (*Config, error) {
	return LoadFrom(".")
}

// LoadFrom is Load with config.yaml looked up in dir.
func LoadFrom(dir string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath(dir)
	v.SetEnvPrefix("LAKESTAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, cfg)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	// Maps given as "a=b,c=d" in the environment.
	if err := setPairs(v, "kafka.topic_streams", func(s string) (any, error) { return s, nil }); err != nil {
		return nil, err
	}
	if err := setPairs(v, "staging.stream_windows", func(s string) (any, error) { return time.ParseDuration(s) }); err != nil {
		return nil, err
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if b := v.GetString("kafka.brokers"); b != "" && !v.InConfig("kafka.brokers") {
		cfg.Kafka.Brokers = splitList(b)
	}
	if tpc := v.GetString("kafka.topics"); tpc != "" && !v.InConfig("kafka.topics") {
		cfg.Kafka.Topics = splitList(tpc)
	}
	cfg.Kafka.Enabled = v.GetBool("kafka.enabled")
	return cfg, nil
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

// setPairs replaces a string value of key with the map it encodes.
func setPairs(v *viper.Viper, key string, parse func(string) (any, error)) error {
	raw, ok := v.Get(key).(string)
	if !ok || raw == "" {
		return nil
	}
	out := map[string]any{}
	for _, pair := range splitList(raw) {
		k, val, found := strings.Cut(pair, "=")
		if !found {
			return fmt.Errorf("%s: %q is not key=value", key, pair)
		}
		parsed, err := parse(strings.TrimSpace(val))
		if err != nil {
			return fmt.Errorf("%s: %q: %w", key, pair, err)
		}
		out[strings.TrimSpace(k)] = parsed
	}
	v.Set(key, out)
	return nil
}

// bindEnvs registers all keys within cfg so that viper will look up
// corresponding environment variables when unmarshalling.
func bindEnvs(v *viper.Viper, cfg any, parts ...string) {
	val := reflect.ValueOf(cfg)
	typ := reflect.TypeOf(cfg)
	if typ.Kind() == reflect.Ptr {
		val = val.Elem()
		typ = typ.Elem()
	}
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		if !f.IsExported() {
			continue
		}
		tag, opts, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
		if tag == "-" {
			continue
		}
		if tag == "" && opts == "squash" {
			bindEnvs(v, val.Field(i).Interface(), parts...)
			continue
		}
		if tag == "" {
			tag = strings.ToLower(f.Name)
		}
		key := append(append([]string(nil), parts...), tag)
		if f.Type.Kind() == reflect.Struct && f.Type != reflect.TypeOf(time.Time{}) {
			bindEnvs(v, val.Field(i).Interface(), key...)
			continue
		}
		_ = v.BindEnv(strings.Join(key, "."))
	}
}
