package gateway

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/radovskyb/watcher"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const envPrefix = "TSUKUYOMI"

// Config is the application level configuration read from file and
// environment.
type Config struct {
	Manager     ManagerConfig
	MetricsAddr string
	WebhookURL  string
}

func newViper(path string) *viper.Viper {
	v := viper.New()

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("token", envPrefix+"_TOKEN", "DISCORD_TOKEN")

	defaults := DefaultManagerConfig()
	v.SetDefault("intents", int(IntentGuilds|IntentGuildMessages))
	v.SetDefault("shards", 0)
	v.SetDefault("gateway.url", "")
	v.SetDefault("gateway.api_url", defaults.APIURL)
	v.SetDefault("gateway.version", defaults.Version)
	v.SetDefault("gateway.encoding", string(defaults.Encoding))
	v.SetDefault("gateway.compression", string(defaults.Compression))
	v.SetDefault("gateway.large_threshold", defaults.LargeThreshold)
	v.SetDefault("gateway.identify_delay", defaults.IdentifyDelay)
	v.SetDefault("ratelimit.limit", defaults.RateLimit)
	v.SetDefault("ratelimit.window", defaults.RateLimitWindow)
	v.SetDefault("presence.status", "online")
	v.SetDefault("presence.activity", "")
	v.SetDefault("invalid_session.retries", 0)
	v.SetDefault("voice.enabled", false)
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("webhook.url", "")

	if path != "" {
		v.SetConfigFile(path)
	}
	return v
}

// LoadConfig reads path (toml, yaml or json) and overlays TSUKUYOMI_*
// environment variables. A .env file in the working directory is loaded first
// when present. An empty path reads the environment only.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := newViper(path)
	if path != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	return decodeConfig(v)
}

func decodeConfig(v *viper.Viper) (*Config, error) {
	config := &Config{
		Manager:     DefaultManagerConfig(),
		MetricsAddr: v.GetString("metrics.addr"),
		WebhookURL:  v.GetString("webhook.url"),
	}

	m := &config.Manager
	m.Token = strings.TrimSpace(v.GetString("token"))
	m.Intents = Intents(v.GetInt("intents"))
	m.Shards = v.GetInt("shards")
	m.GatewayURL = v.GetString("gateway.url")
	m.APIURL = v.GetString("gateway.api_url")
	m.Version = v.GetInt("gateway.version")
	m.Encoding = Encoding(strings.ToLower(v.GetString("gateway.encoding")))
	m.Compression = Compression(strings.ToLower(v.GetString("gateway.compression")))
	m.LargeThreshold = v.GetInt("gateway.large_threshold")
	m.IdentifyDelay = v.GetDuration("gateway.identify_delay")
	m.RateLimit = v.GetInt("ratelimit.limit")
	m.RateLimitWindow = v.GetDuration("ratelimit.window")
	m.InvalidSessionRetries = v.GetInt("invalid_session.retries")
	m.Voice = v.GetBool("voice.enabled")
	m.Presence = presenceFromConfig(v.GetString("presence.status"), v.GetString("presence.activity"))

	if m.Token == "" {
		return nil, errors.New("token is required")
	}
	if m.Shards < 0 {
		return nil, fmt.Errorf("invalid shard count %d", m.Shards)
	}
	if _, err := NewFrameCodec(m.Encoding, m.Compression); err != nil {
		return nil, err
	}

	return config, nil
}

func presenceFromConfig(status, activity string) *Presence {
	presence := &Presence{Status: status, Activities: []Activity{}}
	if activity != "" {
		presence.Activities = append(presence.Activities, Activity{Name: activity})
	}
	return presence
}

// SamePresence reports whether two presences would look the same to users.
func SamePresence(a, b *Presence) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Status != b.Status || a.AFK != b.AFK || len(a.Activities) != len(b.Activities) {
		return false
	}
	for i := range a.Activities {
		if a.Activities[i] != b.Activities[i] {
			return false
		}
	}
	return true
}

// WatchConfig polls path every interval and calls fn with the reloaded
// configuration after each change. Invalid files are logged and skipped. It
// blocks until ctx is done.
func WatchConfig(ctx context.Context, path string, interval time.Duration, logger *zap.Logger, fn func(*Config)) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	w := watcher.New()
	w.SetMaxEvents(1)
	w.FilterOps(watcher.Write, watcher.Create)

	if err := w.Add(path); err != nil {
		return fmt.Errorf("watch config %s: %w", path, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	go func() {
		for {
			select {
			case event := <-w.Event:
				config, err := LoadConfig(path)
				if err != nil {
					logger.Warn("ignoring config change", zap.String("op", event.Op.String()), zap.Error(err))
					continue
				}
				logger.Info("config reloaded", zap.String("path", path))
				fn(config)

			case err := <-w.Error:
				logger.Warn("config watcher failed", zap.Error(err))

			case <-ctx.Done():
				w.Close()
				return

			case <-w.Closed:
				return
			}
		}
	}()

	return w.Start(interval)
}
