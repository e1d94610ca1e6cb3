package config

import (
	"time"

	"github.com/spf13/viper"
)

// LoadDocument reads the structured config document (YAML/JSON/env,
// whatever viper's format sniffing resolves) at path and returns the
// Options needed to reproduce it on top of NewConfig's defaults. Callers
// typically do: opts, err := config.LoadDocument(path), then, on a nil
// err, config.NewConfig(append(opts, cliOverrides...)...)
func LoadDocument(path string) ([]Option, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("DELIVERYD")
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var opts []Option
	if v.IsSet("debug") {
		opts = append(opts, WithDebug(v.GetBool("debug")))
	}
	if v.IsSet("root_dir") {
		opts = append(opts, WithRootDir(v.GetString("root_dir")))
	}
	if v.IsSet("server_instance_id") {
		opts = append(opts, WithServerInstanceID(v.GetString("server_instance_id")))
	}
	if v.IsSet("redis.addrs") {
		opts = append(opts, WithRedisAddrs(v.GetStringSlice("redis.addrs")))
	}
	if v.IsSet("redis.cluster_name") {
		opts = append(opts, WithRedisClusterName(v.GetString("redis.cluster_name")))
	}
	if v.IsSet("postgres.dsn") {
		opts = append(opts, WithPostgresDSN(v.GetString("postgres.dsn")))
	}
	if v.IsSet("persist.delay") {
		opts = append(opts, WithPersistDelay(v.GetDuration("persist.delay")))
	}
	if v.IsSet("persist.batch_size") {
		opts = append(opts, WithPersistBatchSize(v.GetInt("persist.batch_size")))
	}
	if v.IsSet("persist.concurrency") {
		opts = append(opts, WithPersistConcurrency(v.GetInt("persist.concurrency")))
	}
	if v.IsSet("persist.max_queues_per_run") {
		opts = append(opts, WithMaxQueuesPerRun(v.GetInt("persist.max_queues_per_run")))
	}
	if v.IsSet("presence.ttl") {
		opts = append(opts, WithPresenceTTL(v.GetDuration("presence.ttl")))
	}
	if v.IsSet("presence.refresh_every") {
		opts = append(opts, WithPresenceRefreshEvery(v.GetDuration("presence.refresh_every")))
	}
	if v.IsSet("queue.max_scan_window") {
		opts = append(opts, WithMaxScanWindow(v.GetInt("queue.max_scan_window")))
	}
	if v.IsSet("push.max_attempts") {
		opts = append(opts, WithPushMaxAttempts(v.GetInt("push.max_attempts")))
	}
	base := v.GetDuration("push.base_delay")
	max := v.GetDuration("push.max_delay")
	if base != 0 || max != 0 {
		if base == 0 {
			base = time.Second
		}
		if max == 0 {
			max = time.Hour
		}
		opts = append(opts, WithPushBackoff(base, max))
	}
	if v.IsSet("push.apns.cert_path") {
		opts = append(opts, WithAPNs(
			v.GetString("push.apns.cert_path"),
			v.GetString("push.apns.topic"),
			v.GetBool("push.apns.production"),
		))
	}
	if v.IsSet("push.fcm.endpoint") {
		opts = append(opts, WithFCM(v.GetString("push.fcm.endpoint"), v.GetString("push.fcm.api_key")))
	}
	if v.IsSet("http.addr") {
		opts = append(opts, WithHTTPAddr(v.GetString("http.addr")))
	}
	if v.IsSet("ws.addr") {
		opts = append(opts, WithWSAddr(v.GetString("ws.addr")))
	}
	return opts, nil
}
