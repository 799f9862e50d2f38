package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/grafana/loki-client-go/loki"
	"github.com/prometheus/common/model"
	"github.com/rs/zerolog"

	"github.com/timzifer/siggen/config"
)

// Setup builds the root logger from cfg. The returned stop function flushes
// pending Loki entries; it is safe to call when Loki is disabled.
func Setup(cfg config.LoggingConfig) (zerolog.Logger, func(), error) {
	return build(cfg, os.Stdout)
}

func build(cfg config.LoggingConfig, out io.Writer) (zerolog.Logger, func(), error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return zerolog.Logger{}, nil, err
	}
	local, err := localWriter(cfg.Format, out)
	if err != nil {
		return zerolog.Logger{}, nil, err
	}

	stop := func() {}
	writer := local
	if cfg.Loki.Enabled {
		push, err := dialLoki(cfg.Loki)
		if err != nil {
			return zerolog.Logger{}, nil, err
		}
		writer = zerolog.MultiLevelWriter(local, push)
		stop = push.client.Stop
	}
	return zerolog.New(writer).Level(level).With().Timestamp().Logger(), stop, nil
}

func parseLevel(raw string) (zerolog.Level, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(raw)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("parse log level: %w", err)
	}
	return level, nil
}

func localWriter(format string, out io.Writer) (io.Writer, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		return out, nil
	case "text":
		return zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339Nano, NoColor: true}, nil
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}
}

// lokiPush forwards every JSON log line to Loki. The zerolog level is added
// as a stream label so dashboards can filter without parsing.
type lokiPush struct {
	client *loki.Client
	labels model.LabelSet
}

func dialLoki(cfg config.LokiConfig) (*lokiPush, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("loki url is required")
	}
	clientCfg, err := loki.NewDefaultConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("prepare loki config: %w", err)
	}
	client, err := loki.New(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("create loki client: %w", err)
	}
	labels := model.LabelSet{"app": "siggen"}
	for k, v := range cfg.Labels {
		labels[model.LabelName(k)] = model.LabelValue(v)
	}
	return &lokiPush{client: client, labels: labels}, nil
}

func (l *lokiPush) Write(p []byte) (int, error) {
	return l.WriteLevel(zerolog.NoLevel, p)
}

func (l *lokiPush) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	line := strings.TrimSpace(string(p))
	if line == "" {
		return len(p), nil
	}
	labels := l.labels
	if level != zerolog.NoLevel {
		labels = l.labels.Clone()
		labels["level"] = model.LabelValue(level.String())
	}
	return len(p), l.client.Handle(labels, time.Now(), line)
}
