package mirror

import (
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Mirror republishes every group emission to NATS so sibling hub shards or
// downstream consumers can observe the fan-out without attaching an SSE
// client. Subjects: feedhub.<kind>.<key>.<event>, with ':' in keys mapped
// to '_' to keep subject tokens clean.
//
// A nil *Mirror is valid and publishes nothing; the hub never has to check.
type Mirror struct {
	nc     *nats.Conn
	logger zerolog.Logger
}

func Dial(url string, logger zerolog.Logger) (*Mirror, error) {
	nc, err := nats.Connect(url,
		nats.Name("feedhub"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS mirror disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS mirror reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return &Mirror{
		nc:     nc,
		logger: logger.With().Str("component", "mirror").Logger(),
	}, nil
}

// Publish is fire-and-forget: a failed publish is logged and dropped.
func (m *Mirror) Publish(kind, key, event string, data []byte) {
	if m == nil {
		return
	}
	subject := "feedhub." + token(kind) + "." + token(key) + "." + token(event)
	if err := m.nc.Publish(subject, data); err != nil {
		m.logger.Warn().Err(err).Str("subject", subject).Msg("Mirror publish failed")
	}
}

func token(s string) string {
	s = strings.ReplaceAll(s, ":", "_")
	s = strings.ReplaceAll(s, ".", "_")
	s = strings.ReplaceAll(s, " ", "_")
	if s == "" {
		return "_"
	}
	return s
}

func (m *Mirror) Close() {
	if m == nil {
		return
	}
	m.nc.Drain()
}
