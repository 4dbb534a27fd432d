package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TICKPIPE_"

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides fields from TICKPIPE_* environment variables.
// A nil lookup uses os.LookupEnv.
//
// Recognized variables:
//
//	TICKPIPE_FEED_URL, TICKPIPE_FEED_FORMAT, TICKPIPE_FEED_SUBSCRIBE,
//	TICKPIPE_FEED_HEADERS ("Name=value;Name2=value2"),
//	TICKPIPE_FEED_IDLE_TIMEOUT, TICKPIPE_STORE_DSN, TICKPIPE_STORE_TABLE,
//	TICKPIPE_STORE_MAX_ATTEMPTS, TICKPIPE_BUFFER_CAPACITY, TICKPIPE_BATCH_SIZE,
//	TICKPIPE_BATCH_WINDOW, TICKPIPE_DEAD_LETTER_DIR, TICKPIPE_METRICS_LISTEN,
//	TICKPIPE_LOG_LEVEL, TICKPIPE_LOG_FORMAT
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	e := envReader{lookup: lookup}

	e.str("FEED_URL", &c.Feed.URL)
	e.str("FEED_FORMAT", &c.Feed.Format)
	e.str("FEED_SUBSCRIBE", &c.Feed.Subscribe)
	e.headers("FEED_HEADERS", &c.Feed.Headers)
	e.duration("FEED_IDLE_TIMEOUT", &c.Feed.IdleTimeout)
	e.str("STORE_DSN", &c.Store.DSN)
	e.str("STORE_TABLE", &c.Store.Table)
	e.integer("STORE_MAX_ATTEMPTS", &c.Store.Retry.MaxAttempts)
	e.integer("BUFFER_CAPACITY", &c.Buffer.Capacity)
	e.integer("BATCH_SIZE", &c.Batch.Size)
	e.duration("BATCH_WINDOW", &c.Batch.Window)
	e.str("DEAD_LETTER_DIR", &c.DeadLetter.Dir)
	e.str("METRICS_LISTEN", &c.Metrics.Listen)
	e.str("LOG_LEVEL", &c.Log.Level)
	e.str("LOG_FORMAT", &c.Log.Format)

	return e.err
}

type envReader struct {
	lookup LookupFunc
	err    error
}

func (e *envReader) get(name string) (string, bool) {
	v, ok := e.lookup(EnvPrefix + name)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e *envReader) fail(name, value string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("%s%s=%q: %w", EnvPrefix, name, value, err)
	}
}

func (e *envReader) str(name string, dst *string) {
	if v, ok := e.get(name); ok {
		*dst = v
	}
}

func (e *envReader) integer(name string, dst *int) {
	v, ok := e.get(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(name, v, err)
		return
	}
	*dst = n
}

func (e *envReader) duration(name string, dst *time.Duration) {
	v, ok := e.get(name)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(name, v, err)
		return
	}
	*dst = d
}

func (e *envReader) headers(name string, dst *map[string]string) {
	v, ok := e.get(name)
	if !ok || v == "" {
		return
	}
	if *dst == nil {
		*dst = make(map[string]string)
	}
	for _, pair := range strings.Split(v, ";") {
		if pair == "" {
			continue
		}
		k, val, found := strings.Cut(pair, "=")
		if !found || strings.TrimSpace(k) == "" {
			e.fail(name, v, fmt.Errorf("malformed header %q", pair))
			return
		}
		(*dst)[strings.TrimSpace(k)] = strings.TrimSpace(val)
	}
}
