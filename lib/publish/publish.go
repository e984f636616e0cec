// Package publish ships acquired traces to redis: every record goes out on a
// pub/sub channel and into a capped per-instrument history list.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/gotmc/labinst"
)

// Record is the published form of one poll result.
type Record struct {
	Instrument string         `json:"instrument"`
	Session    string         `json:"session"`
	Run        string         `json:"run,omitempty"`
	Seq        uint64         `json:"seq"`
	Time       time.Time      `json:"time"`
	Peak       *labinst.Point `json:"peak,omitempty"`
	Trace      *labinst.Trace `json:"trace,omitempty"`
	Error      string         `json:"error,omitempty"`
	ErrorKind  string         `json:"error_kind,omitempty"`
}

// NewRecord builds the record of one poll result.
func NewRecord(instrument, session, run string, res labinst.PollResult) Record {
	r := Record{Instrument: instrument, Session: session, Run: run, Seq: res.Seq, Time: res.Finished}
	if res.Err != nil {
		r.Error = res.Err.Error()
		r.ErrorKind = labinst.Kind(res.Err)
		return r
	}
	tr := res.Trace
	r.Trace = &tr
	if p, ok := tr.Peak(); ok {
		r.Peak = &p
	}
	return r
}

// Publisher writes records to redis.
type Publisher struct {
	client  *redis.Client
	channel string
	history int64
	log     logrus.FieldLogger
}

// Options configure a Publisher.
type Options struct {
	Addr     string
	Password string
	DB       int
	Channel  string
	History  int
}

// New connects to redis and checks the connection with PING.
func New(ctx context.Context, o Options, log logrus.FieldLogger) (*Publisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     o.Addr,
		Password: o.Password,
		DB:       o.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", o.Addr, err)
	}
	if o.History <= 0 {
		o.History = 100
	}
	log.WithField("addr", o.Addr).Info("redis connected")
	return &Publisher{client: client, channel: o.Channel, history: int64(o.History), log: log}, nil
}

// HistoryKey is the list holding the latest records of instrument.
func (p *Publisher) HistoryKey(instrument string) string {
	return fmt.Sprintf("%s:%s:history", p.channel, instrument)
}

// Publish sends r to the channel and prepends it to the history list,
// trimmed to the configured length.
func (p *Publisher) Publish(ctx context.Context, r Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	key := p.HistoryKey(r.Instrument)
	pipe := p.client.TxPipeline()
	pipe.Publish(ctx, p.channel, data)
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, p.history-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publishing %s record %d: %w", r.Instrument, r.Seq, err)
	}
	return nil
}

// Latest returns up to n of the most recent records of instrument, newest
// first.
func (p *Publisher) Latest(ctx context.Context, instrument string, n int) ([]Record, error) {
	if n <= 0 {
		return nil, nil
	}
	raw, err := p.client.LRange(ctx, p.HistoryKey(instrument), 0, int64(n-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(raw))
	for _, s := range raw {
		var r Record
		if err := json.Unmarshal([]byte(s), &r); err != nil {
			p.log.WithError(err).Warn("skipping undecodable history entry")
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// Close releases the redis connection pool.
func (p *Publisher) Close() error { return p.client.Close() }
