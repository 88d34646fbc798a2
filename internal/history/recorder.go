// Package history records scene activity to InfluxDB: verdict flips and
// executed commands, for dashboards and long term analysis.
package history

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog/log"

	"github.com/NJLangley/stateful-scenes/internal/config"
)

const connectTimeout = 10 * time.Second

// Recorder writes scene activity points through the non-blocking write API.
// Points are batched client-side; a recorder that lost its server drops
// points after the client's internal retries, it never blocks callers.
type Recorder struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
}

// Connect builds the InfluxDB client, verifies the server responds and
// starts the async error drain.
func Connect(cfg config.HistoryConfig) (*Recorder, error) {
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(cfg.BatchSize)).
			SetFlushInterval(uint(time.Duration(cfg.FlushInterval).Milliseconds())))

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influxdb ping: %w", err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("influxdb server not healthy")
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)

	r := &Recorder{client: client, writeAPI: writeAPI}
	go r.drainErrors(writeAPI.Errors())

	log.Info().Str("url", cfg.URL).Str("bucket", cfg.Bucket).Msg("History recorder connected")
	return r, nil
}

// drainErrors logs async write failures. Writes are fire-and-forget, so a
// log line is all the caller ever sees of them.
func (r *Recorder) drainErrors(errs <-chan error) {
	for err := range errs {
		log.Warn().Err(err).Msg("History write failed")
	}
}

// RecordVerdict writes one scene on/off flip.
func (r *Recorder) RecordVerdict(sceneID, name string, on bool) {
	value := 0
	if on {
		value = 1
	}
	point := write.NewPoint(
		"scene_verdict",
		map[string]string{"scene_id": sceneID, "name": name},
		map[string]interface{}{"on": on, "value": value},
		time.Now(),
	)
	r.writeAPI.WritePoint(point)
}

// RecordCommand writes one executed scene command with the surface that
// requested it.
func (r *Recorder) RecordCommand(sceneID, action, source string) {
	point := write.NewPoint(
		"scene_command",
		map[string]string{"scene_id": sceneID, "action": action, "source": source},
		map[string]interface{}{"count": 1},
		time.Now(),
	)
	r.writeAPI.WritePoint(point)
}

// Close flushes pending points and shuts the client down.
func (r *Recorder) Close() {
	r.writeAPI.Flush()
	r.client.Close()
}
