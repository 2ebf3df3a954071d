package helpers

import (
	"bytes"
	"encoding/json"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// ElasticErrorHook is a logrus.Hook that indexes handled pipeline errors
// (soft and critical alike, see ErrorManager) into Elasticsearch as
// they're emitted.
type ElasticErrorHook struct {
	es    *elasticsearch.Client
	index string
}

// NewElasticErrorHook constructs a hook indexing documents into index
// via client.
func NewElasticErrorHook(client *elasticsearch.Client, index string) *ElasticErrorHook {
	return &ElasticErrorHook{es: client, index: index}
}

// Levels implements logrus.Hook. The error manager emits every handled
// error, soft or critical, at Error level, so that is the only level
// shipped.
func (h *ElasticErrorHook) Levels() []logrus.Level {
	return []logrus.Level{logrus.ErrorLevel}
}

// Fire implements logrus.Hook.
func (h *ElasticErrorHook) Fire(entry *logrus.Entry) error {
	doc := map[string]interface{}{
		"stage":   entry.Data["stage"],
		"batch":   entry.Data["batch"],
		"level":   entry.Level.String(),
		"message": entry.Message,
		"time":    entry.Time,
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(doc); err != nil {
		return xerrors.Errorf("elastic error hook: %w", err)
	}

	res, err := h.es.Index(h.index, &buf)
	if err != nil {
		return xerrors.Errorf("elastic error hook: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return xerrors.Errorf("elastic error hook: indexing failed: %s", res.String())
	}
	return nil
}
