package sink

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/concert-crawler/internal/crawler"
	"github.com/JakeFAU/concert-crawler/internal/logging"
	"github.com/JakeFAU/concert-crawler/internal/metrics"
)

// AdapterSummary is one adapter line of a RunSummary.
type AdapterSummary struct {
	Adapter   string `json:"adapter"`
	Tier      int    `json:"tier"`
	Outcome   string `json:"outcome"`
	Records   int    `json:"records"`
	ElapsedMS int64  `json:"elapsedMs"`
	Error     string `json:"error,omitempty"`
}

// RunSummary is the payload published when a crawl run completes.
type RunSummary struct {
	RunID        string           `json:"runId"`
	Tier         string           `json:"tier"`
	StartedAt    time.Time        `json:"startedAt"`
	FinishedAt   time.Time        `json:"finishedAt"`
	Canceled     bool             `json:"canceled"`
	Candidates   int              `json:"candidates"`
	Entries      int              `json:"entries"`
	SnapshotPath string           `json:"snapshotPath,omitempty"`
	ArchiveURI   string           `json:"archiveUri,omitempty"`
	Exports      []string         `json:"exports,omitempty"`
	Import       *ImportRecord    `json:"import,omitempty"`
	Adapters     []AdapterSummary `json:"adapters"`
}

// Notifier publishes run summaries.
type Notifier struct {
	publisher crawler.Publisher
	topic     string
	logger    *zap.Logger
}

// NewNotifier builds a Notifier for topic.
func NewNotifier(publisher crawler.Publisher, topic string, logger *zap.Logger) *Notifier {
	return &Notifier{publisher: publisher, topic: topic, logger: logging.OrNop(logger).Named("notify")}
}

// Notify publishes summary and returns the message id.
func (n *Notifier) Notify(ctx context.Context, summary RunSummary) (string, error) {
	id, err := n.publisher.Publish(ctx, n.topic, summary)
	if err != nil {
		metrics.ObserveSink("notify", "error")
		return "", fmt.Errorf("publish run summary: %w", err)
	}
	metrics.ObserveSink("notify", "ok")
	n.logger.Info("run summary published", zap.String("run_id", summary.RunID), zap.String("message_id", id))
	return id, nil
}
