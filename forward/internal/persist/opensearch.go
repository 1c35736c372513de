package persist

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchutil"

	"github.com/telhawk-systems/telhawk-forward/common/logging"
	"github.com/telhawk-systems/telhawk-forward/forward/internal/batch"
)

// OpenSearchConfig holds OpenSearch connection settings.
type OpenSearchConfig struct {
	URL           string
	Username      string
	Password      string
	TLSSkipVerify bool
	IndexPrefix   string
}

// DefaultOpenSearchConfig returns sensible defaults for a local cluster.
func DefaultOpenSearchConfig() OpenSearchConfig {
	return OpenSearchConfig{
		URL:           "https://localhost:9200",
		Username:      "admin",
		Password:      "admin",
		TLSSkipVerify: true,
		IndexPrefix:   "forward-",
	}
}

// OpenSearch bulk-indexes each sub-batch into an index named after its
// destination.
type OpenSearch struct {
	client *opensearch.Client
	naming Naming
	logger *logging.Logger
}

// NewOpenSearch creates an OpenSearch backend. Index names are always
// lowercased since OpenSearch rejects upper case index names.
func NewOpenSearch(cfg OpenSearchConfig, naming Naming, logger *logging.Logger) (*OpenSearch, error) {
	if logger == nil {
		logger = logging.Default()
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.TLSSkipVerify,
			},
		},
	}

	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: httpClient.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}

	naming.Prefix = cfg.IndexPrefix
	naming.Lowercase = true

	return &OpenSearch{client: client, naming: naming, logger: logger}, nil
}

// bulkOutcome collects item failures reported by the bulk indexer workers.
type bulkOutcome struct {
	mu        sync.Mutex
	indexed   int
	transient []string
	rejected  []string
}

func (o *bulkOutcome) success() {
	o.mu.Lock()
	o.indexed++
	o.mu.Unlock()
}

func (o *bulkOutcome) failure(res opensearchutil.BulkIndexerResponseItem, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch {
	case err != nil:
		o.transient = append(o.transient, err.Error())
	case res.Status == http.StatusTooManyRequests || res.Status >= http.StatusInternalServerError:
		o.transient = append(o.transient, fmt.Sprintf("%d %s: %s", res.Status, res.Error.Type, res.Error.Reason))
	default:
		o.rejected = append(o.rejected, fmt.Sprintf("%d %s: %s", res.Status, res.Error.Type, res.Error.Reason))
	}
}

func (o *bulkOutcome) err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.transient) > 0 {
		return Transient(fmt.Errorf("%d documents failed: %s", len(o.transient), strings.Join(o.transient, "; ")))
	}
	if len(o.rejected) > 0 {
		return BadPayload(fmt.Errorf("%d documents rejected: %s", len(o.rejected), strings.Join(o.rejected, "; ")))
	}
	return nil
}

func (s *OpenSearch) Persist(ctx context.Context, b *batch.Batch) error {
	outcome := &bulkOutcome{}

	bi, err := opensearchutil.NewBulkIndexer(opensearchutil.BulkIndexerConfig{
		Client:     s.client,
		NumWorkers: 1,
		OnError: func(ctx context.Context, err error) {
			outcome.failure(opensearchutil.BulkIndexerResponseItem{}, err)
		},
	})
	if err != nil {
		return Runtime(fmt.Errorf("failed to create bulk indexer: %w", err))
	}

	for _, sb := range b.SubBatches() {
		index := s.naming.Name(sb.Destination)
		for _, rec := range Records(sb.Destination, sb.Events) {
			data, err := rec.Encode()
			if err != nil {
				_ = bi.Close(ctx)
				return err
			}

			err = bi.Add(ctx, opensearchutil.BulkIndexerItem{
				Index:  index,
				Action: "index",
				Body:   bytes.NewReader(data),
				OnSuccess: func(ctx context.Context, item opensearchutil.BulkIndexerItem, res opensearchutil.BulkIndexerResponseItem) {
					outcome.success()
				},
				OnFailure: func(ctx context.Context, item opensearchutil.BulkIndexerItem, res opensearchutil.BulkIndexerResponseItem, err error) {
					outcome.failure(res, err)
				},
			})
			if err != nil {
				_ = bi.Close(ctx)
				return Transient(fmt.Errorf("failed to add to bulk indexer: %w", err))
			}
		}
	}

	if err := bi.Close(ctx); err != nil {
		return Transient(fmt.Errorf("bulk indexer close error: %w", err))
	}

	s.logger.DebugContext(ctx, "Batch indexed", logging.Events(outcome.indexed))
	return outcome.err()
}

// Ping verifies the cluster is reachable.
func (s *OpenSearch) Ping(ctx context.Context) error {
	res, err := s.client.Info(s.client.Info.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to connect to opensearch: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("opensearch returned error: %s", res.Status())
	}
	return nil
}

func (s *OpenSearch) Name() string { return "opensearch" }

func (s *OpenSearch) Close() error { return nil }
