package search

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strconv"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/eventchain/indexer/config"
	"example.com/eventchain/indexer/internal/events"
)

// EventDocument is the searchable projection of an on-chain event
type EventDocument struct {
	EventID          uint64 `json:"event_id"`
	Name             string `json:"name"`
	Location         string `json:"location"`
	EventOwner       string `json:"event_owner"`
	RegistrationOpen bool   `json:"registration_open"`
	BlockNumber      uint64 `json:"block_number"`
	TransactionHash  string `json:"transaction_hash"`
}

// ElasticClient keeps the event search index in step with the store
type ElasticClient struct {
	client *elasticsearch.Client
	config config.ElasticConfig
}

// NewElasticClient creates a new Elasticsearch client
func NewElasticClient(cfg config.ElasticConfig) (*ElasticClient, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Elasticsearch client")
	}

	return &ElasticClient{
		client: client,
		config: cfg,
	}, nil
}

// Observe projects applied events into the index. Only event creation and
// registration closing change the document.
func (c *ElasticClient) Observe(ctx context.Context, ev events.Event) error {
	switch e := ev.(type) {
	case events.NewEventAdded:
		return c.IndexEvent(ctx, EventDocument{
			EventID:          e.EventID,
			Name:             e.Name,
			Location:         e.Location,
			EventOwner:       e.EventOwner,
			RegistrationOpen: true,
			BlockNumber:      e.BlockNumber,
			TransactionHash:  e.TransactionHash.Hex(),
		})
	case events.EndEventRegistration:
		return c.MarkRegistrationClosed(ctx, e.EventID)
	}
	return nil
}

// IndexEvent writes the document keyed by its on-chain id, so replays
// overwrite instead of duplicating
func (c *ElasticClient) IndexEvent(ctx context.Context, doc EventDocument) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "failed to marshal event document")
	}

	req := esapi.IndexRequest{
		Index:      c.index(),
		DocumentID: strconv.FormatUint(doc.EventID, 10),
		Body:       bytes.NewReader(body),
		Refresh:    "true",
	}
	res, err := req.Do(ctx, c.client)
	if err != nil {
		return errors.Wrap(err, "failed to execute Elasticsearch index request")
	}
	defer res.Body.Close()

	if res.IsError() {
		return responseError(res, "index")
	}

	log.Debug().Uint64("event_id", doc.EventID).Msg("event indexed")
	return nil
}

// MarkRegistrationClosed flips registration_open on an indexed event
func (c *ElasticClient) MarkRegistrationClosed(ctx context.Context, eventID uint64) error {
	body, err := json.Marshal(map[string]interface{}{
		"doc": map[string]interface{}{"registration_open": false},
	})
	if err != nil {
		return errors.Wrap(err, "failed to marshal update")
	}

	req := esapi.UpdateRequest{
		Index:      c.index(),
		DocumentID: strconv.FormatUint(eventID, 10),
		Body:       bytes.NewReader(body),
		Refresh:    "true",
	}
	res, err := req.Do(ctx, c.client)
	if err != nil {
		return errors.Wrap(err, "failed to execute Elasticsearch update request")
	}
	defer res.Body.Close()

	if res.IsError() {
		return responseError(res, "update")
	}
	return nil
}

func (c *ElasticClient) index() string {
	return config.FormatIndex(c.config, c.config.Index)
}

func responseError(res *esapi.Response, op string) error {
	raw, _ := io.ReadAll(res.Body)
	var e map[string]interface{}
	if err := json.Unmarshal(raw, &e); err != nil {
		return errors.Errorf("Elasticsearch %s error: %s", op, res.Status())
	}
	return errors.Errorf("Elasticsearch %s error: %v", op, e)
}
