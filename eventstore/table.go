package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"fleetstream/domain"
)

// TableStore keeps the event log in a single table: PartitionKey is the
// aggregate id, RowKey the zero-padded version. Rows are written insert-only,
// so uniqueness of (id, version) closes the race between the expected-version
// check and the append.
type TableStore struct {
	table *aztables.Client
}

// NewTableStore connects to the event log table.
func NewTableStore(connStr, tableName string) (*TableStore, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, fmt.Errorf("event store: %w", err)
	}
	return &TableStore{table: svc.NewClient(tableName)}, nil
}

// NewTableStoreFromClient wraps an existing table client.
func NewTableStoreFromClient(c *aztables.Client) *TableStore {
	return &TableStore{table: c}
}

type eventEntity struct {
	aztables.Entity
	AggregateType string `json:"AggregateType"`
	EventType     string `json:"EventType"`
	Data          string `json:"Data"`
	OccurredAt    string `json:"OccurredAt"`
	Version       int64  `json:"Version,string"`
	VersionType   string `json:"Version@odata.type"`
}

func versionRowKey(v int64) string {
	return fmt.Sprintf("%020d", v)
}

func (s *TableStore) SaveEvents(ctx context.Context, aggregateID string, events []domain.Event, expectedVersion int64, aggregateType string) ([]domain.Event, error) {
	if len(events) == 0 {
		return nil, nil
	}
	if err := s.checkExpectedVersion(ctx, aggregateID, expectedVersion); err != nil {
		return nil, err
	}

	saved := make([]domain.Event, len(events))
	actions := make([]aztables.TransactionAction, 0, len(events))
	for i, ev := range events {
		ev.AggregateID = aggregateID
		ev.AggregateType = aggregateType
		ev.Version = expectedVersion + int64(i) + 1
		if ev.OccurredAt.IsZero() {
			ev.OccurredAt = time.Now().UTC()
		}
		saved[i] = ev

		payload, err := json.Marshal(eventEntity{
			Entity: aztables.Entity{
				PartitionKey: aggregateID,
				RowKey:       versionRowKey(ev.Version),
			},
			AggregateType: aggregateType,
			EventType:     ev.Type,
			Data:          string(ev.Data),
			OccurredAt:    ev.OccurredAt.Format(time.RFC3339Nano),
			Version:       ev.Version,
			VersionType:   "Edm.Int64",
		})
		if err != nil {
			return nil, fmt.Errorf("encode event %s v%d: %w", ev.Type, ev.Version, err)
		}
		actions = append(actions, aztables.TransactionAction{
			ActionType: aztables.TransactionTypeAdd,
			Entity:     payload,
		})
	}

	if _, err := s.table.SubmitTransaction(ctx, actions, nil); err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == 409 {
			return nil, fmt.Errorf("aggregate %s at or past version %d: %w", aggregateID, expectedVersion+1, ErrConcurrencyConflict)
		}
		return nil, fmt.Errorf("append events for %s: %w", aggregateID, err)
	}
	return saved, nil
}

// checkExpectedVersion rejects stale and too-far-ahead expectations before
// the insert-only batch settles any remaining race.
func (s *TableStore) checkExpectedVersion(ctx context.Context, aggregateID string, expectedVersion int64) error {
	if expectedVersion > 0 {
		if _, err := s.table.GetEntity(ctx, aggregateID, versionRowKey(expectedVersion), nil); err != nil {
			var respErr *azcore.ResponseError
			if errors.As(err, &respErr) && respErr.StatusCode == 404 {
				return fmt.Errorf("aggregate %s has no version %d: %w", aggregateID, expectedVersion, ErrConcurrencyConflict)
			}
			return fmt.Errorf("check version for %s: %w", aggregateID, err)
		}
	}

	filter := "PartitionKey eq '" + aggregateID + "' and RowKey gt '" + versionRowKey(expectedVersion) + "'"
	top := int32(1)
	pager := s.table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter, Top: &top})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("check version for %s: %w", aggregateID, err)
		}
		if len(resp.Entities) > 0 {
			return fmt.Errorf("aggregate %s is past version %d: %w", aggregateID, expectedVersion, ErrConcurrencyConflict)
		}
	}
	return nil
}

func (s *TableStore) GetEvents(ctx context.Context, aggregateID string) ([]domain.Event, error) {
	filter := "PartitionKey eq '" + aggregateID + "'"
	pager := s.table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	events := []domain.Event{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("load events for %s: %w", aggregateID, err)
		}
		for _, raw := range resp.Entities {
			var ent eventEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, fmt.Errorf("decode event row for %s: %w", aggregateID, err)
			}
			ev, err := entityToEvent(ent)
			if err != nil {
				return nil, err
			}
			events = append(events, ev)
		}
	}
	return events, nil
}

func (s *TableStore) GetAggregateIDsByType(ctx context.Context, aggregateType string) ([]string, error) {
	// Every stream starts at version 1, so matching that row yields each
	// aggregate id exactly once.
	filter := "AggregateType eq '" + aggregateType + "' and RowKey eq '" + versionRowKey(1) + "'"
	sel := "PartitionKey,RowKey"
	pager := s.table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter, Select: &sel})
	ids := []string{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s aggregates: %w", aggregateType, err)
		}
		for _, raw := range resp.Entities {
			var ent aztables.Entity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, fmt.Errorf("decode %s aggregate row: %w", aggregateType, err)
			}
			ids = append(ids, ent.PartitionKey)
		}
	}
	return ids, nil
}

func entityToEvent(ent eventEntity) (domain.Event, error) {
	occurredAt, err := time.Parse(time.RFC3339Nano, ent.OccurredAt)
	if err != nil {
		return domain.Event{}, fmt.Errorf("parse occurred-at for %s v%d: %w", ent.PartitionKey, ent.Version, err)
	}
	version := ent.Version
	if version == 0 {
		version, err = strconv.ParseInt(ent.RowKey, 10, 64)
		if err != nil {
			return domain.Event{}, fmt.Errorf("parse version row key %q: %w", ent.RowKey, err)
		}
	}
	return domain.Event{
		AggregateID:   ent.PartitionKey,
		AggregateType: ent.AggregateType,
		Version:       version,
		Type:          ent.EventType,
		OccurredAt:    occurredAt,
		Data:          json.RawMessage(ent.Data),
	}, nil
}
