// Package storage holds the query-side persistence: denormalized read-model
// tables written by the projectors and read by the API, plus the redis cache
// in front of them.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
)

// ErrNotFound means the read model has no row for the requested id. The view
// may simply not have been projected yet.
var ErrNotFound = errors.New("read model row not found")

// Tables names the four read-model tables.
type Tables struct {
	Deliveries string
	Routes     string
	Fleet      string
	Audit      string
}

// ReadModel is the table-backed store for projected views. Deliveries and
// routes use one partition per aggregate with typed row keys; the fleet table
// holds vehicles and drivers side by side; the audit table is insert-only.
type ReadModel struct {
	deliveries *aztables.Client
	routes     *aztables.Client
	fleet      *aztables.Client
	audit      *aztables.Client
}

func NewReadModel(connStr string, t Tables) (*ReadModel, error) {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		return nil, fmt.Errorf("read model: %w", err)
	}
	return &ReadModel{
		deliveries: svc.NewClient(t.Deliveries),
		routes:     svc.NewClient(t.Routes),
		fleet:      svc.NewClient(t.Fleet),
		audit:      svc.NewClient(t.Audit),
	}, nil
}

const (
	summaryRowKey = "summary"
	vehicleRowKey = "vehicle"
	driverRowKey  = "driver"

	checkpointRowPrefix = "checkpoint-"
	incidentRowPrefix   = "incident-"
)

func checkpointRowKey(sequence int) string {
	return fmt.Sprintf("%s%010d", checkpointRowPrefix, sequence)
}

func auditRowKey(version int64) string {
	return fmt.Sprintf("%020d", version)
}

// Projector input rows. Patches carry pointers so a merge only touches the
// fields the event actually changed.

type DeliverySummaryRow struct {
	ID        string
	RouteID   string
	DriverID  string
	VehicleID string
	Status    string
	UpdatedAt time.Time
}

type DeliverySummaryPatch struct {
	ID                string
	Status            *string
	CurrentCheckpoint *string
	Proof             *ProofView
	UpdatedAt         time.Time
}

type DeliveryCheckpointRow struct {
	DeliveryID string
	Sequence   int
	Location   string
	ReachedAt  time.Time
}

type IncidentRow struct {
	DeliveryID  string
	IncidentID  string
	Kind        string
	Description string
	ReportedAt  time.Time
}

type RouteSummaryRow struct {
	ID             string
	Origin         string
	Destination    string
	Status         string
	ScheduledStart time.Time
	UpdatedAt      time.Time
}

type RouteSummaryPatch struct {
	ID           string
	Status       *string
	ScheduledEnd *time.Time
	UpdatedAt    time.Time
}

type RouteCheckpointRow struct {
	RouteID      string
	Sequence     int
	Location     string
	ExpectedTime time.Time
}

type VehicleRow struct {
	ID           string
	Registration string
	VehicleType  string
	Status       string
	UpdatedAt    time.Time
}

type VehiclePatch struct {
	ID               string
	Status           *string
	AssignedDriverID *string
	UpdatedAt        time.Time
}

type DriverRow struct {
	ID        string
	Name      string
	License   string
	Status    string
	UpdatedAt time.Time
}

type DriverPatch struct {
	ID        string
	Status    *string
	UpdatedAt time.Time
}

// Table entities. Timestamps are stored as RFC3339Nano strings.

type tableEntity struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
}

type deliverySummaryEntity struct {
	tableEntity
	RouteID           string `json:"RouteId,omitempty"`
	DriverID          string `json:"DriverId,omitempty"`
	VehicleID         string `json:"VehicleId,omitempty"`
	Status            string `json:"Status,omitempty"`
	CurrentCheckpoint string `json:"CurrentCheckpoint,omitempty"`
	ProofSignature    string `json:"ProofSignature,omitempty"`
	ProofReceiver     string `json:"ProofReceiver,omitempty"`
	ProofCapturedAt   string `json:"ProofCapturedAt,omitempty"`
	UpdatedAt         string `json:"UpdatedAt,omitempty"`
}

type deliverySummaryUpdate struct {
	tableEntity
	Status            *string `json:"Status,omitempty"`
	CurrentCheckpoint *string `json:"CurrentCheckpoint,omitempty"`
	ProofSignature    *string `json:"ProofSignature,omitempty"`
	ProofReceiver     *string `json:"ProofReceiver,omitempty"`
	ProofCapturedAt   *string `json:"ProofCapturedAt,omitempty"`
	UpdatedAt         string  `json:"UpdatedAt,omitempty"`
}

type checkpointEntity struct {
	tableEntity
	Sequence     int    `json:"Sequence"`
	Location     string `json:"Location,omitempty"`
	ReachedAt    string `json:"ReachedAt,omitempty"`
	ExpectedTime string `json:"ExpectedTime,omitempty"`
}

type incidentEntity struct {
	tableEntity
	Kind        string `json:"Kind,omitempty"`
	Description string `json:"Description,omitempty"`
	ReportedAt  string `json:"ReportedAt,omitempty"`
	Resolved    bool   `json:"Resolved"`
	ResolvedAt  string `json:"ResolvedAt,omitempty"`
}

type incidentUpdate struct {
	tableEntity
	Resolved   *bool   `json:"Resolved,omitempty"`
	ResolvedAt *string `json:"ResolvedAt,omitempty"`
}

type routeSummaryEntity struct {
	tableEntity
	Origin         string `json:"Origin,omitempty"`
	Destination    string `json:"Destination,omitempty"`
	Status         string `json:"Status,omitempty"`
	ScheduledStart string `json:"ScheduledStart,omitempty"`
	ScheduledEnd   string `json:"ScheduledEnd,omitempty"`
	UpdatedAt      string `json:"UpdatedAt,omitempty"`
}

type routeSummaryUpdate struct {
	tableEntity
	Status       *string `json:"Status,omitempty"`
	ScheduledEnd *string `json:"ScheduledEnd,omitempty"`
	UpdatedAt    string  `json:"UpdatedAt,omitempty"`
}

type vehicleEntity struct {
	tableEntity
	Registration     string `json:"Registration,omitempty"`
	VehicleType      string `json:"VehicleType,omitempty"`
	Status           string `json:"Status,omitempty"`
	AssignedDriverID string `json:"AssignedDriverId,omitempty"`
	UpdatedAt        string `json:"UpdatedAt,omitempty"`
}

type vehicleUpdate struct {
	tableEntity
	Status           *string `json:"Status,omitempty"`
	AssignedDriverID *string `json:"AssignedDriverId,omitempty"`
	UpdatedAt        string  `json:"UpdatedAt,omitempty"`
}

type driverEntity struct {
	tableEntity
	Name      string `json:"Name,omitempty"`
	License   string `json:"License,omitempty"`
	Status    string `json:"Status,omitempty"`
	UpdatedAt string `json:"UpdatedAt,omitempty"`
}

type driverUpdate struct {
	tableEntity
	Status    *string `json:"Status,omitempty"`
	UpdatedAt string  `json:"UpdatedAt,omitempty"`
}

type auditEntity struct {
	tableEntity
	AggregateType string `json:"AggregateType,omitempty"`
	EventType     string `json:"EventType,omitempty"`
	Summary       string `json:"Summary,omitempty"`
	OccurredAt    string `json:"OccurredAt,omitempty"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func isConflict(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == 409
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == 404
}

func upsert(ctx context.Context, table *aztables.Client, ent any) error {
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	_, err = table.UpsertEntity(ctx, payload, nil)
	return err
}

func merge(ctx context.Context, table *aztables.Client, ent any) error {
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	mode := aztables.UpdateModeMerge
	_, err = table.UpsertEntity(ctx, payload, &aztables.UpsertEntityOptions{UpdateMode: mode})
	return err
}

// insertOnce adds a row and treats an existing row as success, making replays
// of the same event a no-op.
func insertOnce(ctx context.Context, table *aztables.Client, ent any) error {
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	if _, err := table.AddEntity(ctx, payload, nil); err != nil && !isConflict(err) {
		return err
	}
	return nil
}

// Projector writes.

func (m *ReadModel) UpsertDeliverySummary(ctx context.Context, row DeliverySummaryRow) error {
	return upsert(ctx, m.deliveries, deliverySummaryEntity{
		tableEntity: tableEntity{PartitionKey: row.ID, RowKey: summaryRowKey},
		RouteID:     row.RouteID,
		DriverID:    row.DriverID,
		VehicleID:   row.VehicleID,
		Status:      row.Status,
		UpdatedAt:   formatTime(row.UpdatedAt),
	})
}

func (m *ReadModel) MergeDeliverySummary(ctx context.Context, patch DeliverySummaryPatch) error {
	upd := deliverySummaryUpdate{
		tableEntity:       tableEntity{PartitionKey: patch.ID, RowKey: summaryRowKey},
		Status:            patch.Status,
		CurrentCheckpoint: patch.CurrentCheckpoint,
		UpdatedAt:         formatTime(patch.UpdatedAt),
	}
	if patch.Proof != nil {
		upd.ProofSignature = &patch.Proof.Signature
		upd.ProofReceiver = &patch.Proof.Receiver
		capturedAt := formatTime(patch.Proof.CapturedAt)
		upd.ProofCapturedAt = &capturedAt
	}
	return merge(ctx, m.deliveries, upd)
}

func (m *ReadModel) InsertDeliveryCheckpoint(ctx context.Context, row DeliveryCheckpointRow) error {
	return insertOnce(ctx, m.deliveries, checkpointEntity{
		tableEntity: tableEntity{PartitionKey: row.DeliveryID, RowKey: checkpointRowKey(row.Sequence)},
		Sequence:    row.Sequence,
		Location:    row.Location,
		ReachedAt:   formatTime(row.ReachedAt),
	})
}

func (m *ReadModel) UpsertIncident(ctx context.Context, row IncidentRow) error {
	return upsert(ctx, m.deliveries, incidentEntity{
		tableEntity: tableEntity{PartitionKey: row.DeliveryID, RowKey: incidentRowPrefix + row.IncidentID},
		Kind:        row.Kind,
		Description: row.Description,
		ReportedAt:  formatTime(row.ReportedAt),
	})
}

func (m *ReadModel) ResolveIncident(ctx context.Context, deliveryID, incidentID string, resolvedAt time.Time) error {
	resolved := true
	at := formatTime(resolvedAt)
	return merge(ctx, m.deliveries, incidentUpdate{
		tableEntity: tableEntity{PartitionKey: deliveryID, RowKey: incidentRowPrefix + incidentID},
		Resolved:    &resolved,
		ResolvedAt:  &at,
	})
}

func (m *ReadModel) UpsertRouteSummary(ctx context.Context, row RouteSummaryRow) error {
	return upsert(ctx, m.routes, routeSummaryEntity{
		tableEntity:    tableEntity{PartitionKey: row.ID, RowKey: summaryRowKey},
		Origin:         row.Origin,
		Destination:    row.Destination,
		Status:         row.Status,
		ScheduledStart: formatTime(row.ScheduledStart),
		UpdatedAt:      formatTime(row.UpdatedAt),
	})
}

func (m *ReadModel) MergeRouteSummary(ctx context.Context, patch RouteSummaryPatch) error {
	return merge(ctx, m.routes, routeSummaryUpdate{
		tableEntity:  tableEntity{PartitionKey: patch.ID, RowKey: summaryRowKey},
		Status:       patch.Status,
		ScheduledEnd: formatTimePtr(patch.ScheduledEnd),
		UpdatedAt:    formatTime(patch.UpdatedAt),
	})
}

// UpsertRouteCheckpoint replaces the row because route checkpoints can be
// edited during planning, unlike delivery checkpoints which are facts.
func (m *ReadModel) UpsertRouteCheckpoint(ctx context.Context, row RouteCheckpointRow) error {
	return upsert(ctx, m.routes, checkpointEntity{
		tableEntity:  tableEntity{PartitionKey: row.RouteID, RowKey: checkpointRowKey(row.Sequence)},
		Sequence:     row.Sequence,
		Location:     row.Location,
		ExpectedTime: formatTime(row.ExpectedTime),
	})
}

func (m *ReadModel) UpsertVehicle(ctx context.Context, row VehicleRow) error {
	return upsert(ctx, m.fleet, vehicleEntity{
		tableEntity:  tableEntity{PartitionKey: row.ID, RowKey: vehicleRowKey},
		Registration: row.Registration,
		VehicleType:  row.VehicleType,
		Status:       row.Status,
		UpdatedAt:    formatTime(row.UpdatedAt),
	})
}

func (m *ReadModel) MergeVehicle(ctx context.Context, patch VehiclePatch) error {
	return merge(ctx, m.fleet, vehicleUpdate{
		tableEntity:      tableEntity{PartitionKey: patch.ID, RowKey: vehicleRowKey},
		Status:           patch.Status,
		AssignedDriverID: patch.AssignedDriverID,
		UpdatedAt:        formatTime(patch.UpdatedAt),
	})
}

func (m *ReadModel) UpsertDriver(ctx context.Context, row DriverRow) error {
	return upsert(ctx, m.fleet, driverEntity{
		tableEntity: tableEntity{PartitionKey: row.ID, RowKey: driverRowKey},
		Name:        row.Name,
		License:     row.License,
		Status:      row.Status,
		UpdatedAt:   formatTime(row.UpdatedAt),
	})
}

func (m *ReadModel) MergeDriver(ctx context.Context, patch DriverPatch) error {
	return merge(ctx, m.fleet, driverUpdate{
		tableEntity: tableEntity{PartitionKey: patch.ID, RowKey: driverRowKey},
		Status:      patch.Status,
		UpdatedAt:   formatTime(patch.UpdatedAt),
	})
}

// AppendAudit writes one audit line per applied event. The row key is the
// event version, so replaying a delivered event leaves a single line.
func (m *ReadModel) AppendAudit(ctx context.Context, entry AuditEntry) error {
	return insertOnce(ctx, m.audit, auditEntity{
		tableEntity:   tableEntity{PartitionKey: entry.AggregateID, RowKey: auditRowKey(entry.Version)},
		AggregateType: entry.AggregateType,
		EventType:     entry.EventType,
		Summary:       entry.Summary,
		OccurredAt:    formatTime(entry.OccurredAt),
	})
}

// API reads.

func (m *ReadModel) GetDelivery(ctx context.Context, id string) (*DeliveryView, error) {
	view := &DeliveryView{ID: id, Checkpoints: []DeliveryCheckpointView{}, Incidents: []IncidentView{}}
	haveSummary := false

	filter := "PartitionKey eq '" + id + "'"
	pager := m.deliveries.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("load delivery %s: %w", id, err)
		}
		for _, raw := range resp.Entities {
			var base tableEntity
			if err := json.Unmarshal(raw, &base); err != nil {
				return nil, fmt.Errorf("decode delivery row for %s: %w", id, err)
			}
			switch {
			case base.RowKey == summaryRowKey:
				var ent deliverySummaryEntity
				if err := json.Unmarshal(raw, &ent); err != nil {
					return nil, fmt.Errorf("decode delivery summary for %s: %w", id, err)
				}
				haveSummary = true
				view.RouteID = ent.RouteID
				view.DriverID = ent.DriverID
				view.VehicleID = ent.VehicleID
				view.Status = ent.Status
				view.CurrentCheckpoint = ent.CurrentCheckpoint
				view.UpdatedAt = parseTime(ent.UpdatedAt)
				if ent.ProofSignature != "" {
					view.Proof = &ProofView{
						Signature:  ent.ProofSignature,
						Receiver:   ent.ProofReceiver,
						CapturedAt: parseTime(ent.ProofCapturedAt),
					}
				}
			case strings.HasPrefix(base.RowKey, checkpointRowPrefix):
				var ent checkpointEntity
				if err := json.Unmarshal(raw, &ent); err != nil {
					return nil, fmt.Errorf("decode delivery checkpoint for %s: %w", id, err)
				}
				view.Checkpoints = append(view.Checkpoints, DeliveryCheckpointView{
					Sequence:  ent.Sequence,
					Location:  ent.Location,
					ReachedAt: parseTime(ent.ReachedAt),
				})
			case strings.HasPrefix(base.RowKey, incidentRowPrefix):
				var ent incidentEntity
				if err := json.Unmarshal(raw, &ent); err != nil {
					return nil, fmt.Errorf("decode incident for %s: %w", id, err)
				}
				in := IncidentView{
					ID:          strings.TrimPrefix(base.RowKey, incidentRowPrefix),
					Kind:        ent.Kind,
					Description: ent.Description,
					ReportedAt:  parseTime(ent.ReportedAt),
					Resolved:    ent.Resolved,
				}
				if ent.ResolvedAt != "" {
					at := parseTime(ent.ResolvedAt)
					in.ResolvedAt = &at
				}
				view.Incidents = append(view.Incidents, in)
			}
		}
	}
	if !haveSummary {
		return nil, fmt.Errorf("delivery %s: %w", id, ErrNotFound)
	}
	sort.Slice(view.Checkpoints, func(i, j int) bool {
		return view.Checkpoints[i].Sequence < view.Checkpoints[j].Sequence
	})
	sort.Slice(view.Incidents, func(i, j int) bool {
		return view.Incidents[i].ReportedAt.Before(view.Incidents[j].ReportedAt)
	})
	return view, nil
}

func (m *ReadModel) GetRoute(ctx context.Context, id string) (*RouteView, error) {
	view := &RouteView{ID: id, Checkpoints: []RouteCheckpointView{}}
	haveSummary := false

	filter := "PartitionKey eq '" + id + "'"
	pager := m.routes.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("load route %s: %w", id, err)
		}
		for _, raw := range resp.Entities {
			var base tableEntity
			if err := json.Unmarshal(raw, &base); err != nil {
				return nil, fmt.Errorf("decode route row for %s: %w", id, err)
			}
			switch {
			case base.RowKey == summaryRowKey:
				var ent routeSummaryEntity
				if err := json.Unmarshal(raw, &ent); err != nil {
					return nil, fmt.Errorf("decode route summary for %s: %w", id, err)
				}
				haveSummary = true
				view.Origin = ent.Origin
				view.Destination = ent.Destination
				view.Status = ent.Status
				view.ScheduledStart = parseTime(ent.ScheduledStart)
				view.UpdatedAt = parseTime(ent.UpdatedAt)
				if ent.ScheduledEnd != "" {
					end := parseTime(ent.ScheduledEnd)
					view.ScheduledEnd = &end
				}
			case strings.HasPrefix(base.RowKey, checkpointRowPrefix):
				var ent checkpointEntity
				if err := json.Unmarshal(raw, &ent); err != nil {
					return nil, fmt.Errorf("decode route checkpoint for %s: %w", id, err)
				}
				view.Checkpoints = append(view.Checkpoints, RouteCheckpointView{
					Sequence:     ent.Sequence,
					Location:     ent.Location,
					ExpectedTime: parseTime(ent.ExpectedTime),
				})
			}
		}
	}
	if !haveSummary {
		return nil, fmt.Errorf("route %s: %w", id, ErrNotFound)
	}
	sort.Slice(view.Checkpoints, func(i, j int) bool {
		return view.Checkpoints[i].Sequence < view.Checkpoints[j].Sequence
	})
	return view, nil
}

func (m *ReadModel) GetVehicle(ctx context.Context, id string) (*VehicleView, error) {
	resp, err := m.fleet.GetEntity(ctx, id, vehicleRowKey, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("vehicle %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("load vehicle %s: %w", id, err)
	}
	var ent vehicleEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return nil, fmt.Errorf("decode vehicle %s: %w", id, err)
	}
	return &VehicleView{
		ID:               id,
		Registration:     ent.Registration,
		VehicleType:      ent.VehicleType,
		Status:           ent.Status,
		AssignedDriverID: ent.AssignedDriverID,
		UpdatedAt:        parseTime(ent.UpdatedAt),
	}, nil
}

func (m *ReadModel) GetDriver(ctx context.Context, id string) (*DriverView, error) {
	resp, err := m.fleet.GetEntity(ctx, id, driverRowKey, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("driver %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("load driver %s: %w", id, err)
	}
	var ent driverEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return nil, fmt.Errorf("decode driver %s: %w", id, err)
	}
	return &DriverView{
		ID:        id,
		Name:      ent.Name,
		License:   ent.License,
		Status:    ent.Status,
		UpdatedAt: parseTime(ent.UpdatedAt),
	}, nil
}

// GetAuditLog returns the audit trail for one aggregate in version order.
func (m *ReadModel) GetAuditLog(ctx context.Context, aggregateID string) ([]AuditEntry, error) {
	filter := "PartitionKey eq '" + aggregateID + "'"
	pager := m.audit.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	entries := []AuditEntry{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("load audit log for %s: %w", aggregateID, err)
		}
		for _, raw := range resp.Entities {
			var ent auditEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, fmt.Errorf("decode audit row for %s: %w", aggregateID, err)
			}
			version, _ := strconv.ParseInt(ent.RowKey, 10, 64)
			entries = append(entries, AuditEntry{
				AggregateID:   aggregateID,
				AggregateType: ent.AggregateType,
				Version:       version,
				EventType:     ent.EventType,
				Summary:       ent.Summary,
				OccurredAt:    parseTime(ent.OccurredAt),
			})
		}
	}
	return entries, nil
}
