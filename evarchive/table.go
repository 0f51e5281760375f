package evarchive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/guregu/dynamo/v2"
	"github.com/programme-lv/submfeed/submevent"
)

// fixed width so that sort keys order lexically by time
const sortTimeLayout = "2006-01-02T15:04:05.000000000Z"

// EventRow is one archived event. Rows of a submission sort by emission time.
type EventRow struct {
	SubjectID string    `dynamo:"subject_id,hash"`
	SortKey   string    `dynamo:"sort_key,range"` // emitted_at#event_id
	EventID   string    `dynamo:"event_id"`
	Type      string    `dynamo:"type"`
	Status    string    `dynamo:"status,omitempty"`
	EmittedAt time.Time `dynamo:"emitted_at"`
	Payload   string    `dynamo:"payload"` // full event as json
	ExpiresAt time.Time `dynamo:"expires_at,unixtime,omitempty"`
}

func toRow(ev submevent.Event, ttl time.Duration) (EventRow, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return EventRow{}, fmt.Errorf("failed to marshal event: %w", err)
	}
	row := EventRow{
		SubjectID: ev.SubjectID,
		SortKey:   ev.EmittedAt.UTC().Format(sortTimeLayout) + "#" + ev.EventID,
		EventID:   ev.EventID,
		Type:      ev.Type,
		EmittedAt: ev.EmittedAt.UTC(),
		Payload:   string(payload),
	}
	if ev.Status != nil {
		row.Status = *ev.Status
	}
	if ttl > 0 {
		row.ExpiresAt = ev.EmittedAt.Add(ttl)
	}
	return row, nil
}

func (r EventRow) event() (submevent.Event, bool) {
	return submevent.Decode([]byte(r.Payload))
}

type rowStore interface {
	Put(ctx context.Context, row EventRow) error
	Query(ctx context.Context, subjectID string) ([]EventRow, error)
}

// DynamoDbEventTable stores archived events in a DynamoDB table keyed by
// subject_id (hash) and sort_key (range).
type DynamoDbEventTable struct {
	ddbClient   *dynamodb.Client
	tableName   string
	eventsTable *dynamo.Table
}

func NewDynamoDbEventTable(ddbClient *dynamodb.Client, tableName string) *DynamoDbEventTable {
	ddb := &DynamoDbEventTable{
		ddbClient: ddbClient,
		tableName: tableName,
	}
	db := dynamo.NewFromIface(ddb.ddbClient)
	table := db.Table(ddb.tableName)
	ddb.eventsTable = &table
	return ddb
}

func (ddb *DynamoDbEventTable) Put(ctx context.Context, row EventRow) error {
	return ddb.eventsTable.Put(row).Run(ctx)
}

func (ddb *DynamoDbEventTable) Query(ctx context.Context, subjectID string) ([]EventRow, error) {
	var rows []EventRow
	err := ddb.eventsTable.Get("subject_id", subjectID).Order(dynamo.Ascending).All(ctx, &rows)
	if err != nil {
		return nil, err
	}
	return rows, nil
}
