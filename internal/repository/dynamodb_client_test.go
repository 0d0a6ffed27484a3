package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"wx-dispatch/internal/domain"
)

type fakeDynamo struct {
	getOuts      map[string]*dynamodb.GetItemOutput // keyed by SK
	getErr       error
	putErr       error
	updateErr    error
	queryOuts    []*dynamodb.QueryOutput
	queryErr     error
	txErr        error
	lastGetInput *dynamodb.GetItemInput
	lastPutInput *dynamodb.PutItemInput
	lastUpdateIn *dynamodb.UpdateItemInput
	queryInputs  []*dynamodb.QueryInput
	lastTxInput  *dynamodb.TransactWriteItemsInput
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.lastGetInput = in
	if f.getErr != nil {
		return nil, f.getErr
	}
	sk := in.Key["SK"].(*types.AttributeValueMemberS).Value
	if out, ok := f.getOuts[sk]; ok {
		return out, nil
	}
	return &dynamodb.GetItemOutput{}, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.lastPutInput = in
	return &dynamodb.PutItemOutput{}, f.putErr
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.lastUpdateIn = in
	return &dynamodb.UpdateItemOutput{}, f.updateErr
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	cp := *in
	f.queryInputs = append(f.queryInputs, &cp)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	if len(f.queryOuts) == 0 {
		return &dynamodb.QueryOutput{}, nil
	}
	out := f.queryOuts[0]
	f.queryOuts = f.queryOuts[1:]
	return out, nil
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.lastTxInput = in
	return &dynamodb.TransactWriteItemsOutput{}, f.txErr
}

func makeStatusItem(chatID int64, echo bool, pending string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":            &types.AttributeValueMemberS{Value: chatPK(chatID)},
		"SK":            &types.AttributeValueMemberS{Value: skStatus},
		"echoEnabled":   &types.AttributeValueMemberBOOL{Value: echo},
		"pendingIntent": &types.AttributeValueMemberS{Value: pending},
		"firstName":     &types.AttributeValueMemberS{Value: "Ada"},
		"chatType":      &types.AttributeValueMemberS{Value: "private"},
		"lastActivity":  &types.AttributeValueMemberS{Value: "2026-10-19T12:00:00Z"},
		"createdAt":     &types.AttributeValueMemberS{Value: "2026-10-01T09:30:00Z"},
		"version":       &types.AttributeValueMemberN{Value: "5"},
	}
}

func mustNewClient(t *testing.T, db *fakeDynamo) *Client {
	t.Helper()
	c, err := New(db, "test-table")
	require.NoError(t, err)
	return c
}

func TestNew_Validates(t *testing.T) {
	_, err := New(nil, "t")
	require.Error(t, err)
	_, err = New(&fakeDynamo{}, " ")
	require.Error(t, err)
}

func TestKeys(t *testing.T) {
	require.Equal(t, "CHAT#-1001", chatPK(-1001))
	require.Equal(t, "EVT#00000000000000000042", eventSK(42))
	require.Less(t, eventSK(9), eventSK(10))
}

// -----------------------------------------------------------------------
// GetConversation
// -----------------------------------------------------------------------

func TestGetConversation_Absent(t *testing.T) {
	db := &fakeDynamo{}
	conv, err := mustNewClient(t, db).GetConversation(context.Background(), 42)
	require.NoError(t, err)
	require.Nil(t, conv)
	require.True(t, aws.ToBool(db.lastGetInput.ConsistentRead))
}

func TestGetConversation_WithLocation(t *testing.T) {
	db := &fakeDynamo{getOuts: map[string]*dynamodb.GetItemOutput{
		skStatus: {Item: makeStatusItem(42, true, string(domain.PendingLocationForWeather))},
		skLocation: {Item: map[string]types.AttributeValue{
			"latitude":  &types.AttributeValueMemberN{Value: "51.5"},
			"longitude": &types.AttributeValueMemberN{Value: "-0.12"},
			"placeName": &types.AttributeValueMemberS{Value: "London"},
			"updatedAt": &types.AttributeValueMemberS{Value: "2026-10-19T12:00:00Z"},
		}},
	}}
	conv, err := mustNewClient(t, db).GetConversation(context.Background(), 42)
	require.NoError(t, err)
	require.NotNil(t, conv)
	require.Equal(t, int64(42), conv.ChatID)
	require.True(t, conv.Status.EchoEnabled)
	require.True(t, conv.AwaitingLocation())
	require.Equal(t, "Ada", conv.Status.Profile.FirstName)
	require.Equal(t, int64(5), conv.Status.Version)
	require.Equal(t, time.Date(2026, 10, 1, 9, 30, 0, 0, time.UTC), conv.CreatedAt)
	require.Equal(t, &domain.Location{
		Latitude:  51.5,
		Longitude: -0.12,
		PlaceName: "London",
		UpdatedAt: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC),
	}, conv.LastLocation)
}

func TestGetConversation_MalformedStatus(t *testing.T) {
	item := makeStatusItem(42, false, "")
	item["lastActivity"] = &types.AttributeValueMemberS{Value: "yesterday"}
	db := &fakeDynamo{getOuts: map[string]*dynamodb.GetItemOutput{skStatus: {Item: item}}}
	_, err := mustNewClient(t, db).GetConversation(context.Background(), 42)
	require.ErrorContains(t, err, "decode status")
}

func TestGetConversation_Error(t *testing.T) {
	db := &fakeDynamo{getErr: errors.New("throttled")}
	_, err := mustNewClient(t, db).GetConversation(context.Background(), 42)
	require.ErrorContains(t, err, "throttled")
}

// -----------------------------------------------------------------------
// Writes
// -----------------------------------------------------------------------

func TestUpsertStatus_KeepsCreatedAt(t *testing.T) {
	db := &fakeDynamo{}
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	err := mustNewClient(t, db).UpsertStatus(context.Background(), 42, domain.Status{
		EchoEnabled:    true,
		PendingIntent:  domain.PendingLocationForWeather,
		Profile:        domain.Profile{FirstName: "Ada"},
		LastActivityAt: now,
	})
	require.NoError(t, err)

	in := db.lastUpdateIn
	require.Equal(t, "test-table", aws.ToString(in.TableName))
	require.Equal(t, chatPK(42), in.Key["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, skStatus, in.Key["SK"].(*types.AttributeValueMemberS).Value)
	require.Contains(t, aws.ToString(in.UpdateExpression), "createdAt = if_not_exists(createdAt, :lastActivity)")
	require.Equal(t, true, in.ExpressionAttributeValues[":echo"].(*types.AttributeValueMemberBOOL).Value)
	require.Equal(t, string(domain.PendingLocationForWeather), in.ExpressionAttributeValues[":pending"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "2026-10-19T12:00:00Z", in.ExpressionAttributeValues[":lastActivity"].(*types.AttributeValueMemberS).Value)
	// version zero creates the item
	require.Equal(t, "attribute_not_exists(PK)", aws.ToString(in.ConditionExpression))
	require.Equal(t, "1", in.ExpressionAttributeValues[":next"].(*types.AttributeValueMemberN).Value)
	require.NotContains(t, in.ExpressionAttributeValues, ":expected")
}

func TestUpsertStatus_ConditionedOnVersion(t *testing.T) {
	db := &fakeDynamo{}
	err := mustNewClient(t, db).UpsertStatus(context.Background(), 42, domain.Status{Version: 3})
	require.NoError(t, err)

	in := db.lastUpdateIn
	require.Equal(t, "#version = :expected", aws.ToString(in.ConditionExpression))
	require.Equal(t, "version", in.ExpressionAttributeNames["#version"])
	require.Equal(t, "3", in.ExpressionAttributeValues[":expected"].(*types.AttributeValueMemberN).Value)
	require.Equal(t, "4", in.ExpressionAttributeValues[":next"].(*types.AttributeValueMemberN).Value)
	require.Contains(t, aws.ToString(in.UpdateExpression), "#version = :next")
}

func TestUpsertStatus_StaleVersion(t *testing.T) {
	db := &fakeDynamo{updateErr: &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}}
	err := mustNewClient(t, db).UpsertStatus(context.Background(), 42, domain.Status{Version: 3})
	require.ErrorIs(t, err, domain.ErrStaleConversation)
}

func TestUpsertStatus_OtherError(t *testing.T) {
	db := &fakeDynamo{updateErr: errors.New("throttled")}
	err := mustNewClient(t, db).UpsertStatus(context.Background(), 42, domain.Status{Version: 3})
	require.ErrorContains(t, err, "throttled")
	require.NotErrorIs(t, err, domain.ErrStaleConversation)
}

func TestUpsertLocation_ConditionedOnStatus(t *testing.T) {
	db := &fakeDynamo{}
	err := mustNewClient(t, db).UpsertLocation(context.Background(), 42, domain.Location{Latitude: 51.5, Longitude: -0.12, PlaceName: "London"})
	require.NoError(t, err)

	items := db.lastTxInput.TransactItems
	require.Len(t, items, 2)
	require.NotNil(t, items[0].ConditionCheck)
	require.Equal(t, "attribute_exists(PK)", aws.ToString(items[0].ConditionCheck.ConditionExpression))
	require.Equal(t, skStatus, items[0].ConditionCheck.Key["SK"].(*types.AttributeValueMemberS).Value)
	require.NotNil(t, items[1].Put)
	require.Equal(t, skLocation, items[1].Put.Item["SK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "51.5", items[1].Put.Item["latitude"].(*types.AttributeValueMemberN).Value)
	require.Equal(t, "London", items[1].Put.Item["placeName"].(*types.AttributeValueMemberS).Value)
}

func TestUpsertLocation_MissingConversation(t *testing.T) {
	db := &fakeDynamo{txErr: &types.TransactionCanceledException{
		Message: aws.String("Transaction cancelled"),
		CancellationReasons: []types.CancellationReason{
			{Code: aws.String("ConditionalCheckFailed")},
			{Code: aws.String("None")},
		},
	}}
	err := mustNewClient(t, db).UpsertLocation(context.Background(), 42, domain.Location{})
	require.ErrorIs(t, err, domain.ErrConversationNotFound)
}

func TestUpsertLocation_OtherError(t *testing.T) {
	db := &fakeDynamo{txErr: errors.New("boom")}
	err := mustNewClient(t, db).UpsertLocation(context.Background(), 42, domain.Location{})
	require.Error(t, err)
	require.NotErrorIs(t, err, domain.ErrConversationNotFound)
}

func TestRecordEvent(t *testing.T) {
	db := &fakeDynamo{}
	ok, err := mustNewClient(t, db).RecordEvent(context.Background(), domain.AuditRecord{
		ChatID: 42, EventID: 7, Kind: "text", Text: "/wx",
		ReceivedAt: time.Unix(1760000000, 0), RecordedAt: time.Unix(1760000001, 5), TTL: 1762592000,
	})
	require.NoError(t, err)
	require.True(t, ok)

	in := db.lastPutInput
	require.Equal(t, "attribute_not_exists(PK) AND attribute_not_exists(SK)", aws.ToString(in.ConditionExpression))
	require.Equal(t, eventSK(7), in.Item["SK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "1762592000", in.Item["ttl"].(*types.AttributeValueMemberN).Value)
	require.Equal(t, "/wx", in.Item["text"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "1760000001000000005", in.Item["recordedAt"].(*types.AttributeValueMemberN).Value)
}

func TestRecordEvent_Duplicate(t *testing.T) {
	db := &fakeDynamo{putErr: &types.ConditionalCheckFailedException{Message: aws.String("exists")}}
	ok, err := mustNewClient(t, db).RecordEvent(context.Background(), domain.AuditRecord{ChatID: 42, EventID: 7})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRecordEvent_Error(t *testing.T) {
	db := &fakeDynamo{putErr: errors.New("throttled")}
	_, err := mustNewClient(t, db).RecordEvent(context.Background(), domain.AuditRecord{ChatID: 42, EventID: 7})
	require.ErrorContains(t, err, "throttled")
}

// -----------------------------------------------------------------------
// Delete and count
// -----------------------------------------------------------------------

func TestDeleteConversation_KeepsAuditItems(t *testing.T) {
	db := &fakeDynamo{}
	require.NoError(t, mustNewClient(t, db).DeleteConversation(context.Background(), 42))

	require.Empty(t, db.queryInputs)
	items := db.lastTxInput.TransactItems
	require.Len(t, items, 2)
	var sks []string
	for _, it := range items {
		require.NotNil(t, it.Delete)
		require.Equal(t, chatPK(42), it.Delete.Key["PK"].(*types.AttributeValueMemberS).Value)
		sks = append(sks, it.Delete.Key["SK"].(*types.AttributeValueMemberS).Value)
	}
	require.ElementsMatch(t, []string{skStatus, skLocation}, sks)
}

func TestDeleteConversation_Error(t *testing.T) {
	db := &fakeDynamo{txErr: errors.New("throttled")}
	err := mustNewClient(t, db).DeleteConversation(context.Background(), 42)
	require.ErrorContains(t, err, "DeleteConversation")
}

func TestCountEvents_SumsPages(t *testing.T) {
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{
		{Count: 3, LastEvaluatedKey: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: chatPK(42)},
			"SK": &types.AttributeValueMemberS{Value: eventSK(3)},
		}},
		{Count: 2},
	}}
	since := time.Unix(1760000000, 0)
	n, err := mustNewClient(t, db).CountEvents(context.Background(), 42, since)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Len(t, db.queryInputs, 2)
	require.NotNil(t, db.queryInputs[1].ExclusiveStartKey)
	in := db.queryInputs[0]
	require.Equal(t, types.SelectCount, in.Select)
	require.Equal(t, "recordedAt >= :since", aws.ToString(in.FilterExpression))
	require.Equal(t, skPrefixEvent, in.ExpressionAttributeValues[":prefix"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "1760000000000000000", in.ExpressionAttributeValues[":since"].(*types.AttributeValueMemberN).Value)
}

func TestCountEvents_Error(t *testing.T) {
	db := &fakeDynamo{queryErr: errors.New("throttled")}
	_, err := mustNewClient(t, db).CountEvents(context.Background(), 42, time.Time{})
	require.ErrorContains(t, err, "CountEvents")
}
