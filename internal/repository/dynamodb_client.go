package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"wx-dispatch/internal/domain"
)

const (
	skStatus      = "STATUS"
	skLocation    = "LOCATION"
	skPrefixEvent = "EVT#"
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client stores conversations in a single DynamoDB table. Each chat is one
// partition holding a STATUS item, an optional LOCATION item and EVT# audit
// items that expire through the table TTL attribute.
type Client struct {
	api       dynamodbAPI
	tableName string
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName}, nil
}

// chatPK returns the DynamoDB partition key for a chat.
func chatPK(chatID int64) string {
	return "CHAT#" + strconv.FormatInt(chatID, 10)
}

// eventSK zero-pads the event id so sort order follows delivery order.
func eventSK(eventID int64) string {
	return fmt.Sprintf("%s%020d", skPrefixEvent, eventID)
}

func (c *Client) key(chatID int64, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: chatPK(chatID)},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

// GetConversation returns the conversation for chatID, or nil if it has not
// been onboarded.
func (c *Client) GetConversation(ctx context.Context, chatID int64) (*domain.Conversation, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            c.key(chatID, skStatus),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: GetConversation get status: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}
	conv, err := itemToConversation(chatID, out.Item)
	if err != nil {
		return nil, fmt.Errorf("repository: GetConversation decode status: %w", err)
	}

	locOut, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            c.key(chatID, skLocation),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: GetConversation get location: %w", err)
	}
	if locOut != nil && len(locOut.Item) > 0 {
		loc, err := itemToLocation(locOut.Item)
		if err != nil {
			return nil, fmt.Errorf("repository: GetConversation decode location: %w", err)
		}
		conv.LastLocation = &loc
	}
	return conv, nil
}

// UpsertStatus creates the STATUS item or overwrites its fields, keeping the
// original createdAt. The write is conditioned on status.Version: zero
// requires the item to be absent, anything else must equal the stored
// version. The stored version is advanced by one.
func (c *Client) UpsertStatus(ctx context.Context, chatID int64, status domain.Status) error {
	p := status.Profile
	values := map[string]types.AttributeValue{
		":chatId":       &types.AttributeValueMemberN{Value: strconv.FormatInt(chatID, 10)},
		":echo":         &types.AttributeValueMemberBOOL{Value: status.EchoEnabled},
		":pending":      &types.AttributeValueMemberS{Value: string(status.PendingIntent)},
		":username":     &types.AttributeValueMemberS{Value: p.Username},
		":firstName":    &types.AttributeValueMemberS{Value: p.FirstName},
		":lastName":     &types.AttributeValueMemberS{Value: p.LastName},
		":lang":         &types.AttributeValueMemberS{Value: p.LanguageCode},
		":chatType":     &types.AttributeValueMemberS{Value: p.ChatType},
		":lastActivity": &types.AttributeValueMemberS{Value: formatTime(status.LastActivityAt)},
		":next":         &types.AttributeValueMemberN{Value: strconv.FormatInt(status.Version+1, 10)},
	}
	condition := "attribute_not_exists(PK)"
	if status.Version > 0 {
		condition = "#version = :expected"
		values[":expected"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(status.Version, 10)}
	}

	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.tableName),
		Key:       c.key(chatID, skStatus),
		UpdateExpression: aws.String("SET chatId = :chatId, echoEnabled = :echo, pendingIntent = :pending, " +
			"username = :username, firstName = :firstName, lastName = :lastName, " +
			"languageCode = :lang, chatType = :chatType, lastActivity = :lastActivity, " +
			"createdAt = if_not_exists(createdAt, :lastActivity), #version = :next"),
		ConditionExpression:       aws.String(condition),
		ExpressionAttributeNames:  map[string]string{"#version": "version"},
		ExpressionAttributeValues: values,
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return fmt.Errorf("repository: UpsertStatus chat %d version %d: %w", chatID, status.Version, domain.ErrStaleConversation)
		}
		return fmt.Errorf("repository: UpsertStatus: %w", err)
	}
	return nil
}

// UpsertLocation replaces the LOCATION item. The write is conditioned on the
// STATUS item in the same transaction, so it never creates a location for a
// conversation that does not exist.
func (c *Client) UpsertLocation(ctx context.Context, chatID int64, loc domain.Location) error {
	item := c.key(chatID, skLocation)
	item["latitude"] = &types.AttributeValueMemberN{Value: formatFloat(loc.Latitude)}
	item["longitude"] = &types.AttributeValueMemberN{Value: formatFloat(loc.Longitude)}
	item["placeName"] = &types.AttributeValueMemberS{Value: loc.PlaceName}
	item["updatedAt"] = &types.AttributeValueMemberS{Value: formatTime(loc.UpdatedAt)}

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				ConditionCheck: &types.ConditionCheck{
					TableName:           aws.String(c.tableName),
					Key:                 c.key(chatID, skStatus),
					ConditionExpression: aws.String("attribute_exists(PK)"),
				},
			},
			{
				Put: &types.Put{
					TableName: aws.String(c.tableName),
					Item:      item,
				},
			},
		},
	})
	if err != nil {
		if statusCheckFailed(err) {
			return fmt.Errorf("repository: UpsertLocation chat %d: %w", chatID, domain.ErrConversationNotFound)
		}
		return fmt.Errorf("repository: UpsertLocation: %w", err)
	}
	return nil
}

// statusCheckFailed reports whether a transaction was cancelled by the STATUS
// existence check, which is always the first item.
func statusCheckFailed(err error) bool {
	var canceled *types.TransactionCanceledException
	if !errors.As(err, &canceled) || len(canceled.CancellationReasons) == 0 {
		return false
	}
	return aws.ToString(canceled.CancellationReasons[0].Code) == "ConditionalCheckFailed"
}

// DeleteConversation removes the STATUS and LOCATION items in one
// transaction. EVT# items stay until their TTL so redelivered events are
// still detected after a reset.
func (c *Client) DeleteConversation(ctx context.Context, chatID int64) error {
	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Delete: &types.Delete{TableName: aws.String(c.tableName), Key: c.key(chatID, skStatus)}},
			{Delete: &types.Delete{TableName: aws.String(c.tableName), Key: c.key(chatID, skLocation)}},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: DeleteConversation: %w", err)
	}
	return nil
}

// RecordEvent stores an audit item. It reports false, without error, when the
// event id was already recorded for the chat.
func (c *Client) RecordEvent(ctx context.Context, rec domain.AuditRecord) (bool, error) {
	item := c.key(rec.ChatID, eventSK(rec.EventID))
	item["eventId"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(rec.EventID, 10)}
	item["kind"] = &types.AttributeValueMemberS{Value: rec.Kind}
	item["text"] = &types.AttributeValueMemberS{Value: rec.Text}
	item["receivedAt"] = &types.AttributeValueMemberS{Value: formatTime(rec.ReceivedAt)}
	item["recordedAt"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(rec.RecordedAt.UnixNano(), 10)}
	if rec.TTL > 0 {
		item["ttl"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(rec.TTL, 10)}
	}

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return false, nil
		}
		return false, fmt.Errorf("repository: RecordEvent: %w", err)
	}
	return true, nil
}

// CountEvents returns the number of audit items recorded for a chat at or
// after since. recordedAt is stored in unix nanoseconds so the filter
// compares numbers.
func (c *Client) CountEvents(ctx context.Context, chatID int64, since time.Time) (int, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		FilterExpression:       aws.String("recordedAt >= :since"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: chatPK(chatID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixEvent},
			":since":  &types.AttributeValueMemberN{Value: strconv.FormatInt(since.UnixNano(), 10)},
		},
		Select: types.SelectCount,
	}
	total := 0
	for {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return 0, fmt.Errorf("repository: CountEvents query: %w", err)
		}
		total += int(out.Count)
		if len(out.LastEvaluatedKey) == 0 {
			return total, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// itemToConversation converts a STATUS item to a Conversation.
func itemToConversation(chatID int64, item map[string]types.AttributeValue) (*domain.Conversation, error) {
	lastActivity, err := timeAttr(item, "lastActivity")
	if err != nil {
		return nil, err
	}
	createdAt, err := timeAttr(item, "createdAt")
	if err != nil {
		return nil, err
	}
	echo, err := boolAttr(item, "echoEnabled")
	if err != nil {
		return nil, err
	}
	version, err := intAttr(item, "version")
	if err != nil {
		return nil, err
	}
	return &domain.Conversation{
		ChatID:    chatID,
		CreatedAt: createdAt,
		Status: domain.Status{
			EchoEnabled:    echo,
			PendingIntent:  domain.PendingIntent(optStrAttr(item, "pendingIntent")),
			LastActivityAt: lastActivity,
			Version:        version,
			Profile: domain.Profile{
				Username:     optStrAttr(item, "username"),
				FirstName:    optStrAttr(item, "firstName"),
				LastName:     optStrAttr(item, "lastName"),
				LanguageCode: optStrAttr(item, "languageCode"),
				ChatType:     optStrAttr(item, "chatType"),
			},
		},
	}, nil
}

// itemToLocation converts a LOCATION item to a Location.
func itemToLocation(item map[string]types.AttributeValue) (domain.Location, error) {
	lat, err := floatAttr(item, "latitude")
	if err != nil {
		return domain.Location{}, err
	}
	lon, err := floatAttr(item, "longitude")
	if err != nil {
		return domain.Location{}, err
	}
	updatedAt, _ := timeAttr(item, "updatedAt") // allow empty
	return domain.Location{
		Latitude:  lat,
		Longitude: lon,
		PlaceName: optStrAttr(item, "placeName"),
		UpdatedAt: updatedAt,
	}, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func optStrAttr(item map[string]types.AttributeValue, key string) string {
	s, _ := strAttr(item, key)
	return s
}

func boolAttr(item map[string]types.AttributeValue, key string) (bool, error) {
	v, ok := item[key]
	if !ok {
		return false, nil
	}
	b, ok := v.(*types.AttributeValueMemberBOOL)
	if !ok {
		return false, fmt.Errorf("repository: attribute %q is not a bool", key)
	}
	return b.Value, nil
}

func floatAttr(item map[string]types.AttributeValue, key string) (float64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseFloat(n.Value, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, nil
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	s, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return t, nil
}
