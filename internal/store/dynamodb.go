package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/ashureev/coursechat/internal/domain"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	dynamoPartitionKey  = "SessionKey"
	dynamoSortKey       = "Seq"
	dynamoLastActive    = "LastActive"
	dynamoMetaSeq       = 0
	dynamoBatchSize     = 25
	dynamoBatchRetries  = 5
	dynamoRetryBaseWait = 50 * time.Millisecond
)

// dynamoAPI is the subset of the DynamoDB client used by the session store.
type dynamoAPI interface {
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// DynamoSessionStore keeps histories in a DynamoDB table keyed by
// SessionKey (user#course) and a numeric Seq sort key. Messages use Seq > 0.
// Seq 0 is a per-slot meta item whose LastActive is refreshed on every
// Append, so a slot expires as a whole once its newest message is older
// than the TTL.
type DynamoSessionStore struct {
	db         dynamoAPI
	table      string
	ttl        time.Duration
	now        func() time.Time
	retryDelay time.Duration

	mu      sync.Mutex
	lastSeq int64
}

var _ ExpiringSessionStore = (*DynamoSessionStore)(nil)

// DynamoOptions configures NewDynamoSessionStore.
type DynamoOptions struct {
	Table    string
	Region   string
	Endpoint string // set for DynamoDB Local
	TTL      time.Duration
}

// NewDynamoSessionStore builds a client from the default AWS config chain and
// makes sure the table exists.
func NewDynamoSessionStore(ctx context.Context, opts DynamoOptions) (*DynamoSessionStore, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(opts.Region)}
	if opts.Endpoint != "" {
		endpoint := opts.Endpoint
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{URL: endpoint}, nil
		})
		loadOpts = append(loadOpts,
			awsconfig.WithEndpointResolverWithOptions(resolver),
			awsconfig.WithCredentialsProvider(credentials.StaticCredentialsProvider{
				Value: aws.Credentials{AccessKeyID: "local", SecretAccessKey: "local"},
			}),
		)
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	s := newDynamoSessionStore(dynamodb.NewFromConfig(cfg), opts.Table, opts.TTL)
	if err := s.ensureTable(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func newDynamoSessionStore(db dynamoAPI, table string, ttl time.Duration) *DynamoSessionStore {
	return &DynamoSessionStore{
		db:         db,
		table:      table,
		ttl:        ttl,
		now:        time.Now,
		retryDelay: dynamoRetryBaseWait,
	}
}

func (s *DynamoSessionStore) ensureTable(ctx context.Context) error {
	_, err := s.db.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)})
	if err == nil {
		return nil
	}
	var notFound *types.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return fmt.Errorf("describe table %s: %w", s.table, err)
	}

	_, err = s.db.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(s.table),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(dynamoPartitionKey), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String(dynamoSortKey), AttributeType: types.ScalarAttributeTypeN},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(dynamoPartitionKey), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String(dynamoSortKey), KeyType: types.KeyTypeRange},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	var inUse *types.ResourceInUseException
	if err != nil && !errors.As(err, &inUse) {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}

	waiter := dynamodb.NewTableExistsWaiter(s.db)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)}, time.Minute); err != nil {
		return fmt.Errorf("wait for table %s: %w", s.table, err)
	}
	slog.Info("DynamoDB session table created", "table", s.table)
	return nil
}

func dynamoSessionKey(key domain.SessionKey) string {
	return key.UserID + "#" + strconv.FormatInt(key.CourseID, 10)
}

// nextSeq returns a strictly increasing, positive sort key.
func (s *DynamoSessionStore) nextSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := time.Now().UnixNano()
	if seq <= s.lastSeq {
		seq = s.lastSeq + 1
	}
	s.lastSeq = seq
	return seq
}

// Append writes the message as a new item and refreshes the slot's
// LastActive.
func (s *DynamoSessionStore) Append(ctx context.Context, key domain.SessionKey, msg domain.ConversationMessage) error {
	partition := dynamoSessionKey(key)
	_, err := s.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item: map[string]types.AttributeValue{
			dynamoPartitionKey:     &types.AttributeValueMemberS{Value: partition},
			dynamoSortKey:          &types.AttributeValueMemberN{Value: strconv.FormatInt(s.nextSeq(), 10)},
			"Role":                 &types.AttributeValueMemberS{Value: string(msg.Role)},
			"Content":              &types.AttributeValueMemberS{Value: msg.Content},
			"ContentTranscription": &types.AttributeValueMemberS{Value: msg.ContentTranscription},
			"ContentHTML":          &types.AttributeValueMemberS{Value: msg.ContentHTML},
		},
	})
	if err != nil {
		return fmt.Errorf("dynamodb append: %w", err)
	}

	_, err = s.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.table),
		Key:              dynamoItemKey(partition, dynamoMetaSeq),
		UpdateExpression: aws.String("SET " + dynamoLastActive + " = :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(s.now().Unix(), 10)},
		},
	})
	if err != nil {
		return fmt.Errorf("dynamodb touch session: %w", err)
	}
	return nil
}

// Read queries every item of the slot in sort-key order. An expired slot is
// dropped and read as empty.
func (s *DynamoSessionStore) Read(ctx context.Context, key domain.SessionKey) ([]domain.ConversationMessage, error) {
	partition := dynamoSessionKey(key)
	items, err := s.queryAll(ctx, partition, nil)
	if err != nil {
		return nil, err
	}

	history := make([]domain.ConversationMessage, 0, len(items))
	for _, item := range items {
		if numberAttr(item, dynamoSortKey) == dynamoMetaSeq {
			if s.expired(item) {
				if err := s.resetPartition(ctx, partition); err != nil {
					return nil, err
				}
				return []domain.ConversationMessage{}, nil
			}
			continue
		}
		history = append(history, domain.ConversationMessage{
			Role:                 domain.Role(stringAttr(item, "Role")),
			Content:              stringAttr(item, "Content"),
			ContentTranscription: stringAttr(item, "ContentTranscription"),
			ContentHTML:          stringAttr(item, "ContentHTML"),
		})
	}
	return history, nil
}

func (s *DynamoSessionStore) expired(meta map[string]types.AttributeValue) bool {
	if s.ttl <= 0 {
		return false
	}
	lastActive := time.Unix(numberAttr(meta, dynamoLastActive), 0)
	return s.now().Sub(lastActive) > s.ttl
}

// Reset deletes every item of the slot.
func (s *DynamoSessionStore) Reset(ctx context.Context, key domain.SessionKey) error {
	return s.resetPartition(ctx, dynamoSessionKey(key))
}

// CleanupExpiredSessions deletes slots whose LastActive is older than ttl.
func (s *DynamoSessionStore) CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := s.now().Add(-ttl).Unix()
	var (
		removed  int64
		startKey map[string]types.AttributeValue
	)
	for {
		out, err := s.db.Scan(ctx, &dynamodb.ScanInput{
			TableName:            aws.String(s.table),
			FilterExpression:     aws.String("#seq = :meta AND " + dynamoLastActive + " < :cutoff"),
			ProjectionExpression: aws.String(dynamoPartitionKey),
			ExpressionAttributeNames: map[string]string{
				"#seq": dynamoSortKey,
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":meta":   &types.AttributeValueMemberN{Value: strconv.Itoa(dynamoMetaSeq)},
				":cutoff": &types.AttributeValueMemberN{Value: strconv.FormatInt(cutoff, 10)},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return removed, fmt.Errorf("dynamodb scan expired sessions: %w", err)
		}
		for _, item := range out.Items {
			if err := s.resetPartition(ctx, stringAttr(item, dynamoPartitionKey)); err != nil {
				return removed, err
			}
			removed++
		}
		if len(out.LastEvaluatedKey) == 0 {
			return removed, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

func (s *DynamoSessionStore) resetPartition(ctx context.Context, partition string) error {
	items, err := s.queryAll(ctx, partition, aws.String(dynamoPartitionKey+", "+dynamoSortKey))
	if err != nil {
		return err
	}

	for start := 0; start < len(items); start += dynamoBatchSize {
		end := min(start+dynamoBatchSize, len(items))
		requests := make([]types.WriteRequest, 0, end-start)
		for _, item := range items[start:end] {
			requests = append(requests, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{Key: map[string]types.AttributeValue{
					dynamoPartitionKey: item[dynamoPartitionKey],
					dynamoSortKey:      item[dynamoSortKey],
				}},
			})
		}
		if err := s.batchWrite(ctx, requests); err != nil {
			return err
		}
	}
	return nil
}

// batchWrite resubmits unprocessed items with exponential backoff until the
// batch is fully applied.
func (s *DynamoSessionStore) batchWrite(ctx context.Context, requests []types.WriteRequest) error {
	pending := requests
	for attempt := 0; len(pending) > 0; attempt++ {
		if attempt > 0 {
			if attempt > dynamoBatchRetries {
				return fmt.Errorf("dynamodb reset: %d deletes still unprocessed after %d retries", len(pending), dynamoBatchRetries)
			}
			delay := s.retryDelay * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		out, err := s.db.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{s.table: pending},
		})
		if err != nil {
			return fmt.Errorf("dynamodb reset: %w", err)
		}
		pending = out.UnprocessedItems[s.table]
	}
	return nil
}

func (s *DynamoSessionStore) queryAll(ctx context.Context, partition string, projection *string) ([]map[string]types.AttributeValue, error) {
	var (
		items    []map[string]types.AttributeValue
		startKey map[string]types.AttributeValue
	)
	for {
		out, err := s.db.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.table),
			KeyConditionExpression: aws.String(dynamoPartitionKey + " = :k"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":k": &types.AttributeValueMemberS{Value: partition},
			},
			ProjectionExpression: projection,
			ScanIndexForward:     aws.Bool(true),
			ExclusiveStartKey:    startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("dynamodb query: %w", err)
		}
		items = append(items, out.Items...)
		if len(out.LastEvaluatedKey) == 0 {
			return items, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

func dynamoItemKey(partition string, seq int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		dynamoPartitionKey: &types.AttributeValueMemberS{Value: partition},
		dynamoSortKey:      &types.AttributeValueMemberN{Value: strconv.FormatInt(seq, 10)},
	}
}

func stringAttr(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func numberAttr(item map[string]types.AttributeValue, name string) int64 {
	v, ok := item[name].(*types.AttributeValueMemberN)
	if !ok {
		return -1
	}
	n, err := strconv.ParseInt(v.Value, 10, 64)
	if err != nil {
		return -1
	}
	return n
}

// Ping checks that the table is reachable.
func (s *DynamoSessionStore) Ping(ctx context.Context) error {
	_, err := s.db.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)})
	if err != nil {
		return fmt.Errorf("describe table %s: %w", s.table, err)
	}
	return nil
}
