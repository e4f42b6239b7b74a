package integration

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/pomandi/mainstage/fault"
	"github.com/pomandi/mainstage/reports"
)

var (
	mongoOnce   sync.Once
	mongoClient *mongo.Client
	mongoErr    error
)

func mongoTestClient(t *testing.T) *mongo.Client {
	t.Helper()
	requireIntegration(t)
	mongoOnce.Do(func() {
		ctx := context.Background()
		c, err := startContainer(ctx, testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForLog("Waiting for connections"),
			Tmpfs:        map[string]string{"/data/db": "rw"},
		})
		if err != nil {
			mongoErr = err
			return
		}
		host, err := c.Host(ctx)
		if err != nil {
			mongoErr = err
			return
		}
		port, err := c.MappedPort(ctx, "27017")
		if err != nil {
			mongoErr = err
			return
		}
		uri := fmt.Sprintf("mongodb://%s:%s", host, port.Port())
		client, err := mongo.Connect(options.Client().ApplyURI(uri))
		if err != nil {
			mongoErr = err
			return
		}
		if err := client.Ping(ctx, readpref.Primary()); err != nil {
			mongoErr = err
			return
		}
		mongoClient = client
	})
	if mongoErr != nil {
		t.Skipf("mongo container unavailable: %v", mongoErr)
	}
	return mongoClient
}

func TestMongoReportSinkSaveAndReadBack(t *testing.T) {
	client := mongoTestClient(t)
	ctx := context.Background()
	collName := collectionName(t)
	mcoll := client.Database("mainstage_test").Collection(collName)
	require.NoError(t, mcoll.Drop(ctx))

	sink, err := reports.NewMongo(reports.MongoOptions{
		Client:     client,
		Database:   "mainstage_test",
		Collection: collName,
	})
	require.NoError(t, err)
	require.NoError(t, sink.Ping(ctx))

	id, err := sink.Save(ctx, reports.Report{
		AgentName: "invoice-matcher",
		Kind:      "match_result",
		Payload:   map[string]any{"transaction_id": "tx-42", "matched": true, "confidence": 0.93},
	})
	require.NoError(t, err)
	assert.Len(t, id, 24)

	var doc struct {
		AgentName string         `bson:"agent_name"`
		Kind      string         `bson:"kind"`
		Payload   map[string]any `bson:"payload"`
		CreatedAt time.Time      `bson:"created_at"`
	}
	require.NoError(t, mcoll.FindOne(ctx, map[string]any{"agent_name": "invoice-matcher"}).Decode(&doc))
	assert.Equal(t, "match_result", doc.Kind)
	assert.Equal(t, "tx-42", doc.Payload["transaction_id"])
	assert.Equal(t, true, doc.Payload["matched"])
	assert.InDelta(t, 0.93, doc.Payload["confidence"].(float64), 1e-9)
	assert.WithinDuration(t, time.Now(), doc.CreatedAt, time.Minute)
}

func TestMongoReportSinkRejectsUnnamedAgent(t *testing.T) {
	client := mongoTestClient(t)
	sink, err := reports.NewMongo(reports.MongoOptions{
		Client:     client,
		Database:   "mainstage_test",
		Collection: collectionName(t),
	})
	require.NoError(t, err)

	_, err = sink.Save(context.Background(), reports.Report{Kind: "match_result"})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.SchemaViolation))
}
