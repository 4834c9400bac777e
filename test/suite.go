/*
Package test runs the blogger backend end-to-end against Postgres and Kafka in containers
*/
package test

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/relabs-tech/blogger/core/access"
	"github.com/relabs-tech/blogger/core/backend"
	"github.com/relabs-tech/blogger/core/backend/kss"
	"github.com/relabs-tech/blogger/core/client"
	"github.com/relabs-tech/blogger/core/csql"
	"github.com/relabs-tech/blogger/core/notifier"
	"github.com/relabs-tech/blogger/core/session"
	"github.com/relabs-tech/blogger/core/store/pgstore"
)

const topic = notifier.DefaultTopic

// IntegrationTestSuite serves the backend over http with posts in Postgres and post
// notifications in Kafka
type IntegrationTestSuite struct {
	*backend.Backend
	srv       *http.Server
	client    client.Client
	publicURL string

	dbConn   *csql.DB
	posts    *pgstore.Store
	notifier *notifier.Kafka
	verifier *access.Verifier
	router   *mux.Router
	suite.Suite
	network            testcontainers.Network
	kafkaContainer     testcontainers.Container
	zookeeperContainer testcontainers.Container
	postgresContainer  testcontainers.Container
	kafkaConn          *kafka.Conn
	kafkaAddr          string
	postgresDSN        string
	postgresPassword   string
}

func (s *IntegrationTestSuite) createTopic(topic string, numPartitions int) error {
	if s.kafkaConn == nil {
		return fmt.Errorf("kafka connection is not established")
	}

	err := s.kafkaConn.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     numPartitions,
		ReplicationFactor: 1,
	})
	if err != nil {
		return fmt.Errorf("failed to create topic %s: %w", topic, err)
	}
	return nil
}

func (s *IntegrationTestSuite) SetupSuite() {
	ctx := context.Background()

	// shared docker network for Kafka and Zookeeper
	networkName := "test-blogger-network_" + fmt.Sprintf("%d", time.Now().Unix())
	network, err := testcontainers.GenericNetwork(ctx, testcontainers.GenericNetworkRequest{
		NetworkRequest: testcontainers.NetworkRequest{
			Name:           networkName,
			CheckDuplicate: true,
		},
	})
	s.Require().NoError(err)
	s.network = network

	postgresUser := "testuser"
	postgresPassword := "testpass"
	postgresDB := "testdb"

	pgReq := testcontainers.ContainerRequest{
		Image:        "postgres:15",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     postgresUser,
			"POSTGRES_PASSWORD": postgresPassword,
			"POSTGRES_DB":       postgresDB,
		},
		Networks:       []string{networkName},
		NetworkAliases: map[string][]string{networkName: {"postgres"}},
		WaitingFor:     wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: pgReq,
		Started:          true,
	})
	s.Require().NoError(err)
	s.postgresContainer = pgC

	pgHost, err := pgC.Host(ctx)
	s.Require().NoError(err)
	pgPort, err := pgC.MappedPort(ctx, "5432")
	s.Require().NoError(err)
	s.postgresDSN = fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=disable",
		pgHost, pgPort.Port(), postgresUser, postgresDB)
	s.postgresPassword = postgresPassword

	zooReq := testcontainers.ContainerRequest{
		Image:        "confluentinc/cp-zookeeper:7.5.0",
		ExposedPorts: []string{"2181/tcp"},
		Env: map[string]string{
			"ZOOKEEPER_CLIENT_PORT": "2181",
			"ZOOKEEPER_TICK_TIME":   "2000",
		},
		WaitingFor:     wait.ForListeningPort("2181/tcp"),
		Networks:       []string{networkName},
		NetworkAliases: map[string][]string{networkName: {"zookeeper"}},
	}
	zooC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: zooReq,
		Started:          true,
	})
	s.Require().NoError(err)
	s.zookeeperContainer = zooC

	kafkaReq := testcontainers.ContainerRequest{
		Image:        "confluentinc/cp-kafka:7.5.0",
		ExposedPorts: []string{"9092:9092/tcp", "29092:29092/tcp"},
		Env: map[string]string{
			"KAFKA_BROKER_ID":                        "1",
			"KAFKA_ZOOKEEPER_CONNECT":                "zookeeper:2181",
			"KAFKA_LISTENERS":                        "PLAINTEXT://0.0.0.0:9092,PLAINTEXT_HOST://0.0.0.0:29092,EXTERNAL://0.0.0.0:9093",
			"KAFKA_ADVERTISED_LISTENERS":             "PLAINTEXT://localhost:9092,PLAINTEXT_HOST://localhost:29092,EXTERNAL://kafka:9093",
			"KAFKA_LISTENER_SECURITY_PROTOCOL_MAP":   "PLAINTEXT:PLAINTEXT,PLAINTEXT_HOST:PLAINTEXT,EXTERNAL:PLAINTEXT",
			"KAFKA_OFFSETS_TOPIC_REPLICATION_FACTOR": "1",
			"ALLOW_PLAINTEXT_LISTENER":               "yes",
		},
		WaitingFor:     wait.ForLog("started (kafka.server.KafkaServer)"),
		Networks:       []string{networkName},
		NetworkAliases: map[string][]string{networkName: {"kafka"}},
	}
	kafkaC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: kafkaReq,
		Started:          true,
	})
	s.Require().NoError(err)
	s.kafkaContainer = kafkaC

	kafkaHost, err := kafkaC.Host(ctx)
	s.Require().NoError(err)
	kafkaPort, err := kafkaC.MappedPort(ctx, "9092")
	s.Require().NoError(err)
	s.kafkaAddr = fmt.Sprintf("%s:%s", kafkaHost, kafkaPort.Port())

	s.kafkaConn, err = kafka.Dial("tcp", s.kafkaAddr)
	s.Require().NoError(err)
	s.Require().NoError(s.createTopic(topic, 1), "Failed to create post notification topic")

	s.dbConn = csql.OpenWithSchema(s.postgresDSN, s.postgresPassword, "blogger")
	s.notifier = notifier.NewKafka([]string{s.kafkaAddr}, topic)
	s.posts, err = pgstore.New(s.dbConn, s.notifier)
	s.Require().NoError(err)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	s.Require().NoError(err)
	publicURL := "http://" + listener.Addr().String()
	s.publicURL = publicURL

	s.verifier = access.NewVerifier("integration-secret", "blogger")
	s.router = mux.NewRouter()
	s.Backend = backend.New(&backend.Builder{
		Router:    s.router,
		PublicURL: publicURL,
		Posts:     s.posts,
		Session:   session.NewMemory(),
		Verifier:  s.verifier,
		KSS: kss.Configuration{
			DriverType:         kss.DriverTypeLocal,
			LocalConfiguration: &kss.LocalConfiguration{BasePath: s.T().TempDir()},
		},
	})
	s.client = client.NewWithURL(publicURL)

	s.srv = &http.Server{Handler: s.router}
	go func() {
		err := s.srv.Serve(listener)
		if err != nil && err != http.ErrServerClosed {
			s.T().Errorf("Failed to start HTTP server: %v", err)
		}
	}()
}

// login starts a session for userID
func (s *IntegrationTestSuite) login(userID string) {
	token, err := s.verifier.Issue(access.Identity{UserID: userID, Email: userID + "@example.com"}, time.Hour)
	s.Require().NoError(err)
	_, status, err := s.client.Login(token)
	s.Require().NoError(err)
	s.Require().Equal(http.StatusOK, status)
}

func (s *IntegrationTestSuite) TearDownSuite() {
	ctx := context.Background()
	if s.srv != nil {
		err := s.srv.Shutdown(ctx)
		s.Require().NoError(err)
	}
	if s.Backend != nil {
		s.Close()
	}
	if s.posts != nil {
		s.posts.Close()
	}
	if s.notifier != nil {
		s.notifier.Close()
	}
	if s.kafkaConn != nil {
		s.kafkaConn.Close()
	}
	if s.dbConn != nil {
		s.dbConn.Close()
	}

	for _, c := range []testcontainers.Container{s.kafkaContainer, s.zookeeperContainer, s.postgresContainer} {
		if c != nil {
			s.Require().NoError(c.Terminate(ctx))
		}
	}
	if s.network != nil {
		s.network.Remove(ctx)
	}
}
