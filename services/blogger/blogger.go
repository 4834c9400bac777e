package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"

	"github.com/relabs-tech/blogger/core"
	"github.com/relabs-tech/blogger/core/access"
	"github.com/relabs-tech/blogger/core/backend"
	"github.com/relabs-tech/blogger/core/backend/kss"
	"github.com/relabs-tech/blogger/core/csql"
	"github.com/relabs-tech/blogger/core/janitor"
	"github.com/relabs-tech/blogger/core/logger"
	"github.com/relabs-tech/blogger/core/media"
	"github.com/relabs-tech/blogger/core/notifier"
	"github.com/relabs-tech/blogger/core/session"
	"github.com/relabs-tech/blogger/core/store"
	"github.com/relabs-tech/blogger/core/store/memstore"
	"github.com/relabs-tech/blogger/core/store/pgstore"
)

// Service holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres dbname=postgres sslmode=disable"
// and POSTGRES_PASSWORD="docker"
type Service struct {
	Port      int    `env:"PORT,default=3000" description:"the port the service listens on"`
	PublicURL string `env:"PUBLIC_URL,default=http://localhost:3000" description:"the URL the service is reachable at"`
	LogLevel  string `env:"LOG_LEVEL,default=info" description:"the log level"`

	SessionFile string `env:"SESSION_FILE,default=blogger.db" description:"the SQLite file the session is kept in"`

	Postgres         string `env:"POSTGRES,optional" description:"the connection string for the Postgres DB without password. Empty keeps posts in memory"`
	PostgresPassword string `env:"POSTGRES_PASSWORD,optional" description:"password to the Postgres DB"`
	PostgresSchema   string `env:"POSTGRES_SCHEMA,default=blogger" description:"the schema the posts live in"`

	KafkaBrokers string `env:"KAFKA_BROKERS,optional" description:"comma separated Kafka brokers for post notifications"`
	KafkaTopic   string `env:"KAFKA_TOPIC,default=post_notification" description:"the Kafka topic for post notifications"`

	KssDriver    string `env:"KSS_DRIVER,default=Local" description:"the object store for images, Local or AWSS3"`
	KssLocalPath string `env:"KSS_LOCAL_PATH,default=./kss" description:"the folder of the Local object store"`
	AWSBucket    string `env:"AWS_BUCKET,optional" description:"the S3 bucket for images"`
	AWSRegion    string `env:"AWS_REGION,optional" description:"the AWS region of the bucket"`
	AWSKeyPrefix string `env:"AWS_KEY_PREFIX,optional" description:"the key prefix within the bucket"`
	kss.S3Credentials

	MediaURLValidity time.Duration `env:"MEDIA_URL_VALIDITY,default=1h" description:"how long image URLs are valid"`

	JWTSecret string `env:"JWT_SECRET,required" description:"the secret identity tokens are signed with"`
	JWTIssuer string `env:"JWT_ISSUER,default=blogger" description:"the expected issuer of identity tokens"`

	FeedRecentLimit      int `env:"FEED_RECENT_LIMIT,default=10" description:"number of posts in the recent view"`
	FeedPopularLimit     int `env:"FEED_POPULAR_LIMIT,default=5" description:"number of posts in the popular view"`
	FeedMediaConcurrency int `env:"FEED_MEDIA_CONCURRENCY,default=8" description:"concurrent image lookups per feed update"`

	OrphanSweepSchedule string `env:"ORPHAN_SWEEP_SCHEDULE,optional" description:"cron schedule for deleting images of deleted posts, empty disables it"`
}

// postStore is the post store together with the enumeration the janitor needs
type postStore interface {
	store.Store
	store.Indexer
}

func (service *Service) kssConfiguration() kss.Configuration {
	switch kss.DriverType(service.KssDriver) {
	case kss.DriverTypeAWSS3:
		return kss.Configuration{
			DriverType: kss.DriverTypeAWSS3,
			S3Configuration: &kss.S3Configuration{
				AccessID:      service.AccessID,
				AccessKey:     service.AccessKey,
				AWSBucketName: service.AWSBucket,
				AWSRegion:     service.AWSRegion,
				KeyPrefix:     service.AWSKeyPrefix,
			},
		}
	default:
		return kss.Configuration{
			DriverType:         kss.DriverType(service.KssDriver),
			LocalConfiguration: &kss.LocalConfiguration{BasePath: service.KssLocalPath},
		}
	}
}

func main() {
	if err := godotenv.Load(); err != nil {
		logger.Default().Infoln("no .env file, using the environment only")
	}
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}
	logger.InitLogger(logger.ParseLevel(service.LogLevel))
	rlog := logger.Default()

	var postNotifier core.Notifier
	if service.KafkaBrokers != "" {
		kafkaNotifier := notifier.NewKafka(strings.Split(service.KafkaBrokers, ","), service.KafkaTopic)
		defer kafkaNotifier.Close()
		postNotifier = kafkaNotifier
		rlog.Infoln("post notifications go to kafka topic", service.KafkaTopic)
	}

	var posts postStore
	if service.Postgres != "" {
		db := csql.OpenWithSchema(service.Postgres, service.PostgresPassword, service.PostgresSchema)
		defer db.Close()
		pg, err := pgstore.New(db, postNotifier)
		if err != nil {
			panic(err)
		}
		defer pg.Close()
		posts = pg
	} else {
		rlog.Warnln("no postgres configured, posts are kept in memory")
		mem := memstore.New(postNotifier)
		defer mem.Close()
		posts = mem
	}

	sessions, err := session.OpenLocal(service.SessionFile)
	if err != nil {
		panic(err)
	}
	defer sessions.Close()

	router := mux.NewRouter()
	b := backend.New(&backend.Builder{
		Router:           router,
		PublicURL:        service.PublicURL,
		Posts:            posts,
		Session:          sessions,
		Verifier:         access.NewVerifier(service.JWTSecret, service.JWTIssuer),
		KSS:              service.kssConfiguration(),
		MediaURLValidity: service.MediaURLValidity,
		Compression:      &media.DefaultCompression,
		Feed: backend.FeedConfiguration{
			RecentLimit:      service.FeedRecentLimit,
			PopularLimit:     service.FeedPopularLimit,
			MediaConcurrency: service.FeedMediaConcurrency,
		},
	})
	defer b.Close()

	if service.OrphanSweepSchedule != "" {
		j := janitor.New(posts, b.Media, 0)
		if err := j.Start(service.OrphanSweepSchedule); err != nil {
			panic(err)
		}
		defer j.Stop()
	}

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(service.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		rlog.Infoln("listen on port", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rlog.WithError(err).Fatalln("cannot listen")
		}
	}()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	<-signalCh

	rlog.Infoln("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		rlog.WithError(err).Errorln("shutdown")
	}
}
