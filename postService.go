package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/alimx07/blog_service/auth"
	"github.com/alimx07/blog_service/cachedRepo"
	"github.com/alimx07/blog_service/db"
	"github.com/alimx07/blog_service/ingestion"
	"github.com/alimx07/blog_service/metrics"
	"github.com/alimx07/blog_service/models"
	"github.com/alimx07/blog_service/postRepo"
	"github.com/alimx07/blog_service/service"
	"github.com/google/uuid"
	etcd "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	leaseTTLSeconds = 5
	// time for the gateway to observe the lease loss before servers stop
	drainDelay      = 5 * time.Second
	shutdownTimeout = 5 * time.Second
)

// core is what every command needs: storage, cache and the coordinator.
type core struct {
	repo    *postRepo.PostgresRepo
	cache   *cachedRepo.PostCache
	posts   *service.PostService
	metrics *metrics.Metrics
}

func newCore(ctx context.Context, config models.Config, publisher service.Publisher, m *metrics.Metrics, logger *zap.Logger) (*core, error) {
	primary, replica, err := db.InitDBConnections(config, logger)
	if err != nil {
		return nil, err
	}
	primary.SetMaxOpenConns(15)
	primary.SetMaxIdleConns(5)
	if replica != primary {
		replica.SetMaxOpenConns(25)
		replica.SetMaxIdleConns(10)
	}
	repo := postRepo.NewPostgresRepo(primary, replica, logger)

	ledger := cachedRepo.Ledger{Key: config.Cache.LedgerKey, Capacity: config.Cache.LedgerCapacity}
	var store cachedRepo.Store
	if config.Cache.Addr != "" {
		store = cachedRepo.NewRedisStore(config.Cache.Addr, config.Cache.Password, ledger, m, logger)
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := store.Ping(pingCtx); err != nil {
			// reads fall through to postgres until redis is back
			logger.Warn("Error in Loading Redis, serving without cache", zap.String("addr", config.Cache.Addr), zap.Error(err))
		}
		cancel()
	} else {
		logger.Info("No cache address configured, using in-process cache")
		store = cachedRepo.NewMemoryStore(ledger, m)
	}
	cache := cachedRepo.NewPostCache(store, ledger, config.Cache.TTL, config.Cache.OpTimeout, m, logger)

	return &core{
		repo:    repo,
		cache:   cache,
		posts:   service.NewPostService(repo, cache, publisher, m, logger),
		metrics: m,
	}, nil
}

func (c *core) close(logger *zap.Logger) {
	c.cache.Close()
	if err := c.repo.Close(); err != nil {
		logger.Warn("Error in closing database connections", zap.Error(err))
	}
}

type blogService struct {
	config     models.Config
	core       *core
	producer   *ingestion.Producer
	consumer   *ingestion.Consumer
	handler    *Handler
	httpServer *http.Server
	grpcServer *grpc.Server
	health     *health.Server
	etcdClient *etcd.Client
	serviceOFF atomic.Bool
	logger     *zap.Logger
}

func NewBlogService(config models.Config, c *core, producer *ingestion.Producer, consumer *ingestion.Consumer, verifier *auth.Verifier, logger *zap.Logger) *blogService {
	bs := &blogService{
		config:   config,
		core:     c,
		producer: producer,
		consumer: consumer,
		logger:   logger,
	}
	bs.handler = NewHandler(c.posts, verifier, c.metrics, &bs.serviceOFF, logger)
	return bs
}

// start serves HTTP and gRPC health, registers in etcd and runs the consumer
// until ctx is cancelled or one of them fails.
func (bs *blogService) start(ctx context.Context) error {
	httpAddr := net.JoinHostPort(bs.config.ServerHost, bs.config.ServerHttpPort)
	grpcAddr := net.JoinHostPort(bs.config.ServerHost, bs.config.ServerPort)

	listener, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", grpcAddr, err)
	}
	bs.grpcServer = grpc.NewServer()
	bs.health = health.NewServer()
	healthpb.RegisterHealthServer(bs.grpcServer, bs.health)
	bs.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	bs.httpServer = &http.Server{
		Addr:              httpAddr,
		Handler:           bs.handler.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if bs.config.EtcdEndpoints != "" {
		if err := bs.register(ctx); err != nil {
			listener.Close()
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		bs.logger.Info("Starting gRPC health server", zap.String("addr", grpcAddr))
		return bs.grpcServer.Serve(listener)
	})
	g.Go(func() error {
		bs.logger.Info("Starting HTTP server", zap.String("addr", httpAddr))
		if err := bs.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if bs.consumer != nil {
		g.Go(func() error {
			return bs.consumer.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		bs.close()
		return nil
	})
	return g.Wait()
}

// register announces host:grpcPort under a lease that lives as long as the process.
func (bs *blogService) register(ctx context.Context) error {
	client, err := etcd.New(etcd.Config{
		Endpoints:   strings.Split(bs.config.EtcdEndpoints, ","),
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		bs.logger.Error("Error in Register instance of BlogService", zap.Error(err))
		return err
	}
	bs.etcdClient = client

	lease, err := client.Grant(ctx, leaseTTLSeconds)
	if err != nil {
		bs.logger.Error("Error in Creating Lease to instance of BlogService", zap.Error(err))
		return err
	}
	key := fmt.Sprintf("/services/blog_service/%v", uuid.New())
	addr := net.JoinHostPort(bs.config.HostName, bs.config.ServerPort)
	if _, err := client.Put(ctx, key, addr, etcd.WithLease(lease.ID)); err != nil {
		bs.logger.Error("Error in Registering instance address", zap.String("key", key), zap.Error(err))
		return err
	}
	keepAlive, err := client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return err
	}
	// the channel must be drained or the client logs a full queue on every renewal
	go func() {
		for range keepAlive {
		}
	}()
	bs.logger.Info("Registered in etcd", zap.String("key", key), zap.String("addr", addr))
	return nil
}

func (bs *blogService) close() {
	// mark service as OFF
	bs.serviceOFF.Store(true)
	if bs.health != nil {
		bs.health.Shutdown()
	}
	if bs.etcdClient != nil {
		bs.etcdClient.Close()
		// wait until state reflected in api_gateway
		time.Sleep(drainDelay)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if bs.httpServer != nil {
		if err := bs.httpServer.Shutdown(ctx); err != nil {
			bs.logger.Warn("Error in Closing httpServer", zap.Error(err))
		}
		bs.logger.Info("HTTP Server Closed Successfully")
	}
	if bs.grpcServer != nil {
		bs.grpcServer.GracefulStop()
	}
}

// release frees the clients once every goroutine using them has returned.
func (bs *blogService) release() {
	if bs.consumer != nil {
		if err := bs.consumer.Close(); err != nil {
			bs.logger.Warn("Error in closing consumer", zap.Error(err))
		}
	}
	if bs.producer != nil {
		bs.producer.Close()
	}
	bs.core.close(bs.logger)
}
