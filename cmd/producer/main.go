// Package main is a sample/load producer. It publishes synthetic fleet
// events (position updates and trip status changes) through the regular
// publish path, for local development and load testing of consumers.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/watchtower-fleet/eventstream/internal/event"
	"github.com/watchtower-fleet/eventstream/internal/publish"
	"github.com/watchtower-fleet/eventstream/internal/stream"
)

var (
	redisAddr string
	prefix    string
	count     int
	rate      int
	trucks    string
)

func init() {
	// Try to load .env file (optional)
	godotenv.Load()

	flag.StringVar(&redisAddr, "redis", getEnv("REDIS_ADDR", "localhost:6379"), "Redis address")
	flag.StringVar(&prefix, "prefix", getEnv("STREAM_PREFIX", "events"), "Topic prefix")
	flag.IntVar(&count, "count", 0, "Number of events to publish (0 = infinite)")
	flag.IntVar(&rate, "rate", 10, "Events per second (0 = as fast as possible)")
	flag.StringVar(&trucks, "trucks", "T11985LA,T20476LA,T31207LA", "Truck numbers (comma-separated)")
	flag.Parse()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer rdb.Close()

	store, err := stream.NewRedisStore(rdb, 10000)
	if err != nil {
		logger.Fatal("Failed to create store", zap.Error(err))
	}
	publisher, err := publish.New(store, prefix, logger, nil)
	if err != nil {
		logger.Fatal("Failed to create publisher", zap.Error(err))
	}

	fleet := strings.Split(trucks, ",")
	for i := range fleet {
		fleet[i] = strings.TrimSpace(fleet[i])
	}

	var ticker *time.Ticker
	if rate > 0 {
		ticker = time.NewTicker(time.Second / time.Duration(rate))
		defer ticker.Stop()
	}

	published := 0
	for count == 0 || published < count {
		if ticker != nil {
			select {
			case <-ctx.Done():
				logger.Info("Producer stopped", zap.Int("published", published))
				return
			case <-ticker.C:
			}
		} else if ctx.Err() != nil {
			logger.Info("Producer stopped", zap.Int("published", published))
			return
		}

		truck := fleet[rand.Intn(len(fleet))]
		correlationID := uuid.NewString()

		// Lagos-area coordinates with jitter, matching the fleet's region.
		payload := event.PositionUpdated{
			TruckID:     truck,
			TruckNumber: truck,
			Lat:         6.52 + rand.Float64()*0.1,
			Lng:         3.37 + rand.Float64()*0.1,
		}
		speed := rand.Float64() * 90
		payload.Speed = &speed

		_, _, err := publisher.PublishEvent(ctx, event.TypePositionUpdated, time.Now(), correlationID, payload,
			map[string]string{"source": "sample-producer"})
		if err != nil {
			logger.Error("Publish failed", zap.Error(err))
			continue
		}
		published++

		// Occasionally interleave a trip status change to exercise routing.
		if published%25 == 0 {
			status := event.TripStatusChanged{
				TripID:    uuid.NewString(),
				VPCID:     fmt.Sprintf("VPC-%04d", rand.Intn(10000)),
				TruckID:   truck,
				OldStatus: "in_progress",
				NewStatus: "completed",
			}
			if _, _, err := publisher.PublishEvent(ctx, event.TypeTripStatusChanged, time.Now(), correlationID, status, nil); err != nil {
				logger.Error("Publish failed", zap.Error(err))
			}
		}
	}

	logger.Info("Producer finished", zap.Int("published", published))
}
