package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/stoik/content-inspection/internal/adapters/blob"
	"github.com/stoik/content-inspection/internal/adapters/events"
	"github.com/stoik/content-inspection/internal/adapters/feeds"
	"github.com/stoik/content-inspection/internal/adapters/scanner"
	"github.com/stoik/content-inspection/internal/adapters/storage"
	"github.com/stoik/content-inspection/internal/application"
	"github.com/stoik/content-inspection/internal/config"
	"github.com/stoik/content-inspection/internal/domain"
	"github.com/stoik/content-inspection/internal/domain/detection"
	"github.com/stoik/content-inspection/internal/logging"
	"github.com/stoik/content-inspection/internal/ports"
)

// store is what the service needs from a storage backend
type store interface {
	ports.RecordStore
	ports.PrincipalStore
}

func openStore(ctx context.Context, cfg *config.Config) (store, error) {
	opts := storage.Options{DedupWindow: cfg.Store.DedupWindow, MaxOpenConns: cfg.Database.MaxOpenConns}
	switch cfg.Store.Driver {
	case "postgres":
		pg, err := storage.NewPostgresStore(ctx, cfg.Database.URL, opts)
		if err != nil {
			return nil, err
		}
		return pg, nil
	case "memory":
		logging.Warn().Msg("using in-memory record store; records are lost on restart")
		return storage.NewMemoryStore(opts), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// buildDetectors assembles the enabled detector set. The returned refresher
// is nil when no known-bad feed is configured.
func buildDetectors(ctx context.Context, cfg *config.Config) ([]detection.Detector, *feeds.Refresher, error) {
	hashes := detection.NewHashSet(nil)

	var refresher *feeds.Refresher
	if cfg.Feed.Path != "" {
		refresher = feeds.NewRefresher(feeds.NewFileFeed(cfg.Feed.Path), hashes, cfg.Feed.RefreshInterval)
		if err := refresher.Refresh(ctx); err != nil {
			return nil, nil, fmt.Errorf("load known-bad feed: %w", err)
		}
	}

	registry := detection.Registry{
		detection.SignatureDetectorName: func() (detection.Detector, error) {
			return detection.NewSignatureDetector(hashes), nil
		},
		detection.HeuristicDetectorName: func() (detection.Detector, error) {
			return detection.NewHeuristicDetector(cfg.Heuristic), nil
		},
		detection.ExternalDetectorName: func() (detection.Detector, error) {
			if !cfg.Scanner.Enabled {
				return nil, errors.New("scanner.enabled must be set")
			}
			kinds := make([]domain.ArtifactKind, 0, len(cfg.Scanner.Kinds))
			for _, k := range cfg.Scanner.Kinds {
				kinds = append(kinds, domain.ArtifactKind(k))
			}
			client := scanner.NewClient(cfg.Scanner, nil)
			return detection.NewExternalDetector(scanner.NewBreakerScanner(client, cfg.Scanner), kinds...), nil
		},
	}

	dets, err := registry.Build(cfg.Detectors.Enabled)
	if err != nil {
		return nil, nil, err
	}
	return dets, refresher, nil
}

// serviceOptions wires the optional payload store and event publisher. The
// returned cleanup releases their connections.
func serviceOptions(ctx context.Context, cfg *config.Config) ([]application.ServiceOption, func(), error) {
	opts := []application.ServiceOption{
		application.WithMaxPageSize(cfg.Store.MaxPageSize),
		application.WithStoreTimeout(cfg.Store.Timeout),
	}
	cleanup := func() {}

	if cfg.S3.Enabled {
		payloads, err := blob.NewS3Store(ctx, cfg.S3)
		if err != nil {
			return nil, cleanup, fmt.Errorf("s3 payload store: %w", err)
		}
		opts = append(opts, application.WithPayloadStore(payloads))
	}

	if cfg.NATS.Enabled {
		publisher, err := events.NewNATSPublisher(cfg.NATS)
		if err != nil {
			return nil, cleanup, err
		}
		opts = append(opts, application.WithEventPublisher(publisher))
		cleanup = publisher.Close
	} else {
		opts = append(opts, application.WithEventPublisher(events.LogPublisher{}))
	}
	return opts, cleanup, nil
}

func newInspectionService(
	records ports.RecordStore,
	dets []detection.Detector,
	cfg *config.Config,
	opts ...application.ServiceOption,
) (*application.InspectionService, error) {
	aggregator, err := detection.NewAggregator(cfg.Detectors.PolicyVersion)
	if err != nil {
		return nil, err
	}
	pipeline := application.NewPipeline(dets, cfg.Pipeline)
	logging.Info().
		Strs("detectors", pipeline.Detectors()).
		Str("policy", aggregator.Version()).
		Msg("inspection pipeline ready")
	return application.NewInspectionService(records, pipeline, aggregator, opts...), nil
}
