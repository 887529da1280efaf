package capture

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// WALConfig configures logical-replication capture for one local database.
type WALConfig struct {
	ConnString            string
	ReplicationConnString string
	SlotName              string
	PublicationName       string
}

// WALSource tails one database's logical replication stream and feeds every
// decoded row change into the Recorder, exactly as if the application had
// called the hook itself. Used where the application layer cannot be
// instrumented.
type WALSource struct {
	config   *WALConfig
	client   *walClient
	recorder Recorder

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	log     zerolog.Logger
}

func NewWALSource(config *WALConfig, recorder Recorder, log zerolog.Logger) *WALSource {
	return &WALSource{
		config:   config,
		recorder: recorder,
		stopCh:   make(chan struct{}),
		log:      log.With().Str("component", "wal-capture").Str("slot", config.SlotName).Logger(),
	}
}

func (s *WALSource) Initialize(ctx context.Context) error {
	if err := s.createPublicationIfNotExists(ctx); err != nil {
		return fmt.Errorf("failed to create publication: %w", err)
	}

	client := newWALClient(s.config, s.recorder, s.log)
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	if err := client.CreateSlotIfNotExists(ctx); err != nil {
		client.Close(ctx)
		return fmt.Errorf("failed to create slot: %w", err)
	}

	s.client = client
	return nil
}

func (s *WALSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("wal source already running")
	}
	if s.client == nil {
		return fmt.Errorf("wal source not initialized")
	}

	if err := s.client.StartReplication(ctx); err != nil {
		return fmt.Errorf("failed to start replication: %w", err)
	}

	s.running = true
	s.wg.Add(1)
	go s.receiveLoop(ctx)

	return nil
}

func (s *WALSource) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	close(s.stopCh)
	s.wg.Wait()
	s.running = false

	if s.client != nil {
		return s.client.Close(ctx)
	}
	return nil
}

func (s *WALSource) receiveLoop(ctx context.Context) {
	defer s.wg.Done()

	errorCount := 0
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
			if err := s.client.ReceiveMessage(ctx); err != nil {
				errorCount++

				backoff := time.Duration(math.Pow(2, float64(errorCount))) * time.Second
				if backoff > maxBackoff {
					backoff = maxBackoff
				}

				s.log.Warn().Err(err).Dur("backoff", backoff).Msg("replication stream error")

				select {
				case <-time.After(backoff):
				case <-s.stopCh:
					return
				case <-ctx.Done():
					return
				}
			} else {
				errorCount = 0
			}
		}
	}
}

func (s *WALSource) createPublicationIfNotExists(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, s.config.ConnString)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close(ctx)

	var exists bool
	err = conn.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_publication WHERE pubname = $1)",
		s.config.PublicationName,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check publication: %w", err)
	}

	if !exists {
		_, err = conn.Exec(ctx,
			fmt.Sprintf("CREATE PUBLICATION %s FOR ALL TABLES", s.config.PublicationName),
		)
		if err != nil {
			return fmt.Errorf("failed to create publication: %w", err)
		}
		s.log.Info().Str("publication", s.config.PublicationName).Msg("created publication")
	}

	return nil
}
