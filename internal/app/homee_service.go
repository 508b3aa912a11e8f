package app

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/homeed/internal/config"
	"github.com/dokzlo13/homeed/internal/homee"
)

// HomeeService wraps the homee client and the event bus it publishes on.
type HomeeService struct {
	cfg *config.Config

	Client *homee.Client
	Bus    *homee.Bus
}

// NewHomeeService creates a new HomeeService with the client created but not connected.
func NewHomeeService(cfg *config.Config, opts ...homee.Option) (*HomeeService, error) {
	bus := homee.NewBus(cfg.EventBus.GetWorkers(), cfg.EventBus.GetQueueSize())

	opts = append([]homee.Option{homee.WithBus(bus)}, opts...)
	client, err := homee.NewClient(ClientConfig(cfg.Homee), opts...)
	if err != nil {
		closeBus(cfg, bus)
		return nil, err
	}

	return &HomeeService{
		cfg:    cfg,
		Client: client,
		Bus:    bus,
	}, nil
}

// ClientConfig maps the homee config section onto the client configuration.
func ClientConfig(c config.HomeeConfig) homee.Config {
	return homee.Config{
		Host:              c.Host,
		User:              c.User,
		Password:          c.Password,
		Device:            c.Device,
		Reconnect:         c.ReconnectEnabled(),
		ReconnectInterval: c.ReconnectInterval.Duration(),
		MaxRetries:        c.MaxRetries,
		HeartbeatInterval: c.HeartbeatInterval.Duration(),
		RequestTimeout:    c.RequestTimeout.Duration(),
		HandshakeTimeout:  c.HandshakeTimeout.Duration(),
		CommandsPerSecond: c.CommandsPerSecond,
		BaseURL:           c.BaseURL,
		WebSocketURL:      c.WebSocketURL,
	}
}

// StartBackground connects to the hub without blocking startup. Errors that
// end the connection for good (rejected credentials, exhausted retries) are
// passed to onFatalError.
func (s *HomeeService) StartBackground(ctx context.Context, onFatalError func(error)) {
	// Exhaustion can also happen long after the first connect returned.
	homee.Subscribe(s.Bus, func(e homee.MaxRetriesEvent) {
		log.Error().Int("max_retries", e.Max).Msg("Homee reconnect attempts exhausted")
		if onFatalError != nil {
			onFatalError(&homee.MaxRetriesError{Max: e.Max})
		}
	})

	go func() {
		err := s.Client.Connect(ctx)
		switch {
		case err == nil:
			log.Info().Str("host", s.cfg.Homee.Host).Msg("Connected to homee")
		case errors.Is(err, context.Canceled), errors.Is(err, homee.ErrClosed):
			log.Debug().Err(err).Msg("Homee connect aborted")
		case errors.Is(err, homee.ErrMaxRetries):
			// Reported through MaxRetriesEvent.
		default:
			log.Error().Err(err).Msg("Homee connect failed")
			if onFatalError != nil {
				onFatalError(err)
			}
		}
	}()
}

// Close disconnects from the hub and drains the event bus.
func (s *HomeeService) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
	defer cancel()

	if s.Client != nil {
		if err := s.Client.Close(ctx); err != nil {
			log.Warn().Err(err).Msg("Homee client close error")
		}
	}
	closeBus(s.cfg, s.Bus)
}

func closeBus(cfg *config.Config, bus *homee.Bus) {
	if bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Duration())
	defer cancel()
	bus.Close(ctx)
}
