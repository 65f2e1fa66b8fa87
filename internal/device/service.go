package device

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"loop-vcam/internal/camera"
	"loop-vcam/internal/platform/metrics"
)

// Service maps consumers onto stream references: each Attach is one
// StartStream and each Detach one StopStream, so the stream runs exactly
// while at least one consumer is attached.
type Service struct {
	repo    Repository
	device  camera.DeviceSource
	log     *slog.Logger
	metrics *metrics.Metrics

	// mu keeps the repository and the device refcount in step.
	mu sync.Mutex
}

// NewService returns a Service driving device. Metrics may be nil.
func NewService(repo Repository, device camera.DeviceSource, log *slog.Logger, m *metrics.Metrics) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, device: device, log: log, metrics: m}
}

// Attach starts (or joins) the stream on behalf of a new consumer. If the
// stream cannot start, the *camera.OpenError is returned and no consumer is
// recorded.
func (s *Service) Attach(name string) (Consumer, error) {
	return s.attach(name, false)
}

// AttachEphemeral is Attach for consumers tied to a single request.
func (s *Service) AttachEphemeral(name string) (Consumer, error) {
	return s.attach(name, true)
}

func (s *Service) attach(name string, ephemeral bool) (Consumer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := Consumer{
		ID:         ConsumerID(uuid.NewString()),
		Name:       name,
		Ephemeral:  ephemeral,
		AttachedAt: time.Now().UTC(),
	}
	if err := s.device.StartStream(); err != nil {
		return Consumer{}, err
	}
	if err := s.repo.Add(c); err != nil {
		s.device.StopStream()
		return Consumer{}, err
	}
	s.metrics.SetActiveConsumers(s.repo.Count())
	s.log.Info("consumer attached",
		slog.String("consumer_id", string(c.ID)),
		slog.String("name", c.Name),
		slog.Bool("ephemeral", ephemeral))
	return c, nil
}

// Detach releases the stream reference held by consumer id.
func (s *Service) Detach(id ConsumerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.repo.Remove(id)
	if err != nil {
		return err
	}
	s.device.StopStream()
	s.metrics.SetActiveConsumers(s.repo.Count())
	s.log.Info("consumer detached",
		slog.String("consumer_id", string(c.ID)),
		slog.String("name", c.Name),
		slog.Duration("attached_for", time.Since(c.AttachedAt)))
	return nil
}

// Cancel stops the stream immediately and forgets every consumer. It returns
// the number of consumers detached.
func (s *Service) Cancel() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.device.CancelStream()
	removed := s.repo.Clear()
	s.metrics.SetActiveConsumers(0)
	s.log.Warn("stream canceled", slog.Int("detached", len(removed)))
	return len(removed)
}

// Consumers lists attached consumers, oldest first.
func (s *Service) Consumers() []Consumer {
	return s.repo.List()
}

// Consumer returns one attached consumer.
func (s *Service) Consumer(id ConsumerID) (Consumer, bool) {
	return s.repo.Get(id)
}

// ConsumerCount is the number of attached consumers.
func (s *Service) ConsumerCount() int {
	return s.repo.Count()
}

// Status reports the stream and the number of consumers holding it.
func (s *Service) Status() Status {
	return Status{
		Stream:    s.device.StreamStatus(),
		Consumers: s.repo.Count(),
	}
}
