/*
service.go - Explicitly constructed lending service

PURPOSE:
  Holds every dependency the engine needs (store, clock, notifier, policy,
  logger, retry policy) and exposes the operations the outer layers call:

    IssueLoan, ReturnLoan, FinalizeLoan, MemberLoans, ListLoans
    ListUnpaidFines, ListFines, OutstandingBalance
    ApplyPayment, SettleFine, ListPayments
    RunDueScan, RunLowStockScan

  There is no package-level state. Whatever process boundary owns the
  service (HTTP server, scheduler, tests) constructs it and passes it on.

USAGE:
  svc, err := lending.NewService(store,
      lending.WithPolicy(policy),
      lending.WithNotifier(gateway),
  )
*/
package lending

import (
	"crypto/rand"
	"io"
	"log"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

type Service struct {
	store     TxStore
	clock     Clock
	policy    Policy
	notifier  NotifierGateway
	logger    *log.Logger
	retry     RetryPolicy
	inventory *Inventory
	ids       *idSource
}

type Option func(*Service)

func WithClock(c Clock) Option { return func(s *Service) { s.clock = c } }

func WithPolicy(p Policy) Option { return func(s *Service) { s.policy = p } }

func WithNotifier(n NotifierGateway) Option { return func(s *Service) { s.notifier = n } }

func WithLogger(l *log.Logger) Option { return func(s *Service) { s.logger = l } }

func WithRetry(r RetryPolicy) Option { return func(s *Service) { s.retry = r } }

// NewService builds a service around store. Policy defaults to
// DefaultPolicy, the clock to SystemClock and the notifier to LogNotifier.
func NewService(store TxStore, opts ...Option) (*Service, error) {
	s := &Service{
		store:  store,
		clock:  SystemClock{},
		policy: DefaultPolicy(),
		logger: log.Default(),
		retry:  DefaultRetryPolicy(),
		ids:    newIDSource(rand.Reader),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.policy.Validate(); err != nil {
		return nil, err
	}
	if s.notifier == nil {
		s.notifier = LogNotifier{Logger: s.logger}
	}
	s.inventory = &Inventory{logger: s.logger}
	return s, nil
}

func (s *Service) Policy() Policy { return s.policy }

func (s *Service) Clock() Clock { return s.clock }

func (s *Service) Store() TxStore { return s.store }

// today is the notification day for now.
func (s *Service) today(now time.Time) Day {
	return DayOf(now, s.policy.location())
}

// =============================================================================
// IDS - ULIDs sort by creation time, which is the oldest-first tie-break
// =============================================================================

type idSource struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func newIDSource(r io.Reader) *idSource {
	return &idSource{entropy: ulid.Monotonic(r, 0)}
}

func (g *idSource) next(at time.Time) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), g.entropy).String()
}
