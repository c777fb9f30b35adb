package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/poyrazK/dnsforge/internal/core/domain"
	"github.com/poyrazK/dnsforge/internal/core/ports"
	"github.com/poyrazK/dnsforge/internal/infrastructure/metrics"
	"github.com/poyrazK/dnsforge/internal/jobs"
)

// Task names for the three issuance stages. Stage N enqueues stage N+1 on
// success; the queue owns retry and backoff.
const (
	TaskOrderCreate = "certificate:order-create"
	TaskDNSWait     = "certificate:dns-wait"
	TaskFinalize    = "certificate:finalize"
)

// CertificateQueue is the job queue all issuance stages run on.
const CertificateQueue = "certificates"

// CertificatePayload is the job payload shared by all three stages. It is
// validated at stage entry; stages load everything else from persisted state
// so re-delivery is always safe.
type CertificatePayload struct {
	CertificateID string `json:"certificate_id"`
	RootDomain    string `json:"root_domain"`
	Username      string `json:"username"`
}

// CertificateService drives the asynchronous issuance pipeline:
// order creation, DNS propagation wait, and finalization.
type CertificateService struct {
	certs      ports.CertificateRepository
	records    *RecordService
	gate       ports.UserGate
	acme       ports.ACMEClient
	verifier   ports.ChallengeVerifier
	enqueuer   ports.Enqueuer
	zone       string
	production bool
	logger     *slog.Logger
}

// NewCertificateService wires the pipeline. When production is false, the
// DNS wait stage short-circuits to success: outside production the
// configured resolver is not the recursor the CA sees, so propagation
// cannot be observed meaningfully.
func NewCertificateService(
	certs ports.CertificateRepository,
	records *RecordService,
	gate ports.UserGate,
	acme ports.ACMEClient,
	verifier ports.ChallengeVerifier,
	enqueuer ports.Enqueuer,
	zone string,
	production bool,
	logger *slog.Logger,
) *CertificateService {
	return &CertificateService{
		certs:      certs,
		records:    records,
		gate:       gate,
		acme:       acme,
		verifier:   verifier,
		enqueuer:   enqueuer,
		zone:       strings.TrimSuffix(strings.ToLower(zone), "."),
		production: production,
		logger:     logger,
	}
}

// RequestCertificate opens a new certificate request for the user's root
// domain and enqueues the first pipeline stage.
func (s *CertificateService) RequestCertificate(ctx context.Context, username string) (*domain.Certificate, error) {
	deactivated, err := s.gate.IsDeactivated(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("failed to check account status: %w", err)
	}
	if deactivated {
		return nil, domain.ErrDeactivatedAccount
	}

	now := time.Now()
	cert := &domain.Certificate{
		ID:         uuid.New().String(),
		Username:   username,
		RootDomain: username + "." + s.zone,
		Status:     domain.CertPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.certs.Create(ctx, cert); err != nil {
		return nil, err
	}

	payload := CertificatePayload{CertificateID: cert.ID, RootDomain: cert.RootDomain, Username: username}
	if err := s.enqueuer.Enqueue(ctx, TaskOrderCreate, payload); err != nil {
		return nil, fmt.Errorf("failed to enqueue order creation: %w", err)
	}

	s.logger.Info("certificate requested", "certificate_id", cert.ID, "root_domain", cert.RootDomain)
	return cert, nil
}

// HandleOrderCreate is stage A: open the ACME order, persist one challenge
// row per domain, and provision the DNS-01 TXT records through the record
// store.
func (s *CertificateService) HandleOrderCreate(ctx context.Context, p CertificatePayload) error {
	cert, err := s.loadCertificate(ctx, p.CertificateID)
	if err != nil {
		return err
	}

	switch cert.Status {
	case domain.CertIssued, domain.CertFailed:
		return nil
	case domain.CertChallengesProvisioned, domain.CertVerifying:
		// A previous run got past provisioning before the queue handoff
		// was recorded; just hand off again.
		return s.advance(ctx, p, TaskDNSWait, "order-create")
	}

	if err := s.refuseDeactivated(ctx, cert, "order-create"); err != nil {
		return err
	}

	domains := []string{cert.RootDomain, "*." + cert.RootDomain}
	order, err := s.acme.CreateOrder(ctx, domains)
	if err != nil {
		return s.classifyCAError(ctx, cert, "order-create", fmt.Errorf("failed to create acme order: %w", err))
	}

	if err := s.certs.SetOrder(ctx, cert.ID, order.OrderURL); err != nil {
		return err
	}

	challenges := make([]domain.Challenge, 0, len(order.Challenges))
	for _, oc := range order.Challenges {
		challenges = append(challenges, domain.Challenge{
			ID:            uuid.New().String(),
			CertificateID: cert.ID,
			Domain:        oc.Domain,
			ChallengeKey:  oc.ChallengeKey,
			ChallengeURL:  oc.ChallengeURL,
			CreatedAt:     time.Now(),
		})
	}
	// A previous run may have died after writing its challenge rows but
	// before the status landed. Those rows belong to an order this run just
	// replaced; drop them so only the live order's challenges remain.
	if err := s.certs.DeleteChallenges(ctx, cert.ID); err != nil {
		return err
	}
	if err := s.certs.CreateChallenges(ctx, challenges); err != nil {
		return err
	}

	// Clear stale rows once per subdomain first: the apex and wildcard
	// challenges share one TXT name and must coexist.
	subdomains := make(map[string]bool, len(challenges))
	for _, ch := range challenges {
		subdomain, err := s.challengeSubdomain(cert.Username, ch.Domain)
		if err != nil {
			return jobs.Terminal(err)
		}
		subdomains[subdomain] = true
	}
	for subdomain := range subdomains {
		if err := s.records.DeleteChallengeRecords(ctx, cert.Username, subdomain); err != nil {
			return fmt.Errorf("failed to clear stale challenge records at %s: %w", subdomain, err)
		}
	}
	for _, ch := range challenges {
		subdomain, _ := s.challengeSubdomain(cert.Username, ch.Domain)
		if err := s.records.CreateChallengeRecord(ctx, cert.Username, subdomain, ch.ChallengeKey); err != nil {
			return fmt.Errorf("failed to provision challenge record for %s: %w", ch.Domain, err)
		}
	}

	if err := s.certs.UpdateStatus(ctx, cert.ID, domain.CertChallengesProvisioned); err != nil {
		return err
	}

	s.logger.Info("acme order created and challenges provisioned",
		"certificate_id", cert.ID,
		"root_domain", cert.RootDomain,
		"challenges", len(challenges))
	return s.advance(ctx, p, TaskDNSWait, "order-create")
}

// HandleDNSWait is stage B: sequentially verify every challenge in live
// DNS. One unresolved challenge fails the whole stage retryably; only when
// all are visible does the stage hand off to finalization.
func (s *CertificateService) HandleDNSWait(ctx context.Context, p CertificatePayload) error {
	cert, err := s.loadCertificate(ctx, p.CertificateID)
	if err != nil {
		return err
	}
	if cert.Status == domain.CertIssued || cert.Status == domain.CertFailed {
		return nil
	}

	if !s.production {
		s.logger.Info("skipping live DNS verification outside production",
			"certificate_id", cert.ID)
		if err := s.certs.UpdateStatus(ctx, cert.ID, domain.CertVerifying); err != nil {
			return err
		}
		return s.advance(ctx, p, TaskFinalize, "dns-wait")
	}

	if err := s.refuseDeactivated(ctx, cert, "dns-wait"); err != nil {
		return err
	}

	challenges, err := s.certs.ListChallenges(ctx, cert.ID)
	if err != nil {
		return err
	}

	for _, ch := range challenges {
		if ch.Verified {
			continue
		}

		lookupDomain := strings.TrimPrefix(ch.Domain, "*.")
		visible, err := s.verifier.Verify(ctx, lookupDomain, ch.ChallengeKey)
		if err != nil {
			metrics.ChallengeChecks.WithLabelValues("error").Inc()
			return fmt.Errorf("challenge lookup failed for %s: %w", ch.Domain, err)
		}
		if !visible {
			metrics.ChallengeChecks.WithLabelValues("missing").Inc()
			metrics.IssuanceStages.WithLabelValues("dns-wait", "retry").Inc()
			s.logger.Debug("challenge not yet visible in DNS",
				"certificate_id", cert.ID, "domain", ch.Domain)
			return fmt.Errorf("challenge for %s not yet visible in DNS", ch.Domain)
		}

		metrics.ChallengeChecks.WithLabelValues("found").Inc()
		if err := s.certs.MarkChallengeVerified(ctx, ch.ID); err != nil {
			return err
		}
	}

	if err := s.certs.UpdateStatus(ctx, cert.ID, domain.CertVerifying); err != nil {
		return err
	}

	s.logger.Info("all challenges visible in DNS", "certificate_id", cert.ID)
	return s.advance(ctx, p, TaskFinalize, "dns-wait")
}

// HandleFinalize is stage C: ask the CA to validate each challenge, then
// finalize the order and persist the issued certificate.
func (s *CertificateService) HandleFinalize(ctx context.Context, p CertificatePayload) error {
	cert, err := s.loadCertificate(ctx, p.CertificateID)
	if err != nil {
		return err
	}
	if cert.Status == domain.CertIssued || cert.Status == domain.CertFailed {
		return nil
	}

	if err := s.refuseDeactivated(ctx, cert, "finalize"); err != nil {
		return err
	}

	challenges, err := s.certs.ListChallenges(ctx, cert.ID)
	if err != nil {
		return err
	}

	for _, ch := range challenges {
		if err := s.acme.ValidateChallenge(ctx, ch.ChallengeURL); err != nil {
			return s.classifyCAError(ctx, cert, "finalize",
				fmt.Errorf("challenge validation failed for %s: %w", ch.Domain, err))
		}
	}

	certPEM, keyPEM, err := s.acme.Finalize(ctx, cert.OrderURL, []string{cert.RootDomain, "*." + cert.RootDomain})
	if err != nil {
		return s.classifyCAError(ctx, cert, "finalize", fmt.Errorf("failed to finalize order: %w", err))
	}

	if err := s.certs.SetCertificate(ctx, cert.ID, certPEM, keyPEM, time.Now()); err != nil {
		return err
	}
	if err := s.certs.UpdateStatus(ctx, cert.ID, domain.CertIssued); err != nil {
		return err
	}

	s.cleanupChallengeRecords(ctx, cert, challenges)

	metrics.IssuanceStages.WithLabelValues("finalize", "ok").Inc()
	s.logger.Info("certificate issued", "certificate_id", cert.ID, "root_domain", cert.RootDomain)
	return nil
}

// StageHandlers returns the job handlers for registration on the worker.
func (s *CertificateService) StageHandlers() []jobs.Handler {
	return []jobs.Handler{
		jobs.NewTaskHandler(TaskOrderCreate, s.HandleOrderCreate),
		jobs.NewTaskHandler(TaskDNSWait, s.HandleDNSWait),
		jobs.NewTaskHandler(TaskFinalize, s.HandleFinalize),
	}
}

// ExhaustionHook returns the worker hook run when a stage spends its whole
// retry budget. The certificate is marked failed and its challenge records
// removed, so a stalled order never sits in an intermediate status forever.
func (s *CertificateService) ExhaustionHook() jobs.ExhaustionHook {
	return func(ctx context.Context, task *jobs.Task, taskErr error) {
		var p CertificatePayload
		if err := json.Unmarshal(task.Payload, &p); err != nil || p.CertificateID == "" {
			s.logger.Error("exhausted task carries no certificate payload",
				"task_id", task.ID.String(), "task_name", task.TaskName)
			return
		}

		cert, err := s.certs.GetByID(ctx, p.CertificateID)
		if err != nil {
			s.logger.Error("failed to load certificate for exhausted task",
				"certificate_id", p.CertificateID, "error", err)
			return
		}
		if cert.Status == domain.CertIssued || cert.Status == domain.CertFailed {
			return
		}

		stage := strings.TrimPrefix(task.TaskName, "certificate:")
		s.logger.Error("issuance retries exhausted, failing certificate",
			"certificate_id", cert.ID, "stage", stage, "error", taskErr)
		s.markFailed(ctx, cert)
		metrics.IssuanceStages.WithLabelValues(stage, "exhausted").Inc()
	}
}

func (s *CertificateService) loadCertificate(ctx context.Context, id string) (*domain.Certificate, error) {
	cert, err := s.certs.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, jobs.Terminal(fmt.Errorf("certificate %s does not exist", id))
		}
		return nil, err
	}
	return cert, nil
}

// refuseDeactivated aborts the stage unrecoverably when the owning account
// was deactivated after the pipeline started. Checked at every stage entry,
// never mid-stage.
func (s *CertificateService) refuseDeactivated(ctx context.Context, cert *domain.Certificate, stage string) error {
	deactivated, err := s.gate.IsDeactivated(ctx, cert.Username)
	if err != nil {
		return fmt.Errorf("failed to check account status: %w", err)
	}
	if !deactivated {
		return nil
	}

	s.logger.Error("account deactivated mid-issuance, aborting",
		"certificate_id", cert.ID, "username", cert.Username, "stage", stage)
	s.markFailed(ctx, cert)
	metrics.IssuanceStages.WithLabelValues(stage, "terminal").Inc()
	return jobs.Terminal(domain.ErrDeactivatedAccount)
}

// classifyCAError turns a CA failure into a retryable or terminal stage
// outcome. Permanently invalid orders mark the certificate failed.
func (s *CertificateService) classifyCAError(ctx context.Context, cert *domain.Certificate, stage string, err error) error {
	if errors.Is(err, domain.ErrOrderInvalid) {
		s.markFailed(ctx, cert)
		metrics.IssuanceStages.WithLabelValues(stage, "terminal").Inc()
		return jobs.Terminal(err)
	}
	metrics.IssuanceStages.WithLabelValues(stage, "retry").Inc()
	return err
}

func (s *CertificateService) markFailed(ctx context.Context, cert *domain.Certificate) {
	if err := s.certs.UpdateStatus(ctx, cert.ID, domain.CertFailed); err != nil {
		s.logger.Error("failed to mark certificate failed", "certificate_id", cert.ID, "error", err)
	}
	challenges, err := s.certs.ListChallenges(ctx, cert.ID)
	if err != nil {
		s.logger.Error("failed to list challenges for cleanup", "certificate_id", cert.ID, "error", err)
		return
	}
	s.cleanupChallengeRecords(ctx, cert, challenges)
}

func (s *CertificateService) cleanupChallengeRecords(ctx context.Context, cert *domain.Certificate, challenges []domain.Challenge) {
	for _, ch := range challenges {
		subdomain, err := s.challengeSubdomain(cert.Username, ch.Domain)
		if err != nil {
			s.logger.Error("failed to derive challenge subdomain", "domain", ch.Domain, "error", err)
			continue
		}
		if err := s.records.DeleteChallengeRecords(ctx, cert.Username, subdomain); err != nil {
			s.logger.Error("failed to remove challenge record",
				"certificate_id", cert.ID, "domain", ch.Domain, "error", err)
		}
	}
}

func (s *CertificateService) advance(ctx context.Context, p CertificatePayload, next, stage string) error {
	if err := s.enqueuer.Enqueue(ctx, next, p); err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", next, err)
	}
	metrics.IssuanceStages.WithLabelValues(stage, "ok").Inc()
	return nil
}

// challengeSubdomain maps a challenge FQDN back to the record-store
// subdomain for the owning user: _acme-challenge for the user root,
// _acme-challenge.<sub> for deeper names. Wildcards validate against the
// base name.
func (s *CertificateService) challengeSubdomain(username, challengeDomain string) (string, error) {
	name := strings.ToLower(strings.TrimSuffix(strings.TrimPrefix(challengeDomain, "*."), "."))
	root := username + "." + s.zone

	if name == root {
		return domain.AcmeChallengeLabel, nil
	}
	if strings.HasSuffix(name, "."+root) {
		return domain.AcmeChallengeLabel + "." + strings.TrimSuffix(name, "."+root), nil
	}
	return "", fmt.Errorf("challenge domain %q is outside %s", challengeDomain, root)
}
