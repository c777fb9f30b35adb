// Package acme adapts the certificate authority behind ports.ACMEClient
// using lego's low-level RFC 8555 API. The high-level Obtain flow is not
// usable here: order creation, DNS propagation, and finalization run as
// separate queue stages, possibly on different processes.
package acme

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-acme/lego/v4/acme"
	"github.com/go-acme/lego/v4/acme/api"
	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/challenge/dns01"
	"github.com/poyrazK/dnsforge/internal/core/domain"
	"github.com/poyrazK/dnsforge/internal/core/ports"
)

const (
	userAgent       = "dnsforge"
	pollInterval    = 2 * time.Second
	pollBudget      = 30 * time.Second
	rateLimitedType = "urn:ietf:params:acme:error:rateLimited"
)

// Config carries the ACME account material.
type Config struct {
	DirectoryURL string
	Email        string
	// AccountKeyPEM is the account private key. Required.
	AccountKeyPEM string
	// AccountKID is the existing account URL. When empty a new account is
	// registered on first use.
	AccountKID string
}

// Client implements ports.ACMEClient.
type Client struct {
	core *api.Core
}

// NewClient builds the signed-request core and, when no account KID is
// configured, registers a new account with the CA.
func NewClient(cfg Config) (*Client, error) {
	if cfg.AccountKeyPEM == "" {
		return nil, errors.New("acme: account key is required")
	}
	key, err := certcrypto.ParsePEMPrivateKey([]byte(cfg.AccountKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("acme: failed to parse account key: %w", err)
	}

	core, err := api.New(http.DefaultClient, userAgent, cfg.DirectoryURL, cfg.AccountKID, key)
	if err != nil {
		return nil, fmt.Errorf("acme: failed to build api core: %w", err)
	}

	if cfg.AccountKID == "" {
		// Accounts.New installs the returned KID on the signer, so every
		// later request is account-bound.
		_, err := core.Accounts.New(acme.Account{
			TermsOfServiceAgreed: true,
			Contact:              []string{"mailto:" + cfg.Email},
		})
		if err != nil {
			return nil, fmt.Errorf("acme: failed to register account: %w", err)
		}
	}

	return &Client{core: core}, nil
}

// CreateOrder opens an order for the given identifiers and collects the
// DNS-01 challenge for every authorization.
func (c *Client) CreateOrder(ctx context.Context, domains []string) (*ports.Order, error) {
	order, err := c.core.Orders.New(domains)
	if err != nil {
		return nil, caError(fmt.Errorf("new order: %w", err))
	}

	result := &ports.Order{OrderURL: order.Location}
	for _, authzURL := range order.Authorizations {
		authz, err := c.core.Authorizations.Get(authzURL)
		if err != nil {
			return nil, caError(fmt.Errorf("get authorization: %w", err))
		}

		chlg := findDNS01(authz.Challenges)
		if chlg == nil {
			return nil, fmt.Errorf("%w: no dns-01 challenge offered for %s",
				domain.ErrOrderInvalid, authz.Identifier.Value)
		}

		keyAuth, err := c.core.GetKeyAuthorization(chlg.Token)
		if err != nil {
			return nil, fmt.Errorf("key authorization: %w", err)
		}
		info := dns01.GetChallengeInfo(authz.Identifier.Value, keyAuth)

		name := authz.Identifier.Value
		if authz.Wildcard {
			name = "*." + name
		}
		result.Challenges = append(result.Challenges, ports.OrderChallenge{
			Domain:       name,
			ChallengeURL: chlg.URL,
			ChallengeKey: info.Value,
		})
	}

	return result, nil
}

// ValidateChallenge asks the CA to check the challenge and polls briefly
// for the verdict. A still-pending challenge after the poll budget is a
// retryable error; the caller comes back on the next delivery.
func (c *Client) ValidateChallenge(ctx context.Context, challengeURL string) error {
	chlg, err := c.core.Challenges.Get(challengeURL)
	if err != nil {
		return caError(fmt.Errorf("get challenge: %w", err))
	}
	if chlg.Status == acme.StatusValid {
		return nil
	}
	if chlg.Status == acme.StatusInvalid {
		return challengeProblem(chlg)
	}

	if chlg.Status == acme.StatusPending {
		if _, err := c.core.Challenges.New(challengeURL); err != nil {
			return caError(fmt.Errorf("trigger challenge: %w", err))
		}
	}

	deadline := time.Now().Add(pollBudget)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}

		chlg, err = c.core.Challenges.Get(challengeURL)
		if err != nil {
			return caError(fmt.Errorf("poll challenge: %w", err))
		}
		switch chlg.Status {
		case acme.StatusValid:
			return nil
		case acme.StatusInvalid:
			return challengeProblem(chlg)
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("challenge %s still %s after %s", challengeURL, chlg.Status, pollBudget)
		}
	}
}

// Finalize generates a fresh certificate key, submits the CSR, waits for
// issuance, and downloads the bundled chain.
func (c *Client) Finalize(ctx context.Context, orderURL string, domains []string) (string, string, error) {
	order, err := c.core.Orders.Get(orderURL)
	if err != nil {
		return "", "", caError(fmt.Errorf("get order: %w", err))
	}
	if order.Status == acme.StatusInvalid {
		return "", "", fmt.Errorf("%w: order is invalid", domain.ErrOrderInvalid)
	}

	certKey, err := certcrypto.GeneratePrivateKey(certcrypto.EC256)
	if err != nil {
		return "", "", fmt.Errorf("generate certificate key: %w", err)
	}

	if order.Status != acme.StatusValid {
		csr, err := certcrypto.GenerateCSR(certKey, domains[0], domains, false)
		if err != nil {
			return "", "", fmt.Errorf("generate csr: %w", err)
		}
		if _, err := c.core.Orders.UpdateForCSR(order.Finalize, csr); err != nil {
			return "", "", caError(fmt.Errorf("finalize order: %w", err))
		}
	}

	certURL, err := c.waitForIssuance(ctx, orderURL)
	if err != nil {
		return "", "", err
	}

	// With bundle=true the first return already carries the full chain; the
	// separate issuer bytes are redundant.
	certPEM, _, err := c.core.Certificates.Get(certURL, true)
	if err != nil {
		return "", "", caError(fmt.Errorf("download certificate: %w", err))
	}

	keyPEM := certcrypto.PEMEncode(certKey)
	return string(certPEM), string(keyPEM), nil
}

func (c *Client) waitForIssuance(ctx context.Context, orderURL string) (string, error) {
	deadline := time.Now().Add(pollBudget)
	for {
		order, err := c.core.Orders.Get(orderURL)
		if err != nil {
			return "", caError(fmt.Errorf("poll order: %w", err))
		}
		switch order.Status {
		case acme.StatusValid:
			return order.Certificate, nil
		case acme.StatusInvalid:
			return "", fmt.Errorf("%w: order became invalid during finalization", domain.ErrOrderInvalid)
		}

		if time.Now().After(deadline) {
			return "", fmt.Errorf("order %s still %s after %s", orderURL, order.Status, pollBudget)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func findDNS01(challenges []acme.Challenge) *acme.Challenge {
	for i := range challenges {
		if challenges[i].Type == "dns-01" {
			return &challenges[i]
		}
	}
	return nil
}

func challengeProblem(chlg acme.ExtendedChallenge) error {
	if chlg.Error != nil {
		return fmt.Errorf("%w: %s", domain.ErrOrderInvalid, chlg.Error.Detail)
	}
	return fmt.Errorf("%w: challenge is invalid", domain.ErrOrderInvalid)
}

// caError maps permanent CA rejections onto domain.ErrOrderInvalid so the
// pipeline can stop retrying them. Rate limits and server-side faults stay
// retryable.
func caError(err error) error {
	var problem *acme.ProblemDetails
	if errors.As(err, &problem) {
		if problem.HTTPStatus >= 400 && problem.HTTPStatus < 500 && problem.Type != rateLimitedType {
			return fmt.Errorf("%w: %s", domain.ErrOrderInvalid, problem.Detail)
		}
	}
	return err
}
