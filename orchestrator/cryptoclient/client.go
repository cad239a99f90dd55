// Package cryptoclient is the HTTP client for the stateless cryptography
// microservice. The orchestrator delegates all ElectionGuard math to it; every
// call here is a pure function of its request body.
package cryptoclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/TAR2003/amarvote-orchestrator/config/params"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "cryptoclient")

const (
	tallyPath       = "/create_encrypted_tally"
	partialPath     = "/create_partial_decryption"
	compensatedPath = "/create_compensated_decryption"
	combinePath     = "/combine_decryption_shares"
	healthPath      = "/health"
)

// maxErrorBody bounds how much of an error response is kept for logs.
const maxErrorBody = 1 << 10

// TallyRequest accumulates one chunk of ballots into an encrypted tally.
type TallyRequest struct {
	ElectionID     int64           `json:"election_id"`
	BallotIDs      []string        `json:"ballot_ids"`
	JointPublicKey string          `json:"joint_public_key"`
	CommitmentHash string          `json:"commitment_hash"`
	Manifest       json.RawMessage `json:"manifest"`
}

// TallyResponse carries the homomorphic accumulation of the chunk.
type TallyResponse struct {
	EncryptedTally json.RawMessage `json:"encrypted_tally"`
}

// PartialDecryptionRequest produces one guardian's decryption share for one
// encrypted tally.
type PartialDecryptionRequest struct {
	GuardianID     string          `json:"guardian_id"`
	SequenceOrder  int             `json:"sequence_order"`
	PublicKey      string          `json:"guardian_public_key"`
	PrivateKey     string          `json:"guardian_private_key"`
	Polynomial     string          `json:"guardian_polynomial"`
	EncryptedTally json.RawMessage `json:"encrypted_tally"`
	JointPublicKey string          `json:"joint_public_key"`
	CommitmentHash string          `json:"commitment_hash"`
	Manifest       json.RawMessage `json:"manifest"`
}

// PartialDecryptionResponse carries the guardian's share with its Chaum-
// Pedersen proofs embedded.
type PartialDecryptionResponse struct {
	TallyShare            json.RawMessage `json:"partial_tally_share"`
	BallotShares          json.RawMessage `json:"ballot_shares"`
	GuardianDecryptionKey string          `json:"guardian_decryption_key"`
}

// CompensatedDecryptionRequest reconstructs a missing guardian's share from
// the compensating guardian's pre-distributed backup.
type CompensatedDecryptionRequest struct {
	CompensatingGuardianID string          `json:"compensating_guardian_id"`
	CompensatingSequence   int             `json:"compensating_sequence_order"`
	CompensatingPublicKey  string          `json:"compensating_public_key"`
	CompensatingPrivateKey string          `json:"compensating_private_key"`
	CompensatingPolynomial string          `json:"compensating_polynomial"`
	MissingGuardianID      string          `json:"missing_guardian_id"`
	MissingSequence        int             `json:"missing_sequence_order"`
	MissingPublicKey       string          `json:"missing_public_key"`
	MissingKeyBackup       json.RawMessage `json:"missing_key_backup"`
	EncryptedTally         json.RawMessage `json:"encrypted_tally"`
	JointPublicKey         string          `json:"joint_public_key"`
	CommitmentHash         string          `json:"commitment_hash"`
	NumberOfGuardians      int             `json:"number_of_guardians"`
	Quorum                 int             `json:"quorum"`
	Manifest               json.RawMessage `json:"manifest"`
}

// CompensatedDecryptionResponse carries the reconstructed share.
type CompensatedDecryptionResponse struct {
	TallyShare  json.RawMessage `json:"compensated_tally_share"`
	BallotShare json.RawMessage `json:"compensated_ballot_share"`
}

// CombineRequest merges every share of one encrypted tally into plaintext.
type CombineRequest struct {
	EncryptedTally     json.RawMessage   `json:"encrypted_tally"`
	PartialShares      []json.RawMessage `json:"decryption_shares"`
	CompensatedShares  []json.RawMessage `json:"compensated_shares"`
	JointPublicKey     string            `json:"joint_public_key"`
	CommitmentHash     string            `json:"commitment_hash"`
	NumberOfGuardians  int               `json:"number_of_guardians"`
	Quorum             int               `json:"quorum"`
	Manifest           json.RawMessage   `json:"manifest"`
}

// CombineResponse carries the plaintext tally for one election center.
type CombineResponse struct {
	Result json.RawMessage `json:"election_result"`
}

// API is the crypto service surface the workers depend on.
type API interface {
	CreateEncryptedTally(ctx context.Context, req *TallyRequest) (*TallyResponse, error)
	CreatePartialDecryption(ctx context.Context, req *PartialDecryptionRequest) (*PartialDecryptionResponse, error)
	CreateCompensatedDecryption(ctx context.Context, req *CompensatedDecryptionRequest) (*CompensatedDecryptionResponse, error)
	CombineDecryptionShares(ctx context.Context, req *CombineRequest) (*CombineResponse, error)
	Health(ctx context.Context) error
}

// StatusError is a non-2xx response from the crypto service.
type StatusError struct {
	Code int
	Body string
}

// Error implements error.
func (e *StatusError) Error() string {
	return fmt.Sprintf("crypto service returned status %d: %s", e.Code, e.Body)
}

// Client talks to one crypto service base URL. Heavy endpoints get a long
// timeout sized for large-chunk math, health checks a short one.
type Client struct {
	baseURL *url.URL
	heavy   *http.Client
	light   *http.Client
}

var _ API = (*Client)(nil)

// NewClient parses the base URL and builds the two HTTP clients.
func NewClient(rawURL string) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(rawURL, "/"))
	if err != nil {
		return nil, errors.Wrapf(err, "invalid crypto service url %q", rawURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("invalid crypto service url scheme %q", u.Scheme)
	}
	cfg := params.OrchConfig()
	return &Client{
		baseURL: u,
		heavy:   &http.Client{Timeout: cfg.HeavyRPCTimeout},
		light:   &http.Client{Timeout: cfg.LightRPCTimeout},
	}, nil
}

// CreateEncryptedTally implements API.
func (c *Client) CreateEncryptedTally(ctx context.Context, req *TallyRequest) (*TallyResponse, error) {
	resp := &TallyResponse{}
	if err := c.post(ctx, c.heavy, tallyPath, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// CreatePartialDecryption implements API.
func (c *Client) CreatePartialDecryption(ctx context.Context, req *PartialDecryptionRequest) (*PartialDecryptionResponse, error) {
	resp := &PartialDecryptionResponse{}
	if err := c.post(ctx, c.heavy, partialPath, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// CreateCompensatedDecryption implements API.
func (c *Client) CreateCompensatedDecryption(ctx context.Context, req *CompensatedDecryptionRequest) (*CompensatedDecryptionResponse, error) {
	resp := &CompensatedDecryptionResponse{}
	if err := c.post(ctx, c.heavy, compensatedPath, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// CombineDecryptionShares implements API.
func (c *Client) CombineDecryptionShares(ctx context.Context, req *CombineRequest) (*CombineResponse, error) {
	resp := &CombineResponse{}
	if err := c.post(ctx, c.heavy, combinePath, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Health probes the service's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL.String()+healthPath, nil)
	if err != nil {
		return errors.Wrap(err, "could not build health request")
	}
	resp, err := c.light.Do(httpReq)
	if err != nil {
		return errors.Wrap(err, "crypto service unreachable")
	}
	defer closeBody(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Code: resp.StatusCode, Body: readErrorBody(resp.Body)}
	}
	return nil
}

func (c *Client) post(ctx context.Context, hc *http.Client, path string, req, resp interface{}) error {
	body, err := json.Marshal(req)
	if err != nil {
		return errors.Wrapf(err, "could not encode request for %s", path)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL.String()+path, bytes.NewReader(body))
	if err != nil {
		return errors.Wrapf(err, "could not build request for %s", path)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := hc.Do(httpReq)
	if err != nil {
		return errors.Wrapf(err, "request to %s failed", path)
	}
	defer closeBody(httpResp.Body)
	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return &StatusError{Code: httpResp.StatusCode, Body: readErrorBody(httpResp.Body)}
	}
	if err := json.NewDecoder(httpResp.Body).Decode(resp); err != nil {
		return errors.Wrapf(err, "could not decode response from %s", path)
	}
	return nil
}

func readErrorBody(r io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(r, maxErrorBody))
	if err != nil {
		return "<unreadable body>"
	}
	return strings.TrimSpace(string(b))
}

func closeBody(c io.Closer) {
	if err := c.Close(); err != nil {
		log.WithError(err).Debug("Could not close response body")
	}
}
